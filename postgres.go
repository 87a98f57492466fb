package sessionkit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

type PostgreSQLStore struct {
	db              *sql.DB
	saveStmt        *sql.Stmt
	loadStmt        *sql.Stmt
	existsStmt      *sql.Stmt
	deleteStmt      *sql.Stmt
	expiredStmt     *sql.Stmt
	graceMs         int64
	maxSessionBytes int
	logger          *slog.Logger
}

// PostgreSQLConfig holds configuration for the PostgreSQL store.
type PostgreSQLConfig struct {
	DSN                string        `mapstructure:"dsn"`
	MaxOpenConns       int           `mapstructure:"maxOpenConns"`
	MaxIdleConns       int           `mapstructure:"maxIdleConns"`
	ConnMaxLifetime    time.Duration `mapstructure:"connMaxLifetime"`
	ConnMaxIdleTime    time.Duration `mapstructure:"connMaxIdleTime"`
	MaxSessionBytes    int           `mapstructure:"maxSessionBytes"`
	GracePeriodSeconds int           `mapstructure:"gracePeriodSeconds"`
	Logger             *slog.Logger  `mapstructure:"-"`
}

// NewPostgreSQLStore creates a new PostgreSQL store with default configuration.
func NewPostgreSQLStore(dsn string) (*PostgreSQLStore, error) {
	return NewPostgreSQLStoreWithConfig(PostgreSQLConfig{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	})
}

// NewPostgreSQLStoreWithConfig creates a new PostgreSQL store with custom configuration.
func NewPostgreSQLStoreWithConfig(cfg PostgreSQLConfig) (*PostgreSQLStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgresql database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgresql database: %w", err)
	}

	store, err := newPostgreSQLStore(db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// newPostgreSQLStore creates the schema and prepares statements on an open pool.
func newPostgreSQLStore(db *sql.DB, cfg PostgreSQLConfig) (*PostgreSQLStore, error) {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		data BYTEA NOT NULL,
		accessed BIGINT NOT NULL,
		max_idle_ms BIGINT NOT NULL,
		expires_at BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_expires_at ON sessions(expires_at);
	`
	if _, err := db.Exec(query); err != nil {
		return nil, fmt.Errorf("failed to create sessions table: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := &PostgreSQLStore{
		db:              db,
		graceMs:         secondsToMillis(cfg.GracePeriodSeconds),
		maxSessionBytes: cfg.MaxSessionBytes,
		logger:          logger.With("store", "postgres"),
	}

	var err error
	store.saveStmt, err = db.Prepare(`
		INSERT INTO sessions (id, data, accessed, max_idle_ms, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT(id) DO UPDATE SET
			data = EXCLUDED.data,
			accessed = EXCLUDED.accessed,
			max_idle_ms = EXCLUDED.max_idle_ms,
			expires_at = EXCLUDED.expires_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare save statement: %w", err)
	}

	store.loadStmt, err = db.Prepare("SELECT data FROM sessions WHERE id = $1")
	if err != nil {
		store.closeStmts()
		return nil, fmt.Errorf("failed to prepare load statement: %w", err)
	}

	store.existsStmt, err = db.Prepare("SELECT 1 FROM sessions WHERE id = $1")
	if err != nil {
		store.closeStmts()
		return nil, fmt.Errorf("failed to prepare exists statement: %w", err)
	}

	store.deleteStmt, err = db.Prepare("DELETE FROM sessions WHERE id = $1")
	if err != nil {
		store.closeStmts()
		return nil, fmt.Errorf("failed to prepare delete statement: %w", err)
	}

	store.expiredStmt, err = db.Prepare("SELECT id FROM sessions WHERE expires_at > 0 AND expires_at < $1")
	if err != nil {
		store.closeStmts()
		return nil, fmt.Errorf("failed to prepare expired statement: %w", err)
	}

	return store, nil
}

func (s *PostgreSQLStore) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.existsStmt.QueryRowContext(ctx, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query session: %w", err)
	}
	return true, nil
}

func (s *PostgreSQLStore) Load(ctx context.Context, id string) (*SessionData, error) {
	var raw []byte
	err := s.loadStmt.QueryRowContext(ctx, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	if s.maxSessionBytes > 0 && len(raw) > s.maxSessionBytes {
		return nil, ErrSessionTooLarge
	}

	data, err := decodeSessionData(raw)
	if err != nil {
		s.logger.Warn("unreadable session row", "session_id", id, "error", err)
		return nil, err
	}
	return data, nil
}

func (s *PostgreSQLStore) Save(ctx context.Context, id string, data *SessionData) error {
	blob, err := encodeSessionData(data)
	if err != nil {
		return err
	}
	if s.maxSessionBytes > 0 && len(blob) > s.maxSessionBytes {
		return ErrSessionTooLarge
	}

	_, err = s.saveStmt.ExecContext(ctx, id, blob, data.Accessed(), data.MaxIdleMs(), data.Expiry())
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *PostgreSQLStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.deleteStmt.ExecContext(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	return n > 0, nil
}

func (s *PostgreSQLStore) GetExpired(ctx context.Context, now int64) ([]string, error) {
	rows, err := s.expiredStmt.QueryContext(ctx, now-s.graceMs)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired sessions: %w", err)
	}
	return collectIDs(rows)
}

func (s *PostgreSQLStore) Close() error {
	s.closeStmts()
	return s.db.Close()
}

func (s *PostgreSQLStore) closeStmts() {
	for _, stmt := range []*sql.Stmt{s.saveStmt, s.loadStmt, s.existsStmt, s.deleteStmt, s.expiredStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
}

var _ SessionStore = (*PostgreSQLStore)(nil)
