package sessionkit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps session records in a single SQLite table.
type SQLiteStore struct {
	db              *sql.DB
	mu              sync.Mutex // Serializes writes to avoid SQLITE_BUSY
	saveStmt        *sql.Stmt
	loadStmt        *sql.Stmt
	existsStmt      *sql.Stmt
	deleteStmt      *sql.Stmt
	expiredStmt     *sql.Stmt
	graceMs         int64
	maxSessionBytes int
	logger          *slog.Logger
}

// SQLiteConfig holds configuration for the SQLite store.
type SQLiteConfig struct {
	DSN                string        `mapstructure:"dsn"`
	MaxOpenConns       int           `mapstructure:"maxOpenConns"`
	MaxIdleConns       int           `mapstructure:"maxIdleConns"`
	ConnMaxLifetime    time.Duration `mapstructure:"connMaxLifetime"`
	MaxSessionBytes    int           `mapstructure:"maxSessionBytes"`
	GracePeriodSeconds int           `mapstructure:"gracePeriodSeconds"`
	Logger             *slog.Logger  `mapstructure:"-"`
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithConfig(SQLiteConfig{
		DSN:          dsn,
		MaxOpenConns: 16, // Allow concurrent readers (writers are serialized by mutex)
		MaxIdleConns: 16,
	})
}

func NewSQLiteStoreWithConfig(cfg SQLiteConfig) (*SQLiteStore, error) {
	// PRAGMAs go in the DSN so they apply to every connection in the pool.
	cfg.DSN = withPragma(cfg.DSN, "synchronous", "synchronous=NORMAL")
	cfg.DSN = withPragma(cfg.DSN, "busy_timeout", "busy_timeout=5000")

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
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

	// WAL is persistent for the database file, so executing it once is sufficient.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		accessed INTEGER NOT NULL,
		max_idle_ms INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_expires_at ON sessions(expires_at);
	`
	if _, err := db.Exec(query); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sessions table: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := &SQLiteStore{
		db:              db,
		graceMs:         secondsToMillis(cfg.GracePeriodSeconds),
		maxSessionBytes: cfg.MaxSessionBytes,
		logger:          logger.With("store", "sqlite"),
	}

	store.saveStmt, err = db.Prepare(`
		INSERT INTO sessions (id, data, accessed, max_idle_ms, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			data = excluded.data,
			accessed = excluded.accessed,
			max_idle_ms = excluded.max_idle_ms,
			expires_at = excluded.expires_at
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare save statement: %w", err)
	}

	store.loadStmt, err = db.Prepare("SELECT data FROM sessions WHERE id = ?")
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to prepare load statement: %w", err)
	}

	store.existsStmt, err = db.Prepare("SELECT 1 FROM sessions WHERE id = ?")
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to prepare exists statement: %w", err)
	}

	store.deleteStmt, err = db.Prepare("DELETE FROM sessions WHERE id = ?")
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to prepare delete statement: %w", err)
	}

	// expires_at is 0 for sessions that never expire.
	store.expiredStmt, err = db.Prepare("SELECT id FROM sessions WHERE expires_at > 0 AND expires_at < ?")
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to prepare expired statement: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) Exists(ctx context.Context, id string) (bool, error) {
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

func (s *SQLiteStore) Load(ctx context.Context, id string) (*SessionData, error) {
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

func (s *SQLiteStore) Save(ctx context.Context, id string, data *SessionData) error {
	blob, err := encodeSessionData(data)
	if err != nil {
		return err
	}
	if s.maxSessionBytes > 0 && len(blob) > s.maxSessionBytes {
		return ErrSessionTooLarge
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.saveStmt.ExecContext(ctx, id, blob, data.Accessed(), data.MaxIdleMs(), data.Expiry())
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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

func (s *SQLiteStore) GetExpired(ctx context.Context, now int64) ([]string, error) {
	rows, err := s.expiredStmt.QueryContext(ctx, now-s.graceMs)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired sessions: %w", err)
	}
	return collectIDs(rows)
}

func (s *SQLiteStore) Close() error {
	for _, stmt := range []*sql.Stmt{s.saveStmt, s.loadStmt, s.existsStmt, s.deleteStmt, s.expiredStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

func withPragma(dsn, name, pragma string) string {
	if strings.Contains(dsn, name) {
		return dsn
	}
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return dsn + separator + "_pragma=" + pragma
}

var _ SessionStore = (*SQLiteStore)(nil)
