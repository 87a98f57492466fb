package sessionkit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"
)

var sessionsBucket = []byte("sessions")

// BoltStore implements SessionStore in a single bbolt database file.
type BoltStore struct {
	db              *bolt.DB
	graceMs         int64
	maxSessionBytes int
	logger          *slog.Logger
}

// BoltConfig holds configuration for the bbolt store.
type BoltConfig struct {
	Path               string        `mapstructure:"path"`
	OpenTimeout        time.Duration `mapstructure:"openTimeout"`
	GracePeriodSeconds int           `mapstructure:"gracePeriodSeconds"`
	MaxSessionBytes    int           `mapstructure:"maxSessionBytes"`
	Logger             *slog.Logger  `mapstructure:"-"`
}

// NewBoltStore opens (creating if needed) the database at cfg.Path.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sessions bucket: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BoltStore{
		db:              db,
		graceMs:         secondsToMillis(cfg.GracePeriodSeconds),
		maxSessionBytes: cfg.MaxSessionBytes,
		logger:          logger.With("store", "bolt"),
	}, nil
}

func (s *BoltStore) Exists(_ context.Context, id string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(sessionsBucket).Get([]byte(id)) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to read bolt database: %w", err)
	}
	return found, nil
}

func (s *BoltStore) Load(_ context.Context, id string) (*SessionData, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		// Values are only valid for the life of the transaction.
		if v := tx.Bucket(sessionsBucket).Get([]byte(id)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read bolt database: %w", err)
	}
	if raw == nil {
		return nil, ErrSessionNotFound
	}
	if s.maxSessionBytes > 0 && len(raw) > s.maxSessionBytes {
		return nil, ErrSessionTooLarge
	}

	data, err := decodeSessionData(raw)
	if err != nil {
		s.logger.Warn("unreadable session entry", "session_id", id, "error", err)
		return nil, err
	}
	return data, nil
}

func (s *BoltStore) Save(_ context.Context, id string, data *SessionData) error {
	raw, err := encodeSessionData(data)
	if err != nil {
		return err
	}
	if s.maxSessionBytes > 0 && len(raw) > s.maxSessionBytes {
		return ErrSessionTooLarge
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(id), raw)
	})
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *BoltStore) Delete(_ context.Context, id string) (bool, error) {
	var existed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		if b.Get([]byte(id)) == nil {
			return nil
		}
		existed = true
		return b.Delete([]byte(id))
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	return existed, nil
}

func (s *BoltStore) GetExpired(ctx context.Context, now int64) ([]string, error) {
	var expired []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(sessionsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			header, err := decodeHeader(v)
			if err != nil {
				s.logger.Warn("unreadable session entry", "session_id", string(k), "error", err)
				continue
			}
			if header.isExpiredAt(now, s.graceMs) {
				expired = append(expired, header.ID)
			}
		}
		return nil
	})
	return expired, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

var _ SessionStore = (*BoltStore)(nil)
