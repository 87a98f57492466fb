package sessionkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// MemcachedStore implements SessionStore using Memcached. Memcached evicts
// expired items itself, so GetExpired never reports anything.
type MemcachedStore struct {
	client          *memcache.Client
	prefix          string
	ttl             time.Duration
	graceMs         int64
	maxSessionBytes int
	logger          *slog.Logger
}

// MemcachedConfig holds configuration for the Memcached store.
type MemcachedConfig struct {
	Servers   []string `mapstructure:"servers"`
	KeyPrefix string   `mapstructure:"keyPrefix"`
	// TTL applies to sessions that never expire. Zero keeps them until evicted.
	TTL                time.Duration `mapstructure:"ttl"`
	GracePeriodSeconds int           `mapstructure:"gracePeriodSeconds"`
	MaxSessionBytes    int           `mapstructure:"maxSessionBytes"`
	Timeout            time.Duration `mapstructure:"timeout"` // Timeout for Memcached operations. Defaults to 0 (no timeout) if not set.
	Logger             *slog.Logger  `mapstructure:"-"`
}

// NewMemcachedStore creates a new MemcachedStore.
func NewMemcachedStore(ttl time.Duration, servers ...string) *MemcachedStore {
	return NewMemcachedStoreWithConfig(MemcachedConfig{
		Servers: servers,
		TTL:     ttl,
		// 1 second keeps a dead Memcached from hanging every request.
		Timeout: 1 * time.Second,
	})
}

// NewMemcachedStoreWithConfig creates a new MemcachedStore with custom configuration.
func NewMemcachedStoreWithConfig(cfg MemcachedConfig) *MemcachedStore {
	client := memcache.New(cfg.Servers...)
	client.Timeout = cfg.Timeout

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "session:"
	}

	return &MemcachedStore{
		client:          client,
		prefix:          prefix,
		ttl:             cfg.TTL,
		graceMs:         secondsToMillis(cfg.GracePeriodSeconds),
		maxSessionBytes: cfg.MaxSessionBytes,
		logger:          logger.With("store", "memcached"),
	}
}

func (s *MemcachedStore) Exists(_ context.Context, id string) (bool, error) {
	_, err := s.get(id)
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Load retrieves a session from Memcached.
func (s *MemcachedStore) Load(_ context.Context, id string) (*SessionData, error) {
	item, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if s.maxSessionBytes > 0 && len(item.Value) > s.maxSessionBytes {
		return nil, ErrSessionTooLarge
	}

	data, err := decodeSessionData(item.Value)
	if err != nil {
		s.logger.Warn("unreadable session item", "session_id", id, "error", err)
		return nil, err
	}
	return data, nil
}

// Save stores a session in Memcached. The item expires one grace period after the session does.
func (s *MemcachedStore) Save(_ context.Context, id string, data *SessionData) error {
	raw, err := encodeSessionData(data)
	if err != nil {
		return err
	}
	if s.maxSessionBytes > 0 && len(raw) > s.maxSessionBytes {
		return ErrSessionTooLarge
	}

	now := time.Now()
	var expiresAt time.Time
	if exp := data.Expiry(); exp > 0 {
		expiresAt = time.UnixMilli(exp + s.graceMs)
		if !expiresAt.After(now) {
			return nil // Already expired
		}
	}

	err = s.client.Set(&memcache.Item{
		Key:        s.prefix + id,
		Value:      raw,
		Expiration: calculateMemcachedExpiration(now, expiresAt, s.ttl),
	})
	if err != nil {
		return fmt.Errorf("failed to save to memcached: %w", err)
	}
	return nil
}

// Delete removes a session from Memcached.
func (s *MemcachedStore) Delete(_ context.Context, id string) (bool, error) {
	err := s.client.Delete(s.prefix + id)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to delete from memcached: %w", err)
	}
	return true, nil
}

// GetExpired returns nothing; Memcached drops items at their expiration.
func (*MemcachedStore) GetExpired(context.Context, int64) ([]string, error) {
	return nil, nil
}

// Close releases idle connections.
func (s *MemcachedStore) Close() error {
	return s.client.Close()
}

func (s *MemcachedStore) get(id string) (*memcache.Item, error) {
	item, err := s.client.Get(s.prefix + id)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get from memcached: %w", err)
	}
	return item, nil
}

// calculateMemcachedExpiration calculates the expiration value for Memcached.
// Memcached treats values > 30 days (60*60*24*30 seconds) as absolute Unix timestamps.
// Values <= 30 days are treated as a delta from the current time.
func calculateMemcachedExpiration(now time.Time, expiresAt time.Time, ttl time.Duration) int32 {
	const maxDelta = 30 * 24 * 60 * 60 // 30 days in seconds

	var duration time.Duration
	if !expiresAt.IsZero() {
		duration = expiresAt.Sub(now)
	} else {
		duration = ttl
	}

	// A large delta would be read as a timestamp in 1970.
	if duration > maxDelta*time.Second {
		if !expiresAt.IsZero() {
			return int32(expiresAt.Unix())
		}
		return int32(now.Add(ttl).Unix())
	}

	if duration < 0 {
		return 0
	}
	secs := int32(duration.Seconds())
	if secs == 0 && !expiresAt.IsZero() {
		// 0 means "never expires" to Memcached.
		return 1
	}
	return secs
}

var _ SessionStore = (*MemcachedStore)(nil)
