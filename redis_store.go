package sessionkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// scanBatch is the COUNT hint passed to SCAN when listing session keys.
const scanBatch = 256

// RedisStore implements SessionStore on Redis. Each record is a string key
// with a TTL of maxIdle plus the grace period, so Redis reclaims abandoned
// sessions on its own.
type RedisStore struct {
	client          redis.UniversalClient
	prefix          string
	graceMs         int64
	maxSessionBytes int
	logger          *slog.Logger
}

// RedisConfig holds configuration for the Redis store.
type RedisConfig struct {
	Addr               string       `mapstructure:"addr"`
	Password           string       `mapstructure:"password"`
	DB                 int          `mapstructure:"db"`
	KeyPrefix          string       `mapstructure:"keyPrefix"`
	GracePeriodSeconds int          `mapstructure:"gracePeriodSeconds"`
	MaxSessionBytes    int          `mapstructure:"maxSessionBytes"`
	Logger             *slog.Logger `mapstructure:"-"`
}

// NewRedisStore connects to a single Redis server.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg), nil
}

// NewRedisStoreWithClient wraps an existing client. Only the prefix, grace
// period, size limit and logger of cfg are used.
func NewRedisStoreWithClient(client redis.UniversalClient, cfg RedisConfig) *RedisStore {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "session:"
	}
	return &RedisStore{
		client:          client,
		prefix:          prefix,
		graceMs:         secondsToMillis(cfg.GracePeriodSeconds),
		maxSessionBytes: cfg.MaxSessionBytes,
		logger:          logger.With("store", "redis"),
	}
}

func (s *RedisStore) Exists(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("failed to query redis: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Load(ctx context.Context, id string) (*SessionData, error) {
	raw, err := s.client.Get(ctx, s.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}
	if s.maxSessionBytes > 0 && len(raw) > s.maxSessionBytes {
		return nil, ErrSessionTooLarge
	}

	data, err := decodeSessionData(raw)
	if err != nil {
		s.logger.Warn("unreadable session key", "session_id", id, "error", err)
		return nil, err
	}
	return data, nil
}

func (s *RedisStore) Save(ctx context.Context, id string, data *SessionData) error {
	raw, err := encodeSessionData(data)
	if err != nil {
		return err
	}
	if s.maxSessionBytes > 0 && len(raw) > s.maxSessionBytes {
		return ErrSessionTooLarge
	}

	var ttl time.Duration
	if exp := data.Expiry(); exp > 0 {
		ttl = time.Until(time.UnixMilli(exp + s.graceMs))
		if ttl <= 0 {
			// Past its grace period: drop any stale copy instead of writing.
			if err := s.client.Del(ctx, s.prefix+id).Err(); err != nil {
				return fmt.Errorf("failed to delete from redis: %w", err)
			}
			return nil
		}
	}

	if err := s.client.Set(ctx, s.prefix+id, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save to redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Del(ctx, s.prefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete from redis: %w", err)
	}
	return n > 0, nil
}

// GetExpired scans the key prefix and checks each record header. Keys with a
// TTL disappear on their own, so this mostly catches records written by
// clocks that disagree with ours.
func (s *RedisStore) GetExpired(ctx context.Context, now int64) ([]string, error) {
	var expired []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return expired, fmt.Errorf("failed to get from redis: %w", err)
		}
		header, err := decodeHeader(raw)
		if err != nil {
			s.logger.Warn("unreadable session key", "key", key, "error", err)
			continue
		}
		if header.isExpiredAt(now, s.graceMs) {
			expired = append(expired, header.ID)
		}
	}
	if err := iter.Err(); err != nil {
		return expired, fmt.Errorf("failed to scan redis: %w", err)
	}
	return expired, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ SessionStore = (*RedisStore)(nil)
