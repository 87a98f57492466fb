package sessionkit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T, cfg RedisConfig) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg.Addr = mr.Addr()
	cfg.Logger = discardLogger()
	store, err := NewRedisStore(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStore_SaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t, RedisConfig{})

	data := NewSessionData("s1", nowMillis(), nowMillis(), 60000)
	data.SetAttribute("user", "alice")
	data.SetAttribute("roles", []any{"admin", "dev"})
	require.NoError(t, store.Save(ctx, "s1", data))
	assert.True(t, mr.Exists("session:s1"))

	ok, err := store.Exists(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	roles, _ := got.Attribute("roles")
	assert.Equal(t, []any{"admin", "dev"}, roles)

	existed, err := store.Delete(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = store.Delete(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = store.Load(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRedisStore_TTL(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t, RedisConfig{GracePeriodSeconds: 10})

	require.NoError(t, store.Save(ctx, "s1", NewSessionData("s1", nowMillis(), nowMillis(), 60000)))
	ttl := mr.TTL("session:s1")
	assert.Greater(t, ttl, 65*time.Second)
	assert.LessOrEqual(t, ttl, 70*time.Second)

	require.NoError(t, store.Save(ctx, "forever", NewSessionData("forever", nowMillis(), nowMillis(), 0)))
	assert.Zero(t, mr.TTL("session:forever"))

	mr.FastForward(71 * time.Second)
	_, err := store.Load(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = store.Load(ctx, "forever")
	assert.NoError(t, err)
}

func TestRedisStore_SavePastGraceDeletes(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t, RedisConfig{})

	require.NoError(t, store.Save(ctx, "s1", NewSessionData("s1", nowMillis(), nowMillis(), 60000)))

	stale := NewSessionData("s1", nowMillis()-120000, nowMillis()-120000, 60000)
	require.NoError(t, store.Save(ctx, "s1", stale))
	assert.False(t, mr.Exists("session:s1"))
}

func TestRedisStore_GetExpired(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t, RedisConfig{KeyPrefix: "app:", GracePeriodSeconds: 1})
	const t0 = int64(1_700_000_000_000)

	put := func(key string, d *SessionData) {
		raw, err := encodeSessionData(d)
		require.NoError(t, err)
		require.NoError(t, mr.Set(key, string(raw)))
	}
	// Records written by a node whose clock runs behind carry no useful TTL.
	put("app:old", NewSessionData("old", t0, t0, 1000))
	put("app:grace", NewSessionData("grace", t0+500, t0+500, 1000))
	put("app:never", NewSessionData("never", t0, t0, 0))
	put("other:old", NewSessionData("foreign", t0, t0, 1000))
	require.NoError(t, mr.Set("app:corrupt", "garbage"))

	ids, err := store.GetExpired(ctx, t0+2001)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)
}

func TestRedisStore_Unreadable(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t, RedisConfig{})
	require.NoError(t, mr.Set("session:bad", "garbage"))

	_, err := store.Load(ctx, "bad")
	assert.ErrorIs(t, err, ErrUnreadableSessionData)
}

func TestRedisStore_MaxSessionBytes(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t, RedisConfig{MaxSessionBytes: 64})

	data := NewSessionData("s1", nowMillis(), nowMillis(), 60000)
	data.SetAttribute("blob", "a value long enough to push the record past sixty-four bytes")
	assert.ErrorIs(t, store.Save(ctx, "s1", data), ErrSessionTooLarge)
}

func TestRedisStore_WithClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client, RedisConfig{Logger: discardLogger()})

	m := newTestManager(t, store, nil)
	ctx := context.Background()

	agent := NewAgent(m, "")
	require.NoError(t, agent.SetAttribute(ctx, "k", "v"))
	require.NoError(t, agent.Complete(ctx))
	assert.True(t, mr.Exists("session:"+agent.ID()))
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewRedisStore(ctx, RedisConfig{Addr: addr})
	assert.Error(t, err)
}
