package sessionkit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

const testMemcachedAddr = "127.0.0.1:11211"

func skipWithoutMemcached(t *testing.T) {
	t.Helper()
	c := memcache.New(testMemcachedAddr)
	if err := c.Set(&memcache.Item{Key: "ping", Value: []byte("pong"), Expiration: 1}); err != nil {
		t.Skipf("Skipping Memcached test: %v", err)
	}
}

func TestMemcachedStore(t *testing.T) {
	skipWithoutMemcached(t)

	store := NewMemcachedStoreWithConfig(MemcachedConfig{
		Servers:   []string{testMemcachedAddr},
		KeyPrefix: "sessionkit-test:",
		Timeout:   time.Second,
		Logger:    discardLogger(),
	})
	defer store.Close()

	ctx := context.Background()
	data := NewSessionData("memcached-session", nowMillis(), nowMillis(), 3600*1000)
	data.SetAttribute("foo", "bar")

	if err := store.Save(ctx, data.ID(), data); err != nil {
		t.Fatalf("failed to save session: %v", err)
	}
	if ok, err := store.Exists(ctx, data.ID()); err != nil || !ok {
		t.Fatalf("expected session to exist, got %v, %v", ok, err)
	}
	got, err := store.Load(ctx, data.ID())
	if err != nil {
		t.Fatalf("failed to load session: %v", err)
	}
	if foo, _ := got.Attribute("foo"); foo != "bar" {
		t.Errorf("unexpected value: %v", foo)
	}

	existed, err := store.Delete(ctx, data.ID())
	if err != nil || !existed {
		t.Fatalf("failed to delete session: %v, %v", existed, err)
	}
	if _, err := store.Load(ctx, data.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound after delete, got %v", err)
	}
	if existed, _ := store.Delete(ctx, data.ID()); existed {
		t.Error("expected second delete to report nothing removed")
	}

	// Expired sessions are not written at all.
	old := NewSessionData("memcached-expired", nowMillis()-7200*1000, nowMillis()-7200*1000, 1000)
	if err := store.Save(ctx, old.ID(), old); err != nil {
		t.Fatalf("failed to save expired session: %v", err)
	}
	if ok, _ := store.Exists(ctx, old.ID()); ok {
		t.Error("expected expired session to be skipped")
	}
}

func TestMemcachedStore_MaxSessionBytes(t *testing.T) {
	skipWithoutMemcached(t)

	ctx := context.Background()
	data := NewSessionData("large-memcached-session", nowMillis(), nowMillis(), 3600*1000)
	data.SetAttribute("data", strings.Repeat("A", 1024))

	// 1. Create limited store
	store := NewMemcachedStoreWithConfig(MemcachedConfig{
		Servers:         []string{testMemcachedAddr},
		TTL:             time.Hour,
		MaxSessionBytes: 500,
	})

	// 2. Test Save enforcement
	if err := store.Save(ctx, data.ID(), data); !errors.Is(err, ErrSessionTooLarge) {
		t.Errorf("expected ErrSessionTooLarge on Save, got: %v", err)
	}

	// 3. Test Load enforcement: write through an unlimited store first
	unlimitedStore := NewMemcachedStore(time.Hour, testMemcachedAddr)
	if err := unlimitedStore.Save(ctx, data.ID(), data); err != nil {
		t.Fatalf("failed to save large session with unlimited store: %v", err)
	}
	if _, err := store.Load(ctx, data.ID()); !errors.Is(err, ErrSessionTooLarge) {
		t.Errorf("expected ErrSessionTooLarge on Load, got: %v", err)
	}

	// Cleanup
	_, _ = unlimitedStore.Delete(ctx, data.ID())
}

func TestMemcachedStore_GetExpiredIsEmpty(t *testing.T) {
	store := NewMemcachedStore(time.Hour, testMemcachedAddr)
	ids, err := store.GetExpired(context.Background(), nowMillis())
	if err != nil || len(ids) != 0 {
		t.Errorf("expected no expired ids, got %v, %v", ids, err)
	}
}
