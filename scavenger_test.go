package sessionkit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScavenger_ExpiresStoredAndCachedSessions(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c, stats, clock := newTestCache(store, cacheOptions{})
	sc := newScavenger(c, store, 0, discardLogger())

	// Only in the store: another node's session, or one evicted here.
	store.put(t, NewSessionData("stored", testT0, testT0, 1000))

	cached, err := c.NewSession(ctx, "cached", 1000)
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, cached))

	held, err := c.NewSession(ctx, "held", 1000)
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, held))
	held, err = c.Get(ctx, "held")
	require.NoError(t, err)

	fresh, err := c.NewSession(ctx, "fresh", 60000)
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, fresh))

	clock.Advance(1001)
	assert.True(t, sc.Scavenge(ctx))

	assert.Nil(t, store.get(t, "stored"))
	assert.Nil(t, store.get(t, "cached"))
	assert.Equal(t, StateExpired, cached.State())
	assert.True(t, held.IsValid(), "a held session is never expired under its holder")
	assert.NotNil(t, store.get(t, "held"))
	assert.True(t, fresh.IsValid())
	assert.EqualValues(t, 2, stats.Expired())
	assert.EqualValues(t, 2, stats.NumberOfActives())

	require.NoError(t, c.Release(ctx, held))
}

func TestScavenger_ExpiresSessionsOnlyInMemory(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c, stats, clock := newTestCache(store, cacheOptions{})
	sc := newScavenger(c, store, 0, discardLogger())

	// Created but never released, then abandoned: the store has no record.
	s, err := c.NewSession(ctx, "s1", 1000)
	require.NoError(t, err)
	s.mu.Lock()
	s.resident = 0
	s.mu.Unlock()

	clock.Advance(1001)
	assert.True(t, sc.Scavenge(ctx))
	assert.Equal(t, StateExpired, s.State())
	assert.Equal(t, 0, c.Len())
	assert.EqualValues(t, 1, stats.Expired())
}

func TestScavenger_ContinuesAfterFailures(t *testing.T) {
	ctx := context.Background()
	store := &flakyDeleteStore{memStore: newMemStore(), failID: "bad"}
	c, _, clock := newTestCache(store, cacheOptions{})
	sc := newScavenger(c, store, 0, discardLogger())

	store.put(t, NewSessionData("bad", testT0, testT0, 1000))
	store.put(t, NewSessionData("good", testT0, testT0, 1000))

	clock.Advance(1001)
	assert.True(t, sc.Scavenge(ctx))
	assert.NotNil(t, store.get(t, "bad"))
	assert.Nil(t, store.get(t, "good"))
}

func TestScavenger_RecoversFromPanics(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c, _, clock := newTestCache(store, cacheOptions{}, ListenerFuncs{
		OnDestroyed: func(*Session, DestroyReason) { panic("listener bug") },
	})
	sc := newScavenger(c, store, 0, discardLogger())

	var panicked bool
	sc.isolate("x", func() error {
		panicked = true
		panic("boom")
	})
	assert.True(t, panicked)

	for _, id := range []string{"a", "b"} {
		s, err := c.NewSession(ctx, id, 1000)
		require.NoError(t, err)
		require.NoError(t, c.Release(ctx, s))
	}
	clock.Advance(1001)
	assert.True(t, sc.Scavenge(ctx))
	assert.Equal(t, 0, c.Len())
}

func TestScavenger_SkipsOverlappingCycles(t *testing.T) {
	ctx := context.Background()
	blocked := make(chan struct{})
	release := make(chan struct{})
	store := &blockingExpiredStore{memStore: newMemStore(), entered: blocked, release: release}
	c, _, _ := newTestCache(store, cacheOptions{})
	sc := newScavenger(c, store, 0, discardLogger())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.True(t, sc.Scavenge(ctx))
	}()
	<-blocked

	assert.False(t, sc.Scavenge(ctx), "a second cycle is skipped while one runs")
	close(release)
	wg.Wait()
}

func TestScavenger_StartStop(t *testing.T) {
	store := newMemStore()
	c, _, _ := newTestCache(store, cacheOptions{})
	c.now = nowMillis

	store.put(t, NewSessionData("old", nowMillis()-10000, nowMillis()-10000, 1000))

	sc := newScavenger(c, store, 20*time.Millisecond, discardLogger())
	sc.Start()
	sc.Start()

	assert.Eventually(t, func() bool {
		ok, _ := store.Exists(context.Background(), "old")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	sc.Stop()
	sc.Stop()
}

func TestScavenger_DisabledInterval(t *testing.T) {
	store := newMemStore()
	c, _, _ := newTestCache(store, cacheOptions{})
	sc := newScavenger(c, store, -time.Second, discardLogger())

	sc.Start()
	sc.mu.Lock()
	running := sc.cancel != nil
	sc.mu.Unlock()
	assert.False(t, running)
	sc.Stop()
}

type flakyDeleteStore struct {
	*memStore
	failID string
}

func (s *flakyDeleteStore) Delete(ctx context.Context, id string) (bool, error) {
	if id == s.failID {
		return false, errors.New("permission denied")
	}
	return s.memStore.Delete(ctx, id)
}

type blockingExpiredStore struct {
	*memStore
	entered chan struct{}
	release chan struct{}
}

func (s *blockingExpiredStore) GetExpired(ctx context.Context, now int64) ([]string, error) {
	close(s.entered)
	<-s.release
	return s.memStore.GetExpired(ctx, now)
}
