package sessionkit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Scavenger periodically removes expired sessions from the store and the
// cache, and evicts sessions that have sat idle in memory.
type Scavenger struct {
	cache    *SessionCache
	store    SessionStore
	interval time.Duration
	logger   *slog.Logger

	// cycle is held for the duration of one sweep; an overlapping sweep is skipped.
	cycle sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newScavenger(cache *SessionCache, store SessionStore, interval time.Duration, logger *slog.Logger) *Scavenger {
	return &Scavenger{
		cache:    cache,
		store:    store,
		interval: interval,
		logger:   logger.With("component", "scavenger"),
	}
}

// Start launches the periodic sweep. Calling Start on a running scavenger is a no-op.
func (sc *Scavenger) Start() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.cancel != nil || sc.interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sc.cancel = cancel
	sc.done = make(chan struct{})
	go sc.run(ctx, sc.done)
}

// Stop halts the periodic sweep and waits for a running cycle to finish.
func (sc *Scavenger) Stop() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.cancel == nil {
		return
	}
	sc.cancel()
	<-sc.done
	sc.cancel = nil
	sc.done = nil
}

func (sc *Scavenger) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// A cycle gets at most one interval before the next one is due.
			cycleCtx, cancel := context.WithTimeout(ctx, sc.interval)
			sc.Scavenge(cycleCtx)
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// Scavenge runs one sweep and reports whether it ran; it returns false when
// another sweep is still in progress. Failures are logged per session and
// never stop the sweep.
func (sc *Scavenger) Scavenge(ctx context.Context) bool {
	if !sc.cycle.TryLock() {
		sc.logger.Debug("scavenging already in progress, skipping cycle")
		return false
	}
	defer sc.cycle.Unlock()

	now := sc.cache.now()
	var expired, evicted int

	ids, err := sc.store.GetExpired(ctx, now)
	if err != nil {
		sc.logger.Warn("failed to list expired sessions", "error", err)
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		sc.isolate(id, func() error {
			ok, err := sc.cache.expireStored(ctx, id, now)
			if ok {
				expired++
			}
			return err
		})
	}

	for _, s := range sc.cache.snapshot() {
		if ctx.Err() != nil {
			break
		}
		sc.isolate(s.ID(), func() error {
			wasExpired, wasEvicted, err := sc.cache.sweep(ctx, s, now)
			if wasExpired {
				expired++
			}
			if wasEvicted {
				evicted++
			}
			return err
		})
	}

	if expired > 0 || evicted > 0 {
		sc.logger.Debug("scavenging cycle finished", "expired", expired, "evicted", evicted)
	}
	return true
}

func (sc *Scavenger) isolate(id string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			sc.logger.Error("scavenging session failed", "session_id", id, "error", fmt.Errorf("panic: %v", r))
		}
	}()
	if err := fn(); err != nil {
		sc.logger.Error("scavenging session failed", "session_id", id, "error", err)
	}
}
