package sessionkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"
)

// maxLookupAttempts bounds how often Get retries when it races an eviction.
const maxLookupAttempts = 3

// cacheOptions configures a SessionCache.
type cacheOptions struct {
	evictionIdleMs   int64
	evictOnRelease   bool
	saveOnCreate     bool
	removeUnloadable bool

	persistTries    uint
	persistInterval time.Duration
}

// SessionCache maps session ids to live Sessions in front of a SessionStore.
// The id map is a sync.Map, so unrelated sessions never contend; each
// Session serializes its own mutations and persists under its own lock.
type SessionCache struct {
	store  SessionStore
	stats  *Statistics
	events *listenerSet
	logger *slog.Logger
	opts   cacheOptions
	now    func() int64

	sessions sync.Map // map[string]*Session
	loads    singleflight.Group
	inflight sync.Map // map[string]*loadTicket
}

// loadTicket lets a removal of an id that is being loaded stop the load from
// publishing the record it already read.
type loadTicket struct {
	mu      sync.Mutex
	revoked bool
}

func (t *loadTicket) revoke() {
	t.mu.Lock()
	t.revoked = true
	t.mu.Unlock()
}

func newSessionCache(store SessionStore, stats *Statistics, events *listenerSet, logger *slog.Logger, opts cacheOptions) *SessionCache {
	if opts.persistTries == 0 {
		opts.persistTries = 1
	}
	if opts.persistInterval <= 0 {
		opts.persistInterval = 50 * time.Millisecond
	}
	return &SessionCache{
		store:  store,
		stats:  stats,
		events: events,
		logger: logger,
		opts:   opts,
		now:    nowMillis,
	}
}

// Get returns the session for id, loading it from the store on a miss, and
// claims it for the caller, who must Release it. Expired sessions are removed
// and reported as ErrSessionNotFound.
func (c *SessionCache) Get(ctx context.Context, id string) (*Session, error) {
	for range maxLookupAttempts {
		s, err := c.lookup(ctx, id)
		if err != nil {
			return nil, err
		}

		now := c.now()
		switch s.acquire(now) {
		case acquired:
			return s, nil
		case acquireExpired:
			if _, err := c.terminate(ctx, s, StateExpired, ReasonTimeout, now, true); err != nil {
				c.logger.Warn("failed to remove expired session", "session_id", id, "error", err)
			}
			return nil, ErrSessionNotFound
		case acquireInvalid:
			return nil, ErrSessionNotFound
		case acquireDetached:
			// Evicted between lookup and acquire; the store has the latest copy.
		}
	}
	return nil, fmt.Errorf("failed to acquire session %s: %w", id, ErrSessionNotFound)
}

func (c *SessionCache) lookup(ctx context.Context, id string) (*Session, error) {
	if v, ok := c.sessions.Load(id); ok {
		return v.(*Session), nil
	}

	v, err, _ := c.loads.Do(id, func() (any, error) {
		// Another caller may have inserted it while we waited.
		if v, ok := c.sessions.Load(id); ok {
			return v, nil
		}
		return c.load(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (c *SessionCache) load(ctx context.Context, id string) (*Session, error) {
	ticket := &loadTicket{}
	c.inflight.Store(id, ticket)
	defer c.inflight.CompareAndDelete(id, ticket)

	data, err := c.store.Load(ctx, id)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		c.logger.Debug("session not in store", "session_id", id)
		return nil, ErrSessionNotFound
	case errors.Is(err, ErrUnreadableSessionData):
		c.logger.Warn("unloadable session", "session_id", id, "error", err)
		if c.opts.removeUnloadable {
			if _, err := c.store.Delete(ctx, id); err != nil {
				c.logger.Warn("failed to remove unloadable session", "session_id", id, "error", err)
			}
		}
		return nil, ErrSessionNotFound
	case err != nil:
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if data.IsExpiredAt(c.now()) {
		if existed, err := c.store.Delete(ctx, id); err != nil {
			c.logger.Warn("failed to remove expired session", "session_id", id, "error", err)
		} else if existed {
			c.stats.sessionExpired()
		}
		return nil, ErrSessionNotFound
	}

	s := newSession(data, c.events)
	ticket.mu.Lock()
	if ticket.revoked {
		ticket.mu.Unlock()
		c.logger.Debug("session removed while loading", "session_id", id)
		return nil, ErrSessionNotFound
	}
	actual, loaded := c.sessions.LoadOrStore(id, s)
	ticket.mu.Unlock()
	if loaded {
		return actual.(*Session), nil
	}
	c.stats.sessionActivated()
	c.logger.Debug("session loaded", "session_id", id)
	return s, nil
}

// NewSession creates a session under id, inserts it and claims it for the
// caller. When saveOnCreate is set the record is written immediately; a
// failed write is logged and retried on release.
func (c *SessionCache) NewSession(ctx context.Context, id string, maxIdleMs int64) (*Session, error) {
	now := c.now()
	data := NewSessionData(id, now, now, maxIdleMs)
	data.dirty = true

	s := newSession(data, c.events)
	s.resident = 1
	if _, loaded := c.sessions.LoadOrStore(id, s); loaded {
		return nil, fmt.Errorf("%w: %s is already in use", ErrInvalidSessionID, id)
	}
	c.stats.sessionCreated()
	c.events.created(s)

	if c.opts.saveOnCreate {
		s.mu.Lock()
		if err := c.persistLocked(ctx, s); err != nil {
			c.logger.Warn("failed to save new session", "session_id", id, "error", err)
		}
		s.mu.Unlock()
	}
	return s, nil
}

// Release drops the caller's claim on s and persists it if the stored record
// is stale. On a failed write the session stays dirty and a *PersistError is
// returned; the next release retries.
func (c *SessionCache) Release(ctx context.Context, s *Session) error {
	now := c.now()

	s.mu.Lock()
	if s.resident > 0 {
		s.resident--
	}
	s.lastReleased = now
	if s.state != StateValid || s.detached {
		s.mu.Unlock()
		return nil
	}
	var err error
	if s.needsSaveLocked() {
		err = c.persistLocked(ctx, s)
	}
	evict := err == nil && c.opts.evictOnRelease && s.resident == 0
	s.mu.Unlock()

	if evict {
		if _, err := c.evict(ctx, s, now, false); err != nil {
			c.logger.Warn("failed to evict session on release", "session_id", s.ID(), "error", err)
		}
	}
	return err
}

// Remove takes the session out of memory. With fromStoreToo the session is
// invalidated and its record deleted; otherwise it is evicted and the record
// kept. It reports whether anything was removed.
func (c *SessionCache) Remove(ctx context.Context, id string, fromStoreToo bool) (bool, error) {
	v, ok := c.sessions.Load(id)
	if !ok {
		if !fromStoreToo {
			return false, nil
		}
		existed, err := c.store.Delete(ctx, id)
		if err != nil {
			return false, &PersistError{ID: id, Op: "delete", Err: err}
		}
		// A load that read the record before the delete must not publish it.
		if t, ok := c.inflight.Load(id); ok {
			t.(*loadTicket).revoke()
		}
		// One that published before the revoke is terminated here.
		if v, ok := c.sessions.Load(id); ok {
			removed, err := c.terminate(ctx, v.(*Session), StateInvalid, ReasonInvalidated, c.now(), false)
			return existed || removed, err
		}
		return existed, nil
	}

	s := v.(*Session)
	if fromStoreToo {
		return c.terminate(ctx, s, StateInvalid, ReasonInvalidated, c.now(), false)
	}
	return c.evict(ctx, s, c.now(), false)
}

// Len returns the number of sessions held in memory.
func (c *SessionCache) Len() int {
	n := 0
	c.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (c *SessionCache) peek(id string) (*Session, bool) {
	v, ok := c.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

func (c *SessionCache) snapshot() []*Session {
	var out []*Session
	c.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*Session))
		return true
	})
	return out
}

// expireStored handles an id the store reported as expired. A cached session
// is only removed when it is not held and has also expired in memory.
func (c *SessionCache) expireStored(ctx context.Context, id string, now int64) (bool, error) {
	if s, ok := c.peek(id); ok {
		return c.terminate(ctx, s, StateExpired, ReasonTimeout, now, true)
	}
	existed, err := c.store.Delete(ctx, id)
	if err != nil {
		return false, &PersistError{ID: id, Op: "delete", Err: err}
	}
	if existed {
		c.stats.sessionExpired()
		c.logger.Debug("expired session removed from store", "session_id", id)
	}
	return existed, nil
}

// sweep expires s if it timed out in memory, otherwise evicts it if it has
// sat idle past the eviction threshold.
func (c *SessionCache) sweep(ctx context.Context, s *Session, now int64) (expired, evicted bool, err error) {
	expired, err = c.terminate(ctx, s, StateExpired, ReasonTimeout, now, true)
	if expired || err != nil {
		return expired, false, err
	}
	evicted, err = c.evict(ctx, s, now, true)
	return false, evicted, err
}

// terminate moves s to a terminal state and deletes its record. The record is
// deleted under the session lock so a concurrent release cannot write it back.
// With onlyIfExpired, held or unexpired sessions are left alone.
func (c *SessionCache) terminate(ctx context.Context, s *Session, state State, reason DestroyReason, now int64, onlyIfExpired bool) (bool, error) {
	s.mu.Lock()
	if s.state != StateValid || s.detached {
		s.mu.Unlock()
		return false, nil
	}
	if onlyIfExpired && (s.resident > 0 || !s.data.IsExpiredAt(now)) {
		s.mu.Unlock()
		return false, nil
	}
	id := s.data.ID()
	if _, err := c.store.Delete(ctx, id); err != nil {
		s.mu.Unlock()
		return false, &PersistError{ID: id, Op: "delete", Err: err}
	}
	s.state = state
	c.sessions.CompareAndDelete(id, s)
	s.mu.Unlock()

	c.stats.sessionDeactivated()
	if state == StateExpired {
		c.stats.sessionExpired()
	}
	c.logger.Debug("session destroyed", "session_id", id, "reason", reason)
	c.events.destroyed(s, reason)

	s.mu.Lock()
	s.data.clearAttributes()
	s.mu.Unlock()
	return true, nil
}

// evict drops s from memory after making sure the store holds its latest
// state. With onlyIfIdle, s must have been released longer ago than the
// eviction threshold.
func (c *SessionCache) evict(ctx context.Context, s *Session, now int64, onlyIfIdle bool) (bool, error) {
	s.mu.Lock()
	if s.state != StateValid || s.detached || s.resident > 0 {
		s.mu.Unlock()
		return false, nil
	}
	if onlyIfIdle && (c.opts.evictionIdleMs <= 0 || now-s.lastReleased <= c.opts.evictionIdleMs) {
		s.mu.Unlock()
		return false, nil
	}
	if s.needsSaveLocked() {
		if err := c.persistLocked(ctx, s); err != nil {
			s.mu.Unlock()
			return false, err
		}
	}
	id := s.data.ID()
	s.detached = true
	c.sessions.CompareAndDelete(id, s)
	s.mu.Unlock()

	c.stats.sessionDeactivated()
	c.stats.sessionEvicted()
	c.logger.Debug("session evicted", "session_id", id)
	c.events.evicted(s)
	return true, nil
}

// renew moves s to newID: the record is written under the new id and the old
// record deleted. If the old record cannot be deleted the new one is removed
// again and s keeps its old id.
func (c *SessionCache) renew(ctx context.Context, s *Session, newID string) (string, error) {
	s.mu.Lock()
	if s.state != StateValid || s.detached {
		s.mu.Unlock()
		return "", ErrSessionInvalid
	}
	oldID := s.data.ID()
	if _, loaded := c.sessions.LoadOrStore(newID, s); loaded {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s is already in use", ErrInvalidSessionID, newID)
	}

	s.data.setID(newID)
	if err := c.store.Save(ctx, newID, s.data); err != nil {
		s.data.setID(oldID)
		c.sessions.CompareAndDelete(newID, s)
		s.mu.Unlock()
		return "", &PersistError{ID: newID, Op: "save", Err: err}
	}
	if _, err := c.store.Delete(ctx, oldID); err != nil {
		// Fail closed: never leave both ids usable.
		if _, cleanupErr := c.store.Delete(ctx, newID); cleanupErr != nil {
			c.logger.Warn("failed to remove renewed session record", "session_id", newID, "error", cleanupErr)
		}
		s.data.setID(oldID)
		c.sessions.CompareAndDelete(newID, s)
		s.mu.Unlock()
		return "", &PersistError{ID: oldID, Op: "delete", Err: err}
	}
	s.markSavedLocked()
	c.sessions.CompareAndDelete(oldID, s)
	s.mu.Unlock()

	c.logger.Debug("session id renewed", "session_id", newID, "old_session_id", oldID)
	c.events.idChanged(s, oldID)
	return oldID, nil
}

// flush writes every stale session and empties the cache. Records are kept.
func (c *SessionCache) flush(ctx context.Context) error {
	var errs []error
	for _, s := range c.snapshot() {
		s.mu.Lock()
		id := s.data.ID()
		if s.state == StateValid && !s.detached {
			if s.needsSaveLocked() {
				if err := c.persistLocked(ctx, s); err != nil {
					errs = append(errs, err)
				}
			}
			s.detached = true
			c.stats.sessionDeactivated()
		}
		c.sessions.CompareAndDelete(id, s)
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}

// persistLocked saves s with a bounded exponential backoff. Callers hold s.mu.
func (c *SessionCache) persistLocked(ctx context.Context, s *Session) error {
	id := s.data.ID()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.opts.persistInterval
	expBackoff.MaxInterval = 20 * c.opts.persistInterval
	expBackoff.Reset()

	operation := func() (struct{}, error) {
		err := c.store.Save(ctx, id, s.data)
		if errors.Is(err, ErrUnsupportedValue) || errors.Is(err, ErrSessionTooLarge) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(c.opts.persistTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.logger.Warn("retrying session save", "session_id", id, "error", err, "retry_in", d)
		}),
	)
	if err != nil {
		c.logger.Warn("failed to save session", "session_id", id, "error", err)
		return &PersistError{ID: id, Op: "save", Err: err}
	}
	s.markSavedLocked()
	return nil
}
