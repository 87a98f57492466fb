package sessionkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type lifecycle int

const (
	lifecycleNew lifecycle = iota
	lifecycleRunning
	lifecycleDestroyed
)

// Manager owns the session cache, the store and the scavenger, and exposes
// the session lifecycle. A Manager must be initialized before use.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	stats  *Statistics
	events *listenerSet

	defaultMaxIdleMs atomic.Int64

	mu        sync.RWMutex
	state     lifecycle
	store     SessionStore
	cache     *SessionCache
	scavenger *Scavenger
}

// NewManager creates a manager from cfg, applying defaults. Nothing is opened
// or started until Initialize.
func NewManager(cfg Config) *Manager {
	cfg.applyDefaults()

	m := &Manager{
		cfg:    cfg,
		logger: cfg.Logger,
		stats:  &Statistics{},
		events: newListenerSet(cfg.Listeners, cfg.Logger),
	}
	m.defaultMaxIdleMs.Store(secondsToMillis(cfg.MaxIdleSeconds))
	return m
}

// Initialize validates the configuration, opens the store and starts the
// scavenger. Configuration errors wrap ErrInvalidConfig and are not retryable.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != lifecycleNew {
		return ErrAlreadyInitialized
	}
	if err := m.cfg.Validate(); err != nil {
		return err
	}

	store := m.cfg.Store
	if store == nil {
		fsCfg := m.cfg.FileStore
		fsCfg.Cluster = m.cfg.ClusterEnabled
		fsCfg.Logger = m.logger
		fs, err := NewFileSessionStore(fsCfg)
		if err != nil {
			return err
		}
		store = fs
	}

	retries := max(m.cfg.PersistRetries, 0)
	m.store = store
	m.cache = newSessionCache(store, m.stats, m.events, m.logger, cacheOptions{
		evictionIdleMs:   secondsToMillis(m.cfg.EvictionIdleSeconds),
		evictOnRelease:   m.cfg.EvictOnRelease,
		saveOnCreate:     m.cfg.SaveOnCreate,
		removeUnloadable: m.cfg.RemoveUnloadableSessions,
		persistTries:     uint(retries) + 1, // #nosec G115 -- clamped to >= 0 above
	})
	m.scavenger = newScavenger(m.cache, store, time.Duration(m.cfg.ScavengingIntervalSeconds)*time.Second, m.logger)
	m.scavenger.Start()
	m.state = lifecycleRunning

	m.logger.Info("session manager initialized",
		"worker", m.cfg.WorkerName,
		"store", fmt.Sprintf("%T", store),
		"max_idle_seconds", m.cfg.MaxIdleSeconds,
		"scavenging_interval_seconds", m.cfg.ScavengingIntervalSeconds)
	return nil
}

func (m *Manager) running() (*SessionCache, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != lifecycleRunning {
		return nil, ErrNotInitialized
	}
	return m.cache, nil
}

// GetSession returns the session for id, claimed for the caller, who must
// hand it back with Release. Ids from another worker's namespace are never
// looked up. When the session does not exist and create is true, a new
// session with a fresh id is created; create never reuses the supplied id.
func (m *Manager) GetSession(ctx context.Context, id string, create bool) (*Session, error) {
	cache, err := m.running()
	if err != nil {
		return nil, err
	}

	if id != "" && belongsToWorker(id, m.cfg.WorkerName) {
		s, err := cache.Get(ctx, id)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
	}
	if !create {
		return nil, ErrSessionNotFound
	}

	if limit := m.cfg.MaxActiveSessions; limit > 0 && m.stats.NumberOfActives() >= int64(limit) {
		m.stats.sessionRejected()
		m.logger.Warn("session creation rejected", "active", m.stats.NumberOfActives(), "limit", limit)
		return nil, ErrMaxSessionsExceeded
	}

	newID, err := newSessionID(m.cfg.WorkerName)
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}
	return cache.NewSession(ctx, newID, m.defaultMaxIdleMs.Load())
}

// Release hands back a session obtained from GetSession and persists it when
// it changed. A *PersistError leaves the session dirty in memory.
func (m *Manager) Release(ctx context.Context, s *Session) error {
	cache, err := m.running()
	if err != nil {
		return err
	}
	return cache.Release(ctx, s)
}

// Invalidate ends the session: its record is deleted, then it leaves memory.
// If the record cannot be deleted the session stays valid and a
// *PersistError is returned.
func (m *Manager) Invalidate(ctx context.Context, id string) error {
	cache, err := m.running()
	if err != nil {
		return err
	}
	if !belongsToWorker(id, m.cfg.WorkerName) {
		return ErrSessionNotFound
	}
	removed, err := cache.Remove(ctx, id, true)
	if err != nil {
		return err
	}
	if !removed {
		return ErrSessionNotFound
	}
	return nil
}

// RenewSessionID moves s to a freshly generated id and returns it. Use it
// after authentication to prevent session fixation.
func (m *Manager) RenewSessionID(ctx context.Context, s *Session) (string, error) {
	cache, err := m.running()
	if err != nil {
		return "", err
	}
	newID, err := newSessionID(m.cfg.WorkerName)
	if err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	if _, err := cache.renew(ctx, s, newID); err != nil {
		return "", err
	}
	return newID, nil
}

// SetDefaultMaxIdleSecs changes the idle budget of sessions created from now
// on. Existing sessions keep theirs. A value <= 0 creates sessions that never expire.
func (m *Manager) SetDefaultMaxIdleSecs(secs int) {
	m.defaultMaxIdleMs.Store(secondsToMillis(secs))
}

func (m *Manager) DefaultMaxIdleSecs() int {
	return int(m.defaultMaxIdleMs.Load() / 1000)
}

// Statistics returns the live counters; safe to read at any time.
func (m *Manager) Statistics() *Statistics {
	return m.stats
}

func (m *Manager) WorkerName() string {
	return m.cfg.WorkerName
}

// Scavenge runs one scavenging cycle now. It reports false when a cycle was
// already running.
func (m *Manager) Scavenge(ctx context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != lifecycleRunning {
		return false, ErrNotInitialized
	}
	return m.scavenger.Scavenge(ctx), nil
}

// Destroy stops the scavenger, writes every session that changed since its
// last save and closes the store. Records are kept. Destroy is idempotent.
func (m *Manager) Destroy(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != lifecycleRunning {
		m.state = lifecycleDestroyed
		return nil
	}
	m.state = lifecycleDestroyed

	m.scavenger.Stop()
	flushErr := m.cache.flush(ctx)
	if flushErr != nil {
		m.logger.Warn("failed to flush sessions on shutdown", "error", flushErr)
	}
	var closeErr error
	if err := m.store.Close(); err != nil {
		closeErr = fmt.Errorf("failed to close session store: %w", err)
	}
	m.logger.Info("session manager destroyed", "worker", m.cfg.WorkerName)
	return errors.Join(flushErr, closeErr)
}
