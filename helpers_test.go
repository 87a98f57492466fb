package sessionkit

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory SessionStore that stores encoded records, with
// switchable failures.
type memStore struct {
	mu      sync.Mutex
	records map[string][]byte

	saveErr   error
	deleteErr error
	loadHook  func(id string)

	saves   int
	loads   int
	deletes int
	closed  bool
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string][]byte)}
}

func (s *memStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[id]
	return ok, nil
}

func (s *memStore) Load(_ context.Context, id string) (*SessionData, error) {
	s.mu.Lock()
	s.loads++
	hook := s.loadHook
	raw, ok := s.records[id]
	s.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	return decodeSessionData(raw)
}

func (s *memStore) Save(_ context.Context, id string, data *SessionData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	raw, err := encodeSessionData(data)
	if err != nil {
		return err
	}
	s.records[id] = raw
	return nil
}

func (s *memStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	if s.deleteErr != nil {
		return false, s.deleteErr
	}
	_, ok := s.records[id]
	delete(s.records, id)
	return ok, nil
}

func (s *memStore) GetExpired(_ context.Context, now int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, raw := range s.records {
		h, err := decodeHeader(raw)
		if err != nil {
			continue
		}
		if h.isExpiredAt(now, 0) {
			ids = append(ids, h.ID)
		}
	}
	return ids, nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memStore) setSaveErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}

func (s *memStore) setDeleteErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteErr = err
}

func (s *memStore) put(t *testing.T, data *SessionData) {
	t.Helper()
	raw, err := encodeSessionData(data)
	require.NoError(t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[data.ID()] = raw
}

func (s *memStore) get(t *testing.T, id string) *SessionData {
	t.Helper()
	s.mu.Lock()
	raw, ok := s.records[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	data, err := decodeSessionData(raw)
	require.NoError(t, err)
	return data
}

func (s *memStore) counts() (saves, loads, deletes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves, s.loads, s.deletes
}

// newTestManager returns an initialized manager over store with the
// background scavenger disabled. Destroy runs at cleanup.
func newTestManager(t *testing.T, store SessionStore, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := Config{
		Store:                     store,
		ScavengingIntervalSeconds: -1,
		PersistRetries:            -1,
		Logger:                    discardLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m := NewManager(cfg)
	require.NoError(t, m.Initialize())
	t.Cleanup(func() { _ = m.Destroy(context.Background()) })
	return m
}

// fakeClock is a settable millisecond clock for the cache.
type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func (c *fakeClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += ms
}

// useClock makes m's cache read time from a fake clock starting at start.
func useClock(m *Manager, start int64) *fakeClock {
	clock := &fakeClock{now: start}
	m.cache.now = clock.Now
	return clock
}
