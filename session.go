package sessionkit

import (
	"fmt"
	"sync"
)

// State is the lifecycle state of an in-memory session.
type State int32

const (
	StateValid State = iota
	StateInvalid
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateValid:
		return "valid"
	case StateInvalid:
		return "invalid"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Session is the live, in-memory form of a session owned by a SessionCache.
// All methods are safe for concurrent use; each call is serialized on the
// session's own lock, so sessions never contend with each other.
type Session struct {
	mu   sync.Mutex
	data *SessionData

	// detached is set once the session left the cache while still valid
	// (eviction, shutdown); the store holds its latest state.
	detached     bool
	state        State
	resident     int
	savedAccess  int64
	lastReleased int64

	events *listenerSet
}

func newSession(data *SessionData, events *listenerSet) *Session {
	return &Session{
		data:         data,
		state:        StateValid,
		savedAccess:  data.Accessed(),
		lastReleased: data.Accessed(),
		events:       events,
	}
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ID()
}

func (s *Session) Created() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Created()
}

func (s *Session) Accessed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Accessed()
}

func (s *Session) LastAccessed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.LastAccessed()
}

func (s *Session) MaxIdleMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.MaxIdleMs()
}

// SetMaxIdleMs changes the idle budget of this session only.
func (s *Session) SetMaxIdleMs(ms int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateValid {
		return ErrSessionInvalid
	}
	s.data.SetMaxIdleMs(ms)
	return nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsValid() bool {
	return s.State() == StateValid
}

// Resident returns the number of agents currently holding the session.
func (s *Session) Resident() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resident
}

func (s *Session) IsDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needsSaveLocked()
}

// Attribute returns the value stored under name. Values come back in their
// canonical types (int64, float64, string, bool, map[string]any, []any).
func (s *Session) Attribute(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateValid {
		return nil, false
	}
	v, ok := s.data.Attribute(name)
	return copyValue(v), ok
}

// SetAttribute stores value under name and returns the previous value. A nil
// value removes the attribute.
func (s *Session) SetAttribute(name string, value any) (any, error) {
	if value == nil {
		return s.RemoveAttribute(name)
	}
	v, err := normalizeValue(value)
	if err != nil {
		return nil, fmt.Errorf("attribute %q: %w", name, err)
	}

	s.mu.Lock()
	if s.state != StateValid {
		s.mu.Unlock()
		return nil, ErrSessionInvalid
	}
	old := s.data.SetAttribute(name, v)
	s.mu.Unlock()

	s.events.attributeChanged(s, name, old, v)
	return old, nil
}

func (s *Session) RemoveAttribute(name string) (any, error) {
	s.mu.Lock()
	if s.state != StateValid {
		s.mu.Unlock()
		return nil, ErrSessionInvalid
	}
	old := s.data.RemoveAttribute(name)
	s.mu.Unlock()

	if old != nil {
		s.events.attributeChanged(s, name, old, nil)
	}
	return old, nil
}

func (s *Session) AttributeNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateValid {
		return nil
	}
	return s.data.AttributeNames()
}

// Snapshot returns a deep copy of the session data.
func (s *Session) Snapshot() *SessionData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Copy()
}

type acquireResult int

const (
	acquired acquireResult = iota
	acquireExpired
	acquireInvalid
	acquireDetached
)

// acquire claims the session for an agent and touches it. An unheld session
// that has expired in memory is not claimed.
func (s *Session) acquire(now int64) acquireResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state != StateValid:
		return acquireInvalid
	case s.detached:
		return acquireDetached
	case s.resident == 0 && s.data.IsExpiredAt(now):
		return acquireExpired
	}
	s.resident++
	s.data.SetAccessed(now)
	return acquired
}

// needsSaveLocked reports whether the stored record lags the in-memory data.
func (s *Session) needsSaveLocked() bool {
	return s.data.IsDirty() || s.data.Accessed() != s.savedAccess
}

func (s *Session) markSavedLocked() {
	s.data.clearDirty()
	s.savedAccess = s.data.Accessed()
}
