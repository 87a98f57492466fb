package sessionkit

import (
	"context"
	"errors"
	"sync"
)

// Agent is a single-use facade over one session for one logical operation,
// such as one inbound request. Complete must be called exactly once, on every
// exit path; attribute methods panic with ErrAgentCompleted afterwards.
//
// Attribute reads never create a session; writes create one on demand.
type Agent struct {
	m *Manager

	mu          sync.Mutex
	id          string
	session     *Session
	completed   bool
	invalidated bool
}

// NewAgent binds an agent to m and the id carried by the caller, which may be empty.
func NewAgent(m *Manager, id string) *Agent {
	return &Agent{m: m, id: id}
}

// ID returns the id of the session the agent is bound to. It changes when a
// session is created or its id renewed.
func (a *Agent) ID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.id
}

// Invalidated reports whether the agent invalidated its session.
func (a *Agent) Invalidated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.invalidated
}

// Session returns the bound session, fetching it on first use. With create,
// a missing session is created. It returns ErrSessionNotFound when there is
// no session and create is false.
func (a *Agent) Session(ctx context.Context, create bool) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mustBeActive()
	return a.sessionLocked(ctx, create)
}

func (a *Agent) sessionLocked(ctx context.Context, create bool) (*Session, error) {
	if a.session != nil {
		if a.session.IsValid() {
			return a.session, nil
		}
		// Invalidated or expired under us; drop the claim before looking again.
		_ = a.m.Release(ctx, a.session)
		a.session = nil
		if !create {
			return nil, ErrSessionNotFound
		}
	}

	s, err := a.m.GetSession(ctx, a.id, create)
	if err != nil {
		return nil, err
	}
	a.session = s
	a.id = s.ID()
	return s, nil
}

// Attribute returns the value stored under name, or nil when it is absent or
// there is no session.
func (a *Agent) Attribute(ctx context.Context, name string) (any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mustBeActive()

	s, err := a.sessionLocked(ctx, false)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v, _ := s.Attribute(name)
	return v, nil
}

// SetAttribute stores value under name, creating the session if needed. A
// nil value removes the attribute.
func (a *Agent) SetAttribute(ctx context.Context, name string, value any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mustBeActive()

	if value == nil {
		return a.removeLocked(ctx, name)
	}
	s, err := a.sessionLocked(ctx, true)
	if err != nil {
		return err
	}
	_, err = s.SetAttribute(name, value)
	return err
}

// AttributeNames returns the attribute names in insertion order.
func (a *Agent) AttributeNames(ctx context.Context) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mustBeActive()

	s, err := a.sessionLocked(ctx, false)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.AttributeNames(), nil
}

func (a *Agent) RemoveAttribute(ctx context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mustBeActive()
	return a.removeLocked(ctx, name)
}

func (a *Agent) removeLocked(ctx context.Context, name string) error {
	s, err := a.sessionLocked(ctx, false)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.RemoveAttribute(name)
	return err
}

// RenewID moves the session to a new id; see Manager.RenewSessionID.
func (a *Agent) RenewID(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mustBeActive()

	s, err := a.sessionLocked(ctx, false)
	if err != nil {
		return "", err
	}
	newID, err := a.m.RenewSessionID(ctx, s)
	if err != nil {
		return "", err
	}
	a.id = newID
	return newID, nil
}

// Invalidate ends the session immediately. Without a session it does nothing.
func (a *Agent) Invalidate(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mustBeActive()

	s, err := a.sessionLocked(ctx, false)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := a.m.Invalidate(ctx, s.ID()); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return err
	}
	a.invalidated = true
	a.id = ""
	return nil
}

// Complete ends the agent's use of the session: the claim is released and
// changes are persisted. A second call returns ErrAgentCompleted.
func (a *Agent) Complete(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.completed {
		return ErrAgentCompleted
	}
	a.completed = true

	if a.session == nil {
		return nil
	}
	s := a.session
	a.session = nil
	return a.m.Release(ctx, s)
}

func (a *Agent) mustBeActive() {
	if a.completed {
		panic(ErrAgentCompleted)
	}
}
