package sessionkit

import (
	"log/slog"
)

// DestroyReason tells a listener why a session ended.
type DestroyReason string

const (
	ReasonInvalidated DestroyReason = "invalidated"
	ReasonTimeout     DestroyReason = "timeout"
)

// SessionListener receives lifecycle notifications. Callbacks run
// synchronously on the goroutine that caused the event, never while the
// session's lock is held, so they may call back into the Session. A panic in
// a callback is recovered and logged.
type SessionListener interface {
	SessionCreated(s *Session)
	// SessionDestroyed runs before the attributes are cleared; read them
	// with s.Snapshot().
	SessionDestroyed(s *Session, reason DestroyReason)
	// SessionEvicted runs when the session leaves memory but stays in the store.
	SessionEvicted(s *Session)
	SessionIDChanged(s *Session, oldID string)
	// AttributeChanged reports a set (oldValue may be nil) or a removal (newValue is nil).
	AttributeChanged(s *Session, name string, oldValue, newValue any)
}

// ListenerFuncs adapts plain functions to SessionListener. Nil fields are skipped.
type ListenerFuncs struct {
	OnCreated          func(s *Session)
	OnDestroyed        func(s *Session, reason DestroyReason)
	OnEvicted          func(s *Session)
	OnIDChanged        func(s *Session, oldID string)
	OnAttributeChanged func(s *Session, name string, oldValue, newValue any)
}

func (f ListenerFuncs) SessionCreated(s *Session) {
	if f.OnCreated != nil {
		f.OnCreated(s)
	}
}

func (f ListenerFuncs) SessionDestroyed(s *Session, reason DestroyReason) {
	if f.OnDestroyed != nil {
		f.OnDestroyed(s, reason)
	}
}

func (f ListenerFuncs) SessionEvicted(s *Session) {
	if f.OnEvicted != nil {
		f.OnEvicted(s)
	}
}

func (f ListenerFuncs) SessionIDChanged(s *Session, oldID string) {
	if f.OnIDChanged != nil {
		f.OnIDChanged(s, oldID)
	}
}

func (f ListenerFuncs) AttributeChanged(s *Session, name string, oldValue, newValue any) {
	if f.OnAttributeChanged != nil {
		f.OnAttributeChanged(s, name, oldValue, newValue)
	}
}

// listenerSet fans events out to the registered listeners. A nil set is a no-op.
type listenerSet struct {
	listeners []SessionListener
	logger    *slog.Logger
}

func newListenerSet(listeners []SessionListener, logger *slog.Logger) *listenerSet {
	if len(listeners) == 0 {
		return nil
	}
	return &listenerSet{listeners: listeners, logger: logger}
}

func (ls *listenerSet) each(event string, s *Session, fn func(SessionListener)) {
	if ls == nil {
		return
	}
	for _, l := range ls.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					ls.logger.Error("session listener panicked", "event", event, "session_id", s.ID(), "panic", r)
				}
			}()
			fn(l)
		}()
	}
}

func (ls *listenerSet) created(s *Session) {
	ls.each("created", s, func(l SessionListener) { l.SessionCreated(s) })
}

func (ls *listenerSet) destroyed(s *Session, reason DestroyReason) {
	ls.each("destroyed", s, func(l SessionListener) { l.SessionDestroyed(s, reason) })
}

func (ls *listenerSet) evicted(s *Session) {
	ls.each("evicted", s, func(l SessionListener) { l.SessionEvicted(s) })
}

func (ls *listenerSet) idChanged(s *Session, oldID string) {
	ls.each("id_changed", s, func(l SessionListener) { l.SessionIDChanged(s, oldID) })
}

func (ls *listenerSet) attributeChanged(s *Session, name string, oldValue, newValue any) {
	ls.each("attribute_changed", s, func(l SessionListener) { l.AttributeChanged(s, name, oldValue, newValue) })
}
