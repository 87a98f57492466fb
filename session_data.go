package sessionkit

import "slices"

// SessionData is the persisted state of one session. Timestamps are epoch
// milliseconds. SessionData does no locking; the owning Session serializes access.
type SessionData struct {
	id            string
	created       int64
	accessed      int64
	lastAccessed  int64
	maxIdleMs     int64
	cookieSetTime int64

	// names keeps attribute insertion order for the record encoding.
	names []string
	attrs map[string]any

	dirty bool
}

// NewSessionData creates session data for id. A maxIdleMs <= 0 means the
// session never expires.
func NewSessionData(id string, created, accessed, maxIdleMs int64) *SessionData {
	return &SessionData{
		id:           id,
		created:      created,
		accessed:     accessed,
		lastAccessed: accessed,
		maxIdleMs:    maxIdleMs,
		attrs:        make(map[string]any),
	}
}

func (d *SessionData) ID() string { return d.id }

func (d *SessionData) Created() int64 { return d.created }

func (d *SessionData) Accessed() int64 { return d.accessed }

// LastAccessed returns the access time that preceded the current one.
func (d *SessionData) LastAccessed() int64 { return d.lastAccessed }

// SetAccessed records a touch at ts.
func (d *SessionData) SetAccessed(ts int64) {
	d.lastAccessed = d.accessed
	d.accessed = ts
}

func (d *SessionData) MaxIdleMs() int64 { return d.maxIdleMs }

// SetMaxIdleMs reconfigures the idle budget of this session.
func (d *SessionData) SetMaxIdleMs(ms int64) {
	d.maxIdleMs = ms
	d.dirty = true
}

func (d *SessionData) CookieSetTime() int64 { return d.cookieSetTime }

func (d *SessionData) SetCookieSetTime(ts int64) {
	d.cookieSetTime = ts
	d.dirty = true
}

// Expiry returns the epoch millis at which the session expires, or 0 if it never does.
func (d *SessionData) Expiry() int64 {
	if d.maxIdleMs <= 0 {
		return 0
	}
	return d.accessed + d.maxIdleMs
}

// IsExpiredAt reports whether the session has been idle longer than its budget at now.
func (d *SessionData) IsExpiredAt(now int64) bool {
	return d.maxIdleMs > 0 && now-d.accessed > d.maxIdleMs
}

// Attribute returns the value stored under name.
func (d *SessionData) Attribute(name string) (any, bool) {
	v, ok := d.attrs[name]
	return v, ok
}

// SetAttribute stores value under name and returns the previous value.
// A nil value removes the attribute.
func (d *SessionData) SetAttribute(name string, value any) any {
	if value == nil {
		return d.RemoveAttribute(name)
	}
	old, ok := d.attrs[name]
	if !ok {
		d.names = append(d.names, name)
	}
	d.attrs[name] = value
	d.dirty = true
	return old
}

// RemoveAttribute deletes name and returns the removed value, if any.
func (d *SessionData) RemoveAttribute(name string) any {
	old, ok := d.attrs[name]
	if !ok {
		return nil
	}
	delete(d.attrs, name)
	if i := slices.Index(d.names, name); i >= 0 {
		d.names = slices.Delete(d.names, i, i+1)
	}
	d.dirty = true
	return old
}

// AttributeNames returns the attribute names in insertion order.
func (d *SessionData) AttributeNames() []string {
	return slices.Clone(d.names)
}

func (d *SessionData) AttributeCount() int { return len(d.names) }

// IsDirty reports whether attributes or settings changed since the last save.
func (d *SessionData) IsDirty() bool { return d.dirty }

func (d *SessionData) clearDirty() { d.dirty = false }

func (d *SessionData) setID(id string) { d.id = id }

func (d *SessionData) clearAttributes() {
	clear(d.attrs)
	d.names = d.names[:0]
}

// Copy returns a deep copy of the data. Nested records and lists are copied too.
func (d *SessionData) Copy() *SessionData {
	c := *d
	c.names = slices.Clone(d.names)
	c.attrs = make(map[string]any, len(d.attrs))
	for k, v := range d.attrs {
		c.attrs[k] = copyValue(v)
	}
	return &c
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, inner := range val {
			m[k] = copyValue(inner)
		}
		return m
	case []any:
		l := make([]any, len(val))
		for i, inner := range val {
			l[i] = copyValue(inner)
		}
		return l
	default:
		return v
	}
}
