package sessionkit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionData_IsExpiredAt(t *testing.T) {
	const t0 = int64(1_700_000_000_000)

	d := NewSessionData("s1", t0, t0, 1000)
	assert.False(t, d.IsExpiredAt(t0+999))
	assert.False(t, d.IsExpiredAt(t0+1000))
	assert.True(t, d.IsExpiredAt(t0+1001))

	for _, maxIdle := range []int64{0, -1} {
		never := NewSessionData("s2", t0, t0, maxIdle)
		assert.False(t, never.IsExpiredAt(t0+365*24*3600*1000))
		assert.Zero(t, never.Expiry())
	}
}

func TestSessionData_SetAccessed(t *testing.T) {
	d := NewSessionData("s1", 100, 100, 1000)
	d.SetAccessed(250)

	assert.Equal(t, int64(250), d.Accessed())
	assert.Equal(t, int64(100), d.LastAccessed())
	assert.Equal(t, int64(1250), d.Expiry())
	assert.False(t, d.IsDirty(), "a touch alone does not dirty attributes")
}

func TestSessionData_Attributes(t *testing.T) {
	d := NewSessionData("s1", 0, 0, 0)

	assert.Nil(t, d.SetAttribute("a", "1"))
	assert.True(t, d.IsDirty())
	d.clearDirty()

	assert.Equal(t, "1", d.SetAttribute("a", "2"))
	d.SetAttribute("b", int64(3))
	assert.Equal(t, []string{"a", "b"}, d.AttributeNames())

	// nil removes
	assert.Equal(t, "2", d.SetAttribute("a", nil))
	_, ok := d.Attribute("a")
	assert.False(t, ok)
	assert.Equal(t, []string{"b"}, d.AttributeNames())

	assert.Nil(t, d.RemoveAttribute("missing"))
	assert.Equal(t, 1, d.AttributeCount())
}

func TestSessionData_Copy(t *testing.T) {
	d := NewSessionData("s1", 0, 0, 0)
	d.SetAttribute("m", map[string]any{"k": "v"})
	d.SetAttribute("l", []any{"x"})

	c := d.Copy()
	m, _ := c.Attribute("m")
	m.(map[string]any)["k"] = "changed"
	l, _ := c.Attribute("l")
	l.([]any)[0] = "changed"
	c.SetAttribute("new", "value")

	orig, _ := d.Attribute("m")
	assert.Equal(t, "v", orig.(map[string]any)["k"])
	origList, _ := d.Attribute("l")
	assert.Equal(t, "x", origList.([]any)[0])
	assert.Equal(t, []string{"m", "l"}, d.AttributeNames())
}
