package sessionkit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/tidwall/gjson"
)

const recordVersion = 1

// Value tags of the record encoding.
const (
	tagString = "s"
	tagInt    = "i"
	tagFloat  = "f"
	tagBool   = "b"
	tagRecord = "r"
	tagList   = "l"
)

// record is the persisted form of SessionData. Unknown keys are ignored on
// read so newer writers stay readable by older readers.
type record struct {
	Version       int         `json:"v"`
	ID            string      `json:"id"`
	Created       int64       `json:"created"`
	Accessed      int64       `json:"accessed"`
	LastAccessed  int64       `json:"lastAccessed"`
	MaxIdleMs     int64       `json:"maxIdleMs"`
	CookieSetTime int64       `json:"cookieSetTime,omitempty"`
	Expiry        int64       `json:"expiry"`
	Attributes    []attribute `json:"attributes"`
}

type taggedValue struct {
	Tag   string          `json:"t"`
	Value json.RawMessage `json:"v"`
}

type attribute struct {
	Name string `json:"n"`
	taggedValue
}

// recordHeader holds the fields needed for expiry checks.
type recordHeader struct {
	ID        string
	Created   int64
	Accessed  int64
	MaxIdleMs int64
}

func (h recordHeader) isExpiredAt(now, graceMs int64) bool {
	return h.MaxIdleMs > 0 && now-h.Accessed > h.MaxIdleMs+graceMs
}

func (h recordHeader) expiry() int64 {
	if h.MaxIdleMs <= 0 {
		return 0
	}
	return h.Accessed + h.MaxIdleMs
}

// encodeSessionData serializes d into a self-describing JSON record.
func encodeSessionData(d *SessionData) ([]byte, error) {
	rec := record{
		Version:       recordVersion,
		ID:            d.id,
		Created:       d.created,
		Accessed:      d.accessed,
		LastAccessed:  d.lastAccessed,
		MaxIdleMs:     d.maxIdleMs,
		CookieSetTime: d.cookieSetTime,
		Expiry:        d.Expiry(),
		Attributes:    make([]attribute, 0, len(d.names)),
	}
	for _, name := range d.names {
		tv, err := encodeValue(d.attrs[name])
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", name, err)
		}
		rec.Attributes = append(rec.Attributes, attribute{Name: name, taggedValue: tv})
	}

	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer PutBuffer(buf)

	if err := json.NewEncoder(buf).Encode(&rec); err != nil {
		return nil, fmt.Errorf("failed to encode session data: %w", err)
	}
	return bytes.Clone(buf.Bytes()), nil
}

// decodeSessionData parses a record written by encodeSessionData.
func decodeSessionData(data []byte) (*SessionData, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableSessionData, err)
	}
	if rec.Version < 1 || rec.Version > recordVersion {
		return nil, fmt.Errorf("%w: unsupported record version %d", ErrUnreadableSessionData, rec.Version)
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrUnreadableSessionData)
	}

	d := NewSessionData(rec.ID, rec.Created, rec.Accessed, rec.MaxIdleMs)
	d.lastAccessed = rec.LastAccessed
	d.cookieSetTime = rec.CookieSetTime
	for _, a := range rec.Attributes {
		v, err := decodeValue(a.taggedValue)
		if err != nil {
			return nil, fmt.Errorf("%w: attribute %q: %v", ErrUnreadableSessionData, a.Name, err)
		}
		d.SetAttribute(a.Name, v)
	}
	d.clearDirty()
	return d, nil
}

// decodeHeader reads only the expiry-relevant fields of a record.
func decodeHeader(data []byte) (recordHeader, error) {
	res := gjson.GetManyBytes(data, "v", "id", "created", "accessed", "maxIdleMs")
	if res[0].Type != gjson.Number || res[1].Type != gjson.String ||
		res[3].Type != gjson.Number || res[4].Type != gjson.Number {
		return recordHeader{}, fmt.Errorf("%w: malformed record header", ErrUnreadableSessionData)
	}
	if v := res[0].Int(); v < 1 || v > recordVersion {
		return recordHeader{}, fmt.Errorf("%w: unsupported record version %d", ErrUnreadableSessionData, v)
	}
	return recordHeader{
		ID:        res[1].String(),
		Created:   res[2].Int(),
		Accessed:  res[3].Int(),
		MaxIdleMs: res[4].Int(),
	}, nil
}

// normalizeValue converts v to the canonical type returned after a round trip
// through the store, or reports ErrUnsupportedValue.
func normalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string, bool, int64:
		return val, nil
	case int:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint:
		if uint64(val) > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows int64", ErrUnsupportedValue, val)
		}
		return int64(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows int64", ErrUnsupportedValue, val)
		}
		return int64(val), nil
	case float32:
		return normalizeFloat(float64(val))
	case float64:
		return normalizeFloat(val)
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, inner := range val {
			n, err := normalizeValue(inner)
			if err != nil {
				return nil, err
			}
			if n != nil {
				m[k] = n
			}
		}
		return m, nil
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, s := range val {
			m[k] = s
		}
		return m, nil
	case []any:
		l := make([]any, 0, len(val))
		for _, inner := range val {
			n, err := normalizeValue(inner)
			if err != nil {
				return nil, err
			}
			if n == nil {
				return nil, fmt.Errorf("%w: nil list element", ErrUnsupportedValue)
			}
			l = append(l, n)
		}
		return l, nil
	case []string:
		l := make([]any, len(val))
		for i, s := range val {
			l[i] = s
		}
		return l, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}

func normalizeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: non-finite float", ErrUnsupportedValue)
	}
	return f, nil
}

func encodeValue(v any) (taggedValue, error) {
	var (
		tag     string
		payload any
	)
	switch val := v.(type) {
	case string:
		tag, payload = tagString, val
	case bool:
		tag, payload = tagBool, val
	case int64:
		tag, payload = tagInt, val
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return taggedValue{}, fmt.Errorf("%w: non-finite float", ErrUnsupportedValue)
		}
		tag, payload = tagFloat, val
	case map[string]any:
		m := make(map[string]taggedValue, len(val))
		for k, inner := range val {
			tv, err := encodeValue(inner)
			if err != nil {
				return taggedValue{}, err
			}
			m[k] = tv
		}
		tag, payload = tagRecord, m
	case []any:
		l := make([]taggedValue, 0, len(val))
		for _, inner := range val {
			tv, err := encodeValue(inner)
			if err != nil {
				return taggedValue{}, err
			}
			l = append(l, tv)
		}
		tag, payload = tagList, l
	default:
		n, err := normalizeValue(v)
		if err != nil {
			return taggedValue{}, err
		}
		if n == nil {
			return taggedValue{}, fmt.Errorf("%w: nil", ErrUnsupportedValue)
		}
		return encodeValue(n)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return taggedValue{}, err
	}
	return taggedValue{Tag: tag, Value: raw}, nil
}

func decodeValue(tv taggedValue) (any, error) {
	switch tv.Tag {
	case tagString:
		var s string
		err := json.Unmarshal(tv.Value, &s)
		return s, err
	case tagBool:
		var b bool
		err := json.Unmarshal(tv.Value, &b)
		return b, err
	case tagInt:
		var i int64
		err := json.Unmarshal(tv.Value, &i)
		return i, err
	case tagFloat:
		var f float64
		err := json.Unmarshal(tv.Value, &f)
		return f, err
	case tagRecord:
		var raw map[string]taggedValue
		if err := json.Unmarshal(tv.Value, &raw); err != nil {
			return nil, err
		}
		m := make(map[string]any, len(raw))
		for k, inner := range raw {
			v, err := decodeValue(inner)
			if err != nil {
				return nil, err
			}
			m[k] = v
		}
		return m, nil
	case tagList:
		var raw []taggedValue
		if err := json.Unmarshal(tv.Value, &raw); err != nil {
			return nil, err
		}
		l := make([]any, 0, len(raw))
		for _, inner := range raw {
			v, err := decodeValue(inner)
			if err != nil {
				return nil, err
			}
			l = append(l, v)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unknown value tag %q", tv.Tag)
	}
}
