// Package payload provides the ordered key/value container that carries a single
// tracked event through the store, the request builder and the wire.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Tracker protocol field names set by the SDK itself.
const (
	KeyEventType       = "e"
	KeyEventID         = "eid"
	KeyDeviceTimestamp = "dtm"
	KeySentTimestamp   = "stm"
	KeyTrackerVersion  = "tv"
	KeyNamespace       = "tna"
	KeyAppID           = "aid"
	KeyPlatform        = "p"
)

// Payload is an insertion-ordered map of event fields.
//
// Order is preserved through JSON encoding and decoding so that the bytes a
// collector receives match the order in which fields were added. A Payload is
// not safe for concurrent mutation; the pipeline clones it before adding
// per-attempt fields.
type Payload struct {
	keys   []string
	values map[string]any
}

// New returns an empty payload.
func New() *Payload {
	return &Payload{values: make(map[string]any)}
}

// FromMap builds a payload from a map. Keys are sorted so the result is
// deterministic.
func FromMap(m map[string]any) *Payload {
	p := New()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		p.Add(k, m[k])
	}
	return p
}

// Add sets key to value. Nil values and empty strings are ignored, matching the
// tracker protocol where absent and empty fields are equivalent. Re-adding a
// key replaces the value in place.
func (p *Payload) Add(key string, value any) {
	if key == "" || value == nil {
		return
	}
	if s, ok := value.(string); ok && s == "" {
		return
	}
	p.set(key, value)
}

// AddMap adds every entry of m in sorted key order.
func (p *Payload) AddMap(m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		p.Add(k, m[k])
	}
}

func (p *Payload) set(key string, value any) {
	if p.values == nil {
		p.values = make(map[string]any)
	}
	if _, exists := p.values[key]; !exists {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// Get returns the value stored under key.
func (p *Payload) Get(key string) (any, bool) {
	if p == nil {
		return nil, false
	}
	v, ok := p.values[key]
	return v, ok
}

// GetString returns the value under key if it is a string.
func (p *Payload) GetString(key string) string {
	v, _ := p.Get(key)
	s, _ := v.(string)
	return s
}

// Keys returns the keys in insertion order.
func (p *Payload) Keys() []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Len returns the number of fields.
func (p *Payload) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// Clone returns a copy whose top-level fields can be changed without touching p.
func (p *Payload) Clone() *Payload {
	c := &Payload{
		keys:   make([]string, len(p.keys)),
		values: make(map[string]any, len(p.values)),
	}
	copy(c.keys, p.keys)
	for k, v := range p.values {
		c.values[k] = v
	}
	return c
}

// Map returns the fields as a plain map.
func (p *Payload) Map() map[string]any {
	out := make(map[string]any, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// MarshalJSON encodes the payload as a JSON object in insertion order.
func (p *Payload) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range p.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(p.values[k])
		if err != nil {
			return nil, fmt.Errorf("payload field %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping field order. Numbers are kept as
// json.Number so they re-encode byte for byte.
func (p *Payload) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("decode payload: expected object, got %v", tok)
	}

	p.keys = nil
	p.values = make(map[string]any)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decode payload key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("decode payload: unexpected key token %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("decode payload field %q: %w", key, err)
		}
		p.set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// ByteSize is the length of the JSON encoding. A payload that cannot be encoded
// reports math.MaxInt32 so size checks treat it as oversize.
func (p *Payload) ByteSize() int {
	b, err := p.MarshalJSON()
	if err != nil {
		return math.MaxInt32
	}
	return len(b)
}

// Encode renders the payload as a URL query string in insertion order.
func (p *Payload) Encode() string {
	var sb strings.Builder
	for i, k := range p.keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(k))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(stringify(p.values[k])))
	}
	return sb.String()
}

// Timestamp formats t as epoch milliseconds, the protocol's timestamp format.
func Timestamp(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case fmt.Stringer:
		return x.String()
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(b)
	}
}
