// Package record wraps a decoded traffic-metadata event and addresses its
// fields by dotted path ("source.ip", "related.site").
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Record is one event as decoded from JSON. Nested objects are
// map[string]any; it is mutated in place.
type Record map[string]any

// Side is one end of a connection.
type Side string

const (
	Source      Side = "source"
	Destination Side = "destination"
)

// Network directions carried in network.direction.
const (
	DirectionInternal = "internal"
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
	DirectionUnknown  = "unknown"
)

// Decode parses a JSON object into a Record. Numbers are kept as
// json.Number so 64-bit identifiers survive a round trip.
func Decode(b []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var r Record
	if err := dec.Decode(&r); err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("record is not a JSON object")
	}
	return r, nil
}

// Get returns the value at path.
func (r Record) Get(path string) (any, bool) {
	var cur any = map[string]any(r)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

// Has reports whether path holds a non-nil value.
func (r Record) Has(path string) bool {
	_, ok := r.Get(path)
	return ok
}

// String returns the value at path rendered as a trimmed string. Numbers are
// formatted without exponent; anything else non-scalar yields "".
func (r Record) String(path string) string {
	v, ok := r.Get(path)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case []any:
		// single-element arrays are common in Zeek-derived events
		if len(t) == 1 {
			if s, ok := t[0].(string); ok {
				return strings.TrimSpace(s)
			}
		}
	case []string:
		if len(t) == 1 {
			return strings.TrimSpace(t[0])
		}
	}
	return ""
}

// Int returns the value at path as an int.
func (r Record) Int(path string) (int, bool) {
	s := r.String(path)
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return 0, false
		}
		n = int(f)
	}
	return n, true
}

// Set stores v at path, creating intermediate objects. A non-object value
// in the way is replaced.
func (r Record) Set(path string, v any) {
	parts := strings.Split(path, ".")
	cur := map[string]any(r)
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(cur[part])
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

// SetString stores s at path unless s is empty.
func (r Record) SetString(path, s string) {
	if s == "" {
		return
	}
	r.Set(path, s)
}

// Strings returns the value at path as a string slice. A scalar string is a
// one-element slice.
func (r Record) Strings(path string) []string {
	v, ok := r.Get(path)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			switch s := e.(type) {
			case string:
				out = append(out, s)
			case nil:
			default:
				out = append(out, fmt.Sprint(s))
			}
		}
		return out
	}
	return []string{fmt.Sprint(v)}
}

// AddToSet appends values to the string set at path, keeping existing
// members and their order and skipping empties and duplicates.
func (r Record) AddToSet(path string, values ...string) {
	cur := r.Strings(path)
	seen := make(map[string]struct{}, len(cur)+len(values))
	for _, s := range cur {
		seen[s] = struct{}{}
	}
	changed := false
	for _, s := range values {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		cur = append(cur, s)
		changed = true
	}
	if changed || (len(cur) > 0 && !r.isStringSlice(path)) {
		r.Set(path, cur)
	}
}

func (r Record) isStringSlice(path string) bool {
	v, _ := r.Get(path)
	_, ok := v.([]string)
	return ok
}

// Direction returns network.direction lower-cased, or DirectionUnknown.
func (r Record) Direction() string {
	d := strings.ToLower(r.String("network.direction"))
	switch d {
	case DirectionInternal, DirectionInbound, DirectionOutbound:
		return d
	}
	return DirectionUnknown
}

// Field joins a side and a sub-path: Field(Source, "ip") == "source.ip".
func Field(s Side, sub string) string {
	return string(s) + "." + sub
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Record:
		return map[string]any(m), true
	}
	return nil, false
}
