// Package canonical defines the endpoint-agnostic payload representation the
// integration engine passes between protocol adapters, mapping profiles, and
// the job store. A payload is a plain string-keyed tree of scalars, nested
// maps, and arrays, addressed with dotted paths ("patient.name.family",
// "identifier.0.value" or "identifier[0].value").
package canonical

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Payload is the canonical message body.
type Payload map[string]interface{}

// Decode parses a JSON document into a Payload.
func Decode(raw []byte) (Payload, error) {
	if len(raw) == 0 {
		return Payload{}, nil
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("canonical: decode payload: %w", err)
	}
	return p, nil
}

// Encode serializes the payload as JSON.
func (p Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// Clone returns a deep copy of the payload.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case Payload:
		return map[string]interface{}(t.Clone())
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}

// splitPath splits a dotted path into segments, normalizing bracketed array
// indices so "identifier[0].value" and "identifier.0.value" are equivalent.
func splitPath(path string) []string {
	path = strings.ReplaceAll(path, "[", ".")
	path = strings.ReplaceAll(path, "]", "")
	var segs []string
	for _, s := range strings.Split(path, ".") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// Get resolves a dotted path against the payload. The second return value is
// false when any segment along the path is missing.
func (p Payload) Get(path string) (interface{}, bool) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return nil, false
	}

	var cur interface{} = map[string]interface{}(p)
	for _, seg := range segs {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case Payload:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// GetString resolves a path and formats the value as a string. Numbers are
// rendered without a trailing ".0" so HL7/ASTM field values stay clean.
func (p Payload) GetString(path string) (string, bool) {
	v, ok := p.Get(path)
	if !ok || v == nil {
		return "", false
	}
	return Stringify(v), true
}

// Set writes a value at the dotted path, creating intermediate maps as
// needed. Setting through an existing array element is supported; growing
// arrays is not.
func (p Payload) Set(path string, value interface{}) error {
	segs := splitPath(path)
	if len(segs) == 0 {
		return fmt.Errorf("canonical: empty path")
	}

	var cur interface{} = map[string]interface{}(p)
	for i, seg := range segs[:len(segs)-1] {
		switch node := cur.(type) {
		case map[string]interface{}:
			next, ok := node[seg]
			if !ok {
				created := make(map[string]interface{})
				node[seg] = created
				cur = created
				continue
			}
			cur = next
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return fmt.Errorf("canonical: invalid array index %q in path %q", seg, path)
			}
			cur = node[idx]
		default:
			return fmt.Errorf("canonical: cannot traverse scalar at %q in path %q", strings.Join(segs[:i+1], "."), path)
		}
	}

	last := segs[len(segs)-1]
	switch node := cur.(type) {
	case map[string]interface{}:
		node[last] = value
	case []interface{}:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(node) {
			return fmt.Errorf("canonical: invalid array index %q in path %q", last, path)
		}
		node[idx] = value
	default:
		return fmt.Errorf("canonical: cannot set on scalar at path %q", path)
	}
	return nil
}

// Stringify renders a scalar payload value as a wire-friendly string.
func Stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers decode as float64; keep integers integral.
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
