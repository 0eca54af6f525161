package twinstore

import (
	"encoding/json"
	"sort"
)

// M is the opaque payload stored at a path.
type M map[string]interface{}

func (m M) String(k string) string {
	v, ok := m[k].(string)
	if !ok {
		return ""
	}
	return v
}

func (m M) HasString(k string) bool {
	_, ok := m[k].(string)
	return ok
}

// Int accepts both native ints and JSON-decoded numbers.
func (m M) Int(k string) int {
	switch v := m[k].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

func (m M) HasInt(k string) bool {
	switch m[k].(type) {
	case int, int64, float64, json.Number:
		return true
	}
	return false
}

func (m M) Bool(k string) bool {
	v, ok := m[k].(bool)
	if !ok {
		return false
	}
	return v
}

func (m M) HasBool(k string) bool {
	_, ok := m[k].(bool)
	return ok
}

func (m M) Float(k string) float64 {
	switch v := m[k].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

func (m M) HasFloat(k string) bool {
	_, ok := m[k].(float64)
	return ok
}

// Child returns the nested object stored under k.
func (m M) Child(k string) (M, bool) {
	return AsM(m[k])
}

func (m M) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone copies nested objects and slices so the result shares no mutable
// state with m.
func (m M) Clone() M {
	if m == nil {
		return nil
	}

	out := make(M, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// MergeShallow overwrites top-level fields of m with patch and returns the
// result as a new map.
func (m M) MergeShallow(patch M) M {
	out := m.Clone()
	if out == nil {
		out = make(M, len(patch))
	}

	for k, v := range patch {
		out[k] = cloneValue(v)
	}

	return out
}

// AsM converts both M and plain map values into M.
func AsM(v interface{}) (M, bool) {
	switch typed := v.(type) {
	case M:
		return typed, true
	case map[string]interface{}:
		return M(typed), true
	}
	return nil, false
}

// NormalizeValue deep-copies v, turning every nested plain map into M.
func NormalizeValue(v interface{}) interface{} {
	return cloneValue(v)
}

func cloneValue(v interface{}) interface{} {
	switch typed := v.(type) {
	case M:
		return typed.Clone()
	case map[string]interface{}:
		return M(typed).Clone()
	case []interface{}:
		out := make([]interface{}, len(typed))
		for i := range typed {
			out[i] = cloneValue(typed[i])
		}
		return out
	}
	return v
}

// DecodeM unmarshals a JSON object keeping numbers as float64, the same
// representation every serializing backend hands back.
func DecodeM(b []byte) (M, error) {
	var m M
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return normalize(m), nil
}

func normalize(m M) M {
	if m == nil {
		return nil
	}
	return m.Clone()
}
