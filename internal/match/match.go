// Package match implements the equality predicate every durable backend
// answers FindOne with. Field names use dots for nesting, as in profile.age.
package match

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/denismitr/twinstore"
)

// Equal compares decoded values. Numbers compare by value whatever their Go type.
func Equal(got, want interface{}) bool {
	if gf, ok := number(got); ok {
		wf, ok := number(want)
		return ok && gf == wf
	}

	switch w := want.(type) {
	case string:
		g, ok := got.(string)
		return ok && g == w
	case bool:
		g, ok := got.(bool)
		return ok && g == w
	case nil:
		return got == nil
	}

	return reflect.DeepEqual(got, want)
}

// Result compares a gjson lookup against want without decoding the document.
func Result(r gjson.Result, want interface{}) bool {
	if !r.Exists() {
		return false
	}

	if wf, ok := number(want); ok {
		return r.Type == gjson.Number && r.Num == wf
	}

	switch w := want.(type) {
	case string:
		return r.Type == gjson.String && r.Str == w
	case bool:
		if w {
			return r.Type == gjson.True
		}
		return r.Type == gjson.False
	case nil:
		return r.Type == gjson.Null
	}

	return Equal(normalized(r.Value()), want)
}

// Bytes reports whether the JSON document doc has field equal to want.
func Bytes(doc []byte, field string, want interface{}) bool {
	return Result(gjson.GetBytes(doc, Path(field)), want)
}

// Lookup follows a dotted field through nested objects.
func Lookup(doc twinstore.M, field string) (interface{}, bool) {
	segs := strings.Split(field, ".")
	cur := doc
	for i, seg := range segs {
		v, ok := cur[seg]
		if !ok {
			return nil, false
		}

		if i == len(segs)-1 {
			return v, true
		}

		cur, ok = twinstore.AsM(v)
		if !ok {
			return nil, false
		}
	}

	return nil, false
}

// M reports whether the decoded document doc has field equal to want.
func M(doc twinstore.M, field string, want interface{}) bool {
	v, ok := Lookup(doc, field)
	return ok && Equal(v, want)
}

// Path turns a dotted field into a gjson path, escaping gjson's own syntax.
func Path(field string) string {
	var b strings.Builder
	for _, r := range field {
		switch r {
		case '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Key is the canonical form of a scalar want, equal for exactly the values
// Equal treats as equal. Objects and arrays have no key.
func Key(want interface{}) (string, bool) {
	if f, ok := number(want); ok {
		return numberKey(f), true
	}

	switch w := want.(type) {
	case string:
		return "s" + w, true
	case bool:
		if w {
			return "t", true
		}
		return "f", true
	case nil:
		return "z", true
	}

	return "", false
}

// ResultKey is Key for a value found in a raw document.
func ResultKey(r gjson.Result) (string, bool) {
	switch r.Type {
	case gjson.String:
		return "s" + r.Str, true
	case gjson.Number:
		return numberKey(r.Num), true
	case gjson.True:
		return "t", true
	case gjson.False:
		return "f", true
	case gjson.Null:
		return "z", true
	}
	return "", false
}

func numberKey(f float64) string {
	if f == 0 {
		f = 0 // folds -0
	}
	return "n" + strconv.FormatFloat(f, 'g', -1, 64)
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func normalized(v interface{}) interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return twinstore.M(m)
	}
	return v
}
