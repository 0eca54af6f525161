// Package leaves converts between nested values and the flat list of scalar
// leaves the tree backends store, one per full path.
package leaves

import (
	"github.com/pkg/errors"

	"github.com/denismitr/twinstore"
)

type Leaf struct {
	Path  twinstore.Path
	Value interface{}
}

// Flatten lists the scalar leaves of v under p. Nil values and empty objects
// produce no leaves. Object keys must be valid path segments.
func Flatten(p twinstore.Path, v interface{}) ([]Leaf, error) {
	var out []Leaf
	if err := flatten(p, v, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func flatten(p twinstore.Path, v interface{}, out *[]Leaf) error {
	if v == nil {
		return nil
	}

	obj, isObj := twinstore.AsM(v)
	if !isObj {
		*out = append(*out, Leaf{Path: p, Value: twinstore.NormalizeValue(v)})
		return nil
	}

	for k, child := range obj {
		if _, err := twinstore.NewPath(k); err != nil {
			return errors.Wrapf(err, "field %q under %s", k, p)
		}

		if err := flatten(p.Child(k), child, out); err != nil {
			return err
		}
	}

	return nil
}

// Assemble rebuilds the value at p from leaves at or below p. Leaves outside p
// are ignored. A leaf exactly at p is returned as is.
func Assemble(p twinstore.Path, ls []Leaf) (interface{}, bool) {
	var root interface{}
	var found bool

	depth := len(p.Segments())
	for _, l := range ls {
		if !p.Contains(l.Path) {
			continue
		}

		found = true
		if l.Path == p {
			return twinstore.NormalizeValue(l.Value), true
		}

		obj, ok := root.(twinstore.M)
		if !ok {
			obj = twinstore.M{}
			root = obj
		}

		insertAt(obj, l.Path.Segments()[depth:], l.Value)
	}

	return root, found
}

func insertAt(obj twinstore.M, rel []string, v interface{}) {
	for _, seg := range rel[:len(rel)-1] {
		child, ok := obj[seg].(twinstore.M)
		if !ok {
			child = twinstore.M{}
			obj[seg] = child
		}
		obj = child
	}

	obj[rel[len(rel)-1]] = twinstore.NormalizeValue(v)
}
