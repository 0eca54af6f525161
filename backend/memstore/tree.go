package memstore

import (
	"github.com/tidwall/btree"

	"github.com/denismitr/twinstore"
	"github.com/denismitr/twinstore/internal/leaves"
)

const castPanic = "how could a tree item not be of type *leaves.Leaf"

// Objects exist only as the common prefix of their leaves, so an empty
// object is no value at all.
func byPath(a, b interface{}) bool {
	return a.(*leaves.Leaf).Path.Less(b.(*leaves.Leaf).Path)
}

type tree struct {
	leaves *btree.BTree
}

func newTree() *tree {
	return &tree{leaves: btree.NewNonConcurrent(byPath)}
}

// ascendSubtree visits every leaf at p or below it in path order.
func (t *tree) ascendSubtree(p twinstore.Path, fn func(l *leaves.Leaf) bool) {
	t.leaves.Ascend(&leaves.Leaf{Path: p}, func(i interface{}) bool {
		l, ok := i.(*leaves.Leaf)
		if !ok {
			panic(castPanic)
		}

		if !p.Contains(l.Path) {
			return false
		}

		return fn(l)
	})
}

func (t *tree) read(p twinstore.Path) (interface{}, bool) {
	var collected []leaves.Leaf
	t.ascendSubtree(p, func(l *leaves.Leaf) bool {
		collected = append(collected, *l)
		return l.Path != p
	})

	return leaves.Assemble(p, collected)
}

// removeSubtree deletes p and everything below it and reports whether
// anything was there.
func (t *tree) removeSubtree(p twinstore.Path) bool {
	var doomed []*leaves.Leaf
	t.ascendSubtree(p, func(l *leaves.Leaf) bool {
		doomed = append(doomed, l)
		return true
	})

	for _, l := range doomed {
		t.leaves.Delete(l)
	}

	return len(doomed) > 0
}

// removeScalarAncestors drops leaves that would otherwise shadow an object
// written underneath them.
func (t *tree) removeScalarAncestors(p twinstore.Path) bool {
	var removed bool
	for anc := p.Collection(); anc != ""; anc = anc.Collection() {
		if t.leaves.Delete(&leaves.Leaf{Path: anc}) != nil {
			removed = true
		}
	}
	return removed
}

// set replaces the subtree at p with v.
func (t *tree) set(p twinstore.Path, v interface{}) (bool, error) {
	fresh, err := leaves.Flatten(p, v)
	if err != nil {
		return false, err
	}

	changed := t.removeSubtree(p)
	if len(fresh) > 0 && t.removeScalarAncestors(p) {
		changed = true
	}

	for i := range fresh {
		t.leaves.Set(&fresh[i])
	}

	return changed || len(fresh) > 0, nil
}

func (t *tree) len() int {
	return t.leaves.Len()
}
