package filestore

import (
	"github.com/google/btree"
	"github.com/tidwall/gjson"

	"github.com/denismitr/twinstore"
	"github.com/denismitr/twinstore/internal/match"
)

const indexDegree = 32

// fieldEntry places one document in the index of one field by the key of the
// value it holds there.
type fieldEntry struct {
	field string
	key   string
	path  twinstore.Path
}

func (fe *fieldEntry) Less(than btree.Item) bool {
	other := than.(*fieldEntry)

	if fe.field != other.field {
		return fe.field < other.field
	}

	if fe.key != other.key {
		return fe.key < other.key
	}

	return fe.path.Less(other.path)
}

// fieldIndex maps scalar field values of documents in configured collections
// to their paths. Callers hold the engine lock.
type fieldIndex struct {
	fields  map[twinstore.Path][]string
	entries *btree.BTree
	byPath  map[twinstore.Path][]*fieldEntry
}

func newFieldIndex(indexes map[string][]string) *fieldIndex {
	fields := make(map[twinstore.Path][]string, len(indexes))
	for collection, fs := range indexes {
		fields[twinstore.Path(collection)] = append([]string(nil), fs...)
	}

	return &fieldIndex{
		fields:  fields,
		entries: btree.New(indexDegree),
		byPath:  make(map[twinstore.Path][]*fieldEntry),
	}
}

func indexName(collection twinstore.Path, field string) string {
	return collection.String() + "\x00" + field
}

func (fi *fieldIndex) covers(collection twinstore.Path, field string) bool {
	for _, f := range fi.fields[collection] {
		if f == field {
			return true
		}
	}
	return false
}

// set replaces whatever p was indexed under with the values in blob.
func (fi *fieldIndex) set(p twinstore.Path, blob []byte) {
	fi.remove(p)

	collection := p.Collection()
	fields := fi.fields[collection]
	if len(fields) == 0 {
		return
	}

	entries := make([]*fieldEntry, 0, len(fields))
	for _, f := range fields {
		key, ok := match.ResultKey(gjson.GetBytes(blob, match.Path(f)))
		if !ok {
			continue
		}

		fe := &fieldEntry{field: indexName(collection, f), key: key, path: p}
		fi.entries.ReplaceOrInsert(fe)
		entries = append(entries, fe)
	}

	if len(entries) > 0 {
		fi.byPath[p] = entries
	}
}

func (fi *fieldIndex) remove(p twinstore.Path) {
	for _, fe := range fi.byPath[p] {
		fi.entries.Delete(fe)
	}
	delete(fi.byPath, p)
}

// ascend visits, in path order, the documents of collection whose field
// holds a value with the given key.
func (fi *fieldIndex) ascend(collection twinstore.Path, field, key string, fn func(p twinstore.Path) bool) {
	name := indexName(collection, field)
	fi.entries.AscendGreaterOrEqual(&fieldEntry{field: name, key: key}, func(i btree.Item) bool {
		fe := i.(*fieldEntry)
		if fe.field != name || fe.key != key {
			return false
		}
		return fn(fe.path)
	})
}

func (fi *fieldIndex) len() int {
	return fi.entries.Len()
}
