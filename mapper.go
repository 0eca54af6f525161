package twinstore

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	usersCollection       = "users"
	configCollection      = "config"
	contentCollection     = "content_data"
	testResultsCollection = "test_results"

	LastActiveTimeField = "lastActiveTime"
	TestIDField         = "testId"
	EmailField          = "email"
)

type fieldType int8

const (
	anyField fieldType = iota
	stringField
)

type fieldRule struct {
	name     string
	typ      fieldType
	required bool
}

type mapper struct {
	kind  Kind
	rules []fieldRule
	path  func(key string) (Path, error)
	// collection is empty for kinds whose entities are not siblings under one path.
	collection Path
}

var mappers = map[Kind]*mapper{
	KindUser: {
		kind: KindUser,
		rules: []fieldRule{
			{name: EmailField, typ: stringField},
			{name: "name", typ: stringField},
		},
		path:       flatPath(usersCollection),
		collection: usersCollection,
	},
	KindSettings: {
		kind:       KindSettings,
		path:       flatPath(configCollection),
		collection: configCollection,
	},
	KindContent: {
		kind:       KindContent,
		path:       flatPath(contentCollection),
		collection: contentCollection,
	},
	KindTestResult: {
		kind: KindTestResult,
		rules: []fieldRule{
			{name: TestIDField, typ: stringField, required: true},
		},
		path: testResultPath,
	},
}

func mapperFor(k Kind) (*mapper, error) {
	m, ok := mappers[k]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidEntity, "unknown kind %q", k)
	}
	return m, nil
}

func (m *mapper) validate(key string, fields M) error {
	if key == "" {
		return errors.Wrapf(ErrInvalidEntity, "%s entity has no key", m.kind)
	}

	if len(fields) == 0 {
		return errors.Wrapf(ErrInvalidEntity, "%s %q has no fields", m.kind, key)
	}

	if err := m.checkShape(key, fields, false); err != nil {
		return err
	}

	for _, r := range m.rules {
		v, ok := fields[r.name]
		if !ok {
			if r.required {
				return errors.Wrapf(ErrInvalidEntity, "%s %q is missing required field %s", m.kind, key, r.name)
			}
			continue
		}

		if r.typ == stringField {
			if _, isStr := v.(string); !isStr {
				return errors.Wrapf(ErrInvalidEntity, "%s %q field %s must be a string, got %T", m.kind, key, r.name, v)
			}
		}
	}

	return nil
}

// validatePatch checks only the fields present in a partial update. A nil
// top-level value deletes that field.
func (m *mapper) validatePatch(key string, fields M) error {
	if key == "" {
		return errors.Wrapf(ErrInvalidEntity, "%s entity has no key", m.kind)
	}

	if err := m.checkShape(key, fields, true); err != nil {
		return err
	}

	for _, r := range m.rules {
		v, ok := fields[r.name]
		if !ok {
			continue
		}

		if r.typ == stringField {
			if _, isStr := v.(string); !isStr {
				return errors.Wrapf(ErrInvalidEntity, "%s %q field %s must be a string, got %T", m.kind, key, r.name, v)
			}
		}
	}

	return nil
}

// checkShape rejects values a path tree cannot hold the way a document store
// does: field names that are not path segments, nulls and empty objects.
// Only a patch may carry a null, and only at the top level.
func (m *mapper) checkShape(key string, fields M, patch bool) error {
	for name, v := range fields {
		if v == nil && patch {
			if err := validSegment(name); err != nil {
				return errors.Wrapf(ErrInvalidEntity, "%s %q: %v", m.kind, key, err)
			}
			continue
		}

		if err := checkField(name, v); err != nil {
			return errors.Wrapf(ErrInvalidEntity, "%s %q: %v", m.kind, key, err)
		}
	}
	return nil
}

func checkField(name string, v interface{}) error {
	if err := validSegment(name); err != nil {
		return errors.Wrapf(err, "field %q", name)
	}

	if v == nil {
		return errors.Errorf("field %q is null", name)
	}

	obj, ok := AsM(v)
	if !ok {
		return nil
	}

	if len(obj) == 0 {
		return errors.Errorf("field %q is an empty object", name)
	}

	for k, child := range obj {
		if err := checkField(k, child); err != nil {
			return errors.Wrapf(err, "in %q", name)
		}
	}

	return nil
}

func flatPath(collection string) func(string) (Path, error) {
	return func(key string) (Path, error) {
		p, err := NewPath(collection, key)
		if err != nil {
			return "", errors.Wrap(ErrInvalidEntity, err.Error())
		}
		return p, nil
	}
}

func testResultPath(key string) (Path, error) {
	userID, resultID, err := SplitTestResultKey(key)
	if err != nil {
		return "", err
	}

	p, err := NewPath(testResultsCollection, userID, resultID)
	if err != nil {
		return "", errors.Wrap(ErrInvalidEntity, err.Error())
	}

	return p, nil
}

// PathFor derives the path both backends store (kind, key) under.
func PathFor(kind Kind, key string) (Path, error) {
	m, err := mapperFor(kind)
	if err != nil {
		return "", err
	}

	if key == "" {
		return "", errors.Wrapf(ErrInvalidEntity, "%s entity has no key", kind)
	}

	return m.path(key)
}

// CollectionFor is the path holding every entity of a kind.
func CollectionFor(kind Kind) (Path, error) {
	m, err := mapperFor(kind)
	if err != nil {
		return "", err
	}

	if m.collection == "" {
		return "", errors.Wrapf(ErrUnsupported, "%s entities are not stored under a single collection", kind)
	}

	return m.collection, nil
}

// TestResultsFor is the collection of one user's test results.
func TestResultsFor(userID string) (Path, error) {
	p, err := NewPath(testResultsCollection, userID)
	if err != nil {
		return "", errors.Wrap(ErrInvalidEntity, err.Error())
	}
	return p, nil
}

// KeyFromPath reverses PathFor.
func KeyFromPath(kind Kind, p Path) (string, error) {
	segs := p.Segments()

	switch kind {
	case KindTestResult:
		if len(segs) != 3 || segs[0] != testResultsCollection {
			return "", errors.Wrapf(ErrInvalidPath, "%s is not a test result path", p)
		}
		return segs[1] + Separator + segs[2], nil
	default:
		m, err := mapperFor(kind)
		if err != nil {
			return "", err
		}

		if len(segs) != 2 || Path(segs[0]) != m.collection {
			return "", errors.Wrapf(ErrInvalidPath, "%s is not a %s path", p, kind)
		}
		return segs[1], nil
	}
}

// NewTestResultKey builds the composite key of one attempt.
func NewTestResultKey(userID, testID string, at time.Time) string {
	return fmt.Sprintf("%s/%s_%d", userID, testID, at.UnixNano()/int64(time.Millisecond))
}

func SplitTestResultKey(key string) (userID, resultID string, err error) {
	parts := strings.Split(key, Separator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.Wrapf(ErrInvalidEntity, "test result key %q must look like <user>/<result>", key)
	}
	return parts[0], parts[1], nil
}

// StampStatus is the presence patch applied on user activity.
func StampStatus(now time.Time) M {
	return M{LastActiveTimeField: now.UTC().Format(time.RFC3339Nano)}
}

// EntitiesFromCollection turns an object-of-objects snapshot into entities
// ordered by key. Children that are not objects are skipped.
func EntitiesFromCollection(kind Kind, collection Path, value M) []Entity {
	keys := make([]string, 0, len(value))
	for k := range value {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool {
		return collection.Child(keys[i]).Less(collection.Child(keys[j]))
	})

	entities := make([]Entity, 0, len(keys))
	for _, k := range keys {
		fields, ok := AsM(value[k])
		if !ok {
			continue
		}

		key := k
		if kind == KindTestResult {
			if id, err := KeyFromPath(kind, collection.Child(k)); err == nil {
				key = id
			}
		}

		entities = append(entities, Entity{Kind: kind, Key: key, Fields: fields})
	}

	return entities
}
