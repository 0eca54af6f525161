package twinstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapper_Paths(t *testing.T) {
	tt := []struct {
		kind Kind
		key  string
		path Path
	}{
		{KindUser, "u1", "users/u1"},
		{KindSettings, SystemSettingsKey, "config/system_settings"},
		{KindContent, "7", "content_data/7"},
		{KindTestResult, "u1/quiz_1700000000000", "test_results/u1/quiz_1700000000000"},
	}

	for _, tc := range tt {
		t.Run(tc.kind.String(), func(t *testing.T) {
			p, err := PathFor(tc.kind, tc.key)
			require.NoError(t, err)
			assert.Equal(t, tc.path, p)

			key, err := KeyFromPath(tc.kind, p)
			require.NoError(t, err)
			assert.Equal(t, tc.key, key)
		})
	}
}

func TestMapper_Validation(t *testing.T) {
	t.Run("empty key", func(t *testing.T) {
		err := NewEntity(KindUser, "", M{"name": "A"}).Validate()
		assert.ErrorIs(t, err, ErrInvalidEntity)
	})

	t.Run("unknown kind", func(t *testing.T) {
		err := NewEntity("chapter", "1", nil).Validate()
		assert.ErrorIs(t, err, ErrInvalidEntity)

		_, err = ParseKind("chapter")
		assert.ErrorIs(t, err, ErrInvalidEntity)
	})

	t.Run("key with separator", func(t *testing.T) {
		err := NewEntity(KindContent, "a/b", M{"title": "T"}).Validate()
		assert.ErrorIs(t, err, ErrInvalidEntity)
	})

	t.Run("user fields must be strings", func(t *testing.T) {
		err := NewEntity(KindUser, "u1", M{"email": 42}).Validate()
		assert.ErrorIs(t, err, ErrInvalidEntity)

		assert.NoError(t, NewEntity(KindUser, "u1", M{"role": 42}).Validate())
	})

	t.Run("entities need at least one field", func(t *testing.T) {
		assert.ErrorIs(t, NewEntity(KindUser, "u1", nil).Validate(), ErrInvalidEntity)
		assert.ErrorIs(t, NewEntity(KindContent, "1", M{}).Validate(), ErrInvalidEntity)
	})

	t.Run("field names must be path segments at any depth", func(t *testing.T) {
		for _, fields := range []M{
			{"title": "T", "a/b": "x"},
			{"": "x"},
			{".": "x"},
			{"..": "x"},
			{"meta": M{"a/b": 1}},
			{"meta": map[string]interface{}{"deep": M{"..": 1}}},
		} {
			err := NewEntity(KindContent, "1", fields).Validate()
			assert.ErrorIs(t, err, ErrInvalidEntity, "%v", fields)
			assert.NotErrorIs(t, err, ErrInvalidPath, "%v", fields)
		}
	})

	t.Run("nulls and empty objects are rejected", func(t *testing.T) {
		for _, fields := range []M{
			{"title": nil},
			{"meta": M{}},
			{"meta": M{"draft": nil}},
		} {
			assert.ErrorIs(t, NewEntity(KindContent, "1", fields).Validate(), ErrInvalidEntity, "%v", fields)
		}

		assert.NoError(t, NewEntity(KindContent, "1", M{"tags": []interface{}{"a", nil}}).Validate())
	})

	t.Run("test result needs a test id and a composite key", func(t *testing.T) {
		err := NewEntity(KindTestResult, "u1/quiz_1", M{"score": 3}).Validate()
		assert.ErrorIs(t, err, ErrInvalidEntity)

		err = NewEntity(KindTestResult, "quiz_1", M{TestIDField: "quiz"}).Validate()
		assert.ErrorIs(t, err, ErrInvalidEntity)

		assert.NoError(t, NewEntity(KindTestResult, "u1/quiz_1", M{TestIDField: "quiz"}).Validate())
	})

	t.Run("patches check only present fields", func(t *testing.T) {
		m, err := mapperFor(KindTestResult)
		require.NoError(t, err)

		assert.NoError(t, m.validatePatch("u1/quiz_1", M{"score": 5}))
		assert.ErrorIs(t, m.validatePatch("u1/quiz_1", M{TestIDField: 5}), ErrInvalidEntity)
		assert.NoError(t, m.validatePatch("u1/quiz_1", M{"score": nil}))
		assert.ErrorIs(t, m.validatePatch("u1/quiz_1", M{"a/b": 1}), ErrInvalidEntity)
		assert.ErrorIs(t, m.validatePatch("u1/quiz_1", M{"..": nil}), ErrInvalidEntity)
		assert.ErrorIs(t, m.validatePatch("u1/quiz_1", M{"meta": M{"x": nil}}), ErrInvalidEntity)
	})
}

func TestMapper_Collections(t *testing.T) {
	p, err := CollectionFor(KindContent)
	require.NoError(t, err)
	assert.Equal(t, Path("content_data"), p)

	_, err = CollectionFor(KindTestResult)
	assert.ErrorIs(t, err, ErrUnsupported)

	p, err = TestResultsFor("u1")
	require.NoError(t, err)
	assert.Equal(t, Path("test_results/u1"), p)

	entities := EntitiesFromCollection(KindContent, "content_data", M{
		"10":    M{"title": "Outro"},
		"2":     M{"title": "Basics"},
		"intro": M{"title": "Intro"},
		"bad":   "not an object",
	})

	require.Len(t, entities, 3)
	assert.Equal(t, "2", entities[0].Key)
	assert.Equal(t, "10", entities[1].Key)
	assert.Equal(t, "intro", entities[2].Key)
	assert.Equal(t, "Basics", entities[0].Fields.String("title"))

	assert.Empty(t, EntitiesFromCollection(KindContent, "content_data", nil))
}

func TestMapper_Stamps(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 30, 0, 5e6, time.FixedZone("GET", 4*3600))

	assert.Equal(t, M{LastActiveTimeField: "2024-03-01T08:30:00.005Z"}, StampStatus(at))
	assert.Equal(t, "u1/quiz_1709281800005", NewTestResultKey("u1", "quiz", at))

	uid, rid, err := SplitTestResultKey("u1/quiz_1709281800005")
	require.NoError(t, err)
	assert.Equal(t, "u1", uid)
	assert.Equal(t, "quiz_1709281800005", rid)

	_, _, err = SplitTestResultKey("u1/")
	assert.ErrorIs(t, err, ErrInvalidEntity)
}
