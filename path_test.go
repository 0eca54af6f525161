package twinstore

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPath(t *testing.T) {
	t.Run("parse and split", func(t *testing.T) {
		p, err := ParsePath("/test_results/u1/quiz_17/")
		require.NoError(t, err)

		assert.Equal(t, Path("test_results/u1/quiz_17"), p)
		assert.Equal(t, Path("test_results/u1"), p.Collection())
		assert.Equal(t, "quiz_17", p.ID())
		assert.Equal(t, "test_results", p.Root())
		assert.Equal(t, []string{"test_results", "u1", "quiz_17"}, p.Segments())
	})

	t.Run("invalid segments", func(t *testing.T) {
		for _, segs := range [][]string{{"users", ""}, {"users", ".."}, {"."}, {"a/b"}} {
			_, err := NewPath(segs...)
			assert.ErrorIs(t, err, ErrInvalidPath, "%v", segs)
		}

		_, err := ParsePath("//")
		assert.ErrorIs(t, err, ErrInvalidPath)
	})

	t.Run("contains and related", func(t *testing.T) {
		users := Path("users")

		assert.True(t, users.Contains("users"))
		assert.True(t, users.Contains("users/u1"))
		assert.False(t, users.Contains("users_archive/u1"))
		assert.False(t, Path("users/u1").Contains("users"))

		assert.True(t, Path("users/u1").Related("users"))
		assert.True(t, users.Related("users/u1/name"))
		assert.False(t, Path("users/u1").Related("users/u2"))
	})

	t.Run("numeric segments order first and numerically", func(t *testing.T) {
		paths := []Path{"c/b", "c/10", "c/a", "c/2", "c/0", "c/1a", "c", "c/2/x", "c/02"}
		sort.Slice(paths, func(i, j int) bool { return paths[i].Less(paths[j]) })

		assert.Equal(t, []Path{"c", "c/0", "c/2", "c/2/x", "c/10", "c/02", "c/1a", "c/a", "c/b"}, paths)
	})

	t.Run("order is total", func(t *testing.T) {
		paths := []Path{"2", "10", "1a", "a", "b/1", "b"}
		for _, a := range paths {
			assert.False(t, a.Less(a))
			for _, b := range paths {
				if a != b {
					assert.NotEqual(t, a.Less(b), b.Less(a), "%s vs %s", a, b)
				}
				for _, c := range paths {
					if a.Less(b) && b.Less(c) {
						assert.True(t, a.Less(c), "%s < %s < %s", a, b, c)
					}
				}
			}
		}
	})
}
