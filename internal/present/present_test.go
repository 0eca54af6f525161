package present

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/denismitr/twinstore"
)

func TestParseValue(t *testing.T) {
	tt := []struct {
		raw  string
		want interface{}
	}{
		{raw: "a@x.com", want: "a@x.com"},
		{raw: "42", want: float64(42)},
		{raw: "true", want: true},
		{raw: "null", want: nil},
		{raw: `"42"`, want: "42"},
		{raw: `{"a":1}`, want: `{"a":1}`},
		{raw: "", want: ""},
	}

	for _, tc := range tt {
		t.Run(tc.raw, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseValue(tc.raw))
		})
	}
}

func TestNewWrite(t *testing.T) {
	w := NewWrite(twinstore.WriteOutcome{
		Path:    "users/u1",
		Fast:    twinstore.BackendOutcome{Backend: "redis", Err: errors.New("down"), Elapsed: 1500 * time.Microsecond},
		Durable: twinstore.BackendOutcome{Backend: "bolt"},
	})

	assert.False(t, w.OK)
	assert.True(t, w.Diverged)
	assert.Equal(t, "down", w.Fast.Error)
	assert.Equal(t, 1.5, w.Fast.ElapsedMS)
	assert.True(t, w.Durable.OK)
}

func TestNewBulk(t *testing.T) {
	b := NewBulk(twinstore.BulkOutcome{
		Fast: twinstore.BackendOutcome{Backend: "memory"},
		Durable: map[string]twinstore.BackendOutcome{
			"2": {Backend: "file", Err: errors.New("disk full")},
			"1": {Backend: "file"},
			"3": {Backend: "file", Err: errors.New("disk full")},
		},
	})

	assert.False(t, b.OK)
	assert.Equal(t, []string{"2", "3"}, b.FailedKeys)
	assert.Len(t, b.Durable, 3)
}
