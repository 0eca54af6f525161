package twinstore_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denismitr/twinstore"
)

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := twinstore.NewLogSink(zerolog.New(&buf).Level(zerolog.DebugLevel))

	t.Run("failures are logged as warnings", func(t *testing.T) {
		buf.Reset()
		sink.Report(context.Background(), twinstore.Event{
			Type:    twinstore.EventWrite,
			Op:      twinstore.OpMerge,
			Backend: "durable",
			Path:    "users/u1",
			Err:     twinstore.Unavailable("durable", assert.AnError),
			Elapsed: 3 * time.Millisecond,
		})

		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "warn", line["level"])
		assert.Equal(t, "merge", line["op"])
		assert.Equal(t, "durable", line["backend"])
		assert.Equal(t, "users/u1", line["path"])
		assert.Contains(t, line["error"], "backend unavailable")
	})

	t.Run("absence is not a failure", func(t *testing.T) {
		buf.Reset()
		sink.Report(context.Background(), twinstore.Event{
			Type: twinstore.EventRead,
			Op:   twinstore.OpRead,
			Path: "users/u1",
			Err:  twinstore.ErrNotFound,
		})

		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "debug", line["level"])
	})
}

func TestMultiSink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	ms := twinstore.NewMultiSink(a, nil, b, twinstore.NopSink{})
	require.Len(t, ms, 3)

	ms.Report(context.Background(), twinstore.Event{Type: twinstore.EventWrite, Op: twinstore.OpWrite, Err: assert.AnError})

	assert.Len(t, a.failures(twinstore.EventWrite), 1)
	assert.Len(t, b.failures(twinstore.EventWrite), 1)
}
