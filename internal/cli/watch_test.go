package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denismitr/twinstore"
	"github.com/denismitr/twinstore/internal/present"
)

func TestWatch_Collection(t *testing.T) {
	cfg := writeConfig(t)

	r := twinctl(t, cfg, "watch", "content", "--count", "1", "--format", "json")
	require.NoError(t, r.err, r.stderr)

	var resp struct {
		Status string         `json:"status"`
		Data   present.Update `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &resp), r.stdout)
	assert.Equal(t, twinstore.SourceFast, resp.Data.Source)
	assert.Empty(t, resp.Data.Entities)

	r = twinctl(t, cfg, "watch", "content", "-n", "1")
	require.NoError(t, r.err)
	assert.Equal(t, "[fast] empty\n", r.stdout)
}

func TestWatch_StopsWithContext(t *testing.T) {
	cfg := writeConfig(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", cfg, "watch", "user", "u1"})

	require.NoError(t, cmd.ExecuteContext(ctx))
	assert.Empty(t, out.String())
}

func TestWatch_InvalidKind(t *testing.T) {
	r := twinctl(t, writeConfig(t), "watch", "invoice")
	require.Error(t, r.err)
	assert.Equal(t, ExitCommandError, r.code())
}

func TestServe_ShutsDownWithContext(t *testing.T) {
	cfg := writeConfig(t)

	ctx, cancel := context.WithCancel(context.Background())

	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", cfg, "serve", "--addr", "127.0.0.1:0"})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
