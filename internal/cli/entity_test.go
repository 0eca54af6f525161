package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denismitr/twinstore"
	"github.com/denismitr/twinstore/internal/present"
)

func TestEntityLifecycle(t *testing.T) {
	cfg := writeConfig(t)

	r := twinctl(t, cfg, "put", "user", "u1", "--data", `{"email":"a@example.com","name":"A"}`)
	require.NoError(t, r.err, r.stderr)
	assert.Contains(t, r.stdout, "users/u1 written")

	t.Run("a fresh process reads from the durable store", func(t *testing.T) {
		r := twinctl(t, cfg, "get", "user", "u1", "--format", "json")
		require.NoError(t, r.err)

		resp := decodeEntity(t, r)
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, twinstore.SourceDurable, resp.Data.Source)
		assert.Equal(t, "a@example.com", resp.Data.Fields.String("email"))
	})

	t.Run("patch", func(t *testing.T) {
		r := twinctl(t, cfg, "patch", "user", "u1", "-d", `{"name":"B"}`)
		require.NoError(t, r.err, r.stderr)

		r = twinctl(t, cfg, "get", "user", "u1", "--format", "json")
		require.NoError(t, r.err)
		resp := decodeEntity(t, r)
		assert.Equal(t, "B", resp.Data.Fields.String("name"))
		assert.Equal(t, "a@example.com", resp.Data.Fields.String("email"))
	})

	t.Run("find by email", func(t *testing.T) {
		r := twinctl(t, cfg, "find", "user", "email", "a@example.com", "--format", "json")
		require.NoError(t, r.err)
		assert.Equal(t, "u1", decodeEntity(t, r).Data.Key)
	})

	t.Run("touch", func(t *testing.T) {
		r := twinctl(t, cfg, "touch", "u1")
		require.NoError(t, r.err, r.stderr)

		r = twinctl(t, cfg, "get", "user", "u1", "--format", "json")
		require.NoError(t, r.err)
		assert.NotEmpty(t, decodeEntity(t, r).Data.Fields.String(twinstore.LastActiveTimeField))
	})

	t.Run("text output", func(t *testing.T) {
		r := twinctl(t, cfg, "get", "user", "u1")
		require.NoError(t, r.err)
		assert.True(t, strings.HasPrefix(r.stdout, "user u1 (from durable)"), r.stdout)
		assert.Contains(t, r.stdout, `"email": "a@example.com"`)
	})

	t.Run("remove", func(t *testing.T) {
		r := twinctl(t, cfg, "rm", "user", "u1")
		require.NoError(t, r.err, r.stderr)

		r = twinctl(t, cfg, "get", "user", "u1", "--format", "json")
		require.Error(t, r.err)
		assert.Equal(t, ExitNotFound, r.code())
		assert.Equal(t, ErrCodeNotFound, decodeError(t, r).Code)
	})
}

func TestPut_Invalid(t *testing.T) {
	cfg := writeConfig(t)

	tt := []struct {
		name string
		args []string
		code string
	}{
		{name: "unknown kind", args: []string{"put", "invoice", "1", "-d", `{"a":1}`}, code: ErrCodeInvalid},
		{name: "schema violation", args: []string{"put", "user", "u1", "-d", `{"email":42}`}, code: ErrCodeInvalid},
		{name: "not an object", args: []string{"put", "user", "u1", "-d", `[1,2]`}, code: ErrCodeUsage},
		{name: "no payload", args: []string{"put", "user", "u1"}, code: ErrCodeUsage},
		{name: "both payload flags", args: []string{"put", "user", "u1", "-d", `{}`, "-f", "x.json"}, code: ErrCodeUsage},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			r := twinctl(t, cfg, append(tc.args, "--format", "json")...)
			require.Error(t, r.err)
			assert.Equal(t, ExitCommandError, r.code())
			assert.Equal(t, tc.code, decodeError(t, r).Code)
		})
	}
}

func TestPut_FromFileAndStdin(t *testing.T) {
	cfg := writeConfig(t)

	payload := filepath.Join(t.TempDir(), "content.json")
	require.NoError(t, os.WriteFile(payload, []byte(`{"title":"Intro"}`), 0o600))

	r := twinctl(t, cfg, "put", "content", "1", "--file", payload)
	require.NoError(t, r.err, r.stderr)

	cmd := NewRootCommand()
	cmd.SetIn(strings.NewReader(`{"title":"Basics"}`))
	cmd.SetOut(&strings.Builder{})
	cmd.SetArgs([]string{"--config", cfg, "put", "content", "2", "--file", "-"})
	require.NoError(t, cmd.Execute())

	r = twinctl(t, cfg, "get", "content", "2", "--format", "json")
	require.NoError(t, r.err)
	assert.Equal(t, "Basics", decodeEntity(t, r).Data.Fields.String("title"))
}

func TestBulk(t *testing.T) {
	cfg := writeConfig(t)

	r := twinctl(t, cfg, "bulk", "content", "-d", `{"1":{"title":"Intro"},"2":{"title":"Basics"}}`, "--format", "json")
	require.NoError(t, r.err, r.stderr)

	var resp struct {
		Status string       `json:"status"`
		Data   present.Bulk `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &resp))
	assert.True(t, resp.Data.OK)
	assert.Len(t, resp.Data.Durable, 2)
	assert.Empty(t, resp.Data.FailedKeys)

	r = twinctl(t, cfg, "get", "content", "2", "--format", "json")
	require.NoError(t, r.err)
	assert.Equal(t, "Basics", decodeEntity(t, r).Data.Fields.String("title"))

	t.Run("text", func(t *testing.T) {
		r := twinctl(t, cfg, "bulk", "content", "-d", `{"3":{"title":"More"}}`)
		require.NoError(t, r.err)
		assert.Contains(t, r.stdout, "1 entities written")
	})

	t.Run("rejects non-object fields", func(t *testing.T) {
		r := twinctl(t, cfg, "bulk", "content", "-d", `{"1":"Intro"}`)
		require.Error(t, r.err)
		assert.Equal(t, ExitCommandError, r.code())
	})

	t.Run("rejects an empty batch", func(t *testing.T) {
		r := twinctl(t, cfg, "bulk", "content", "-d", `{}`)
		require.Error(t, r.err)
		assert.Equal(t, ExitCommandError, r.code())
	})
}

func TestFind_NotFound(t *testing.T) {
	cfg := writeConfig(t)

	r := twinctl(t, cfg, "find", "content", "title", "Nothing")
	require.Error(t, r.err)
	assert.Equal(t, ExitNotFound, r.code())
	assert.Contains(t, r.stderr, ErrCodeNotFound)
}

func TestArgs(t *testing.T) {
	cfg := writeConfig(t)

	r := twinctl(t, cfg, "get", "user")
	require.Error(t, r.err)
	assert.Contains(t, r.err.Error(), "accepts 2 arg")
}
