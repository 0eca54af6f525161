package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denismitr/twinstore"
	"github.com/denismitr/twinstore/backend/gormstore"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "twinstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults without a file", func(t *testing.T) {
		cfg, err := LoadConfig("")
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
		assert.Equal(t, []string{"email"}, cfg.Durable.File.Indexes["users"])
	})

	t.Run("overrides and env expansion", func(t *testing.T) {
		t.Setenv("TWIN_REDIS_ADDR", "10.0.0.7:6379")

		cfg, err := LoadConfig(writeConfig(t, `
log:
  level: debug
fast:
  driver: redis
  redis:
    addr: ${TWIN_REDIS_ADDR}
    prefix: staging
durable:
  driver: bolt
  bolt:
    path: /var/lib/twin/bolt.db
limits:
  bulk_concurrency: 4
  op_timeout: 750ms
`))
		require.NoError(t, err)

		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, FastRedis, cfg.Fast.Driver)
		assert.Equal(t, "10.0.0.7:6379", cfg.Fast.Redis.Addr)
		assert.Equal(t, DurableBolt, cfg.Durable.Driver)
		assert.Equal(t, 4, cfg.Limits.BulkConcurrency)
		assert.Equal(t, 750*time.Millisecond, cfg.Limits.OpTimeout)
		assert.Equal(t, ":8080", cfg.HTTP.Addr)
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "fast:\n  drvier: redis\n"))
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("missing driver settings", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "durable:\n  driver: sql\n"))
		assert.ErrorIs(t, err, ErrInvalidConfig)
		assert.Contains(t, err.Error(), "durable.sql.dsn")
	})

	t.Run("unknown driver", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "fast:\n  driver: memcached\n"))
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	lg, err := NewLogger(LogConfig{Level: "WARN"}, &buf)
	require.NoError(t, err)

	lg.Info().Msg("hidden")
	lg.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	_, err = NewLogger(LogConfig{Level: "loud"}, &buf)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	drivers := map[string]func(t *testing.T) *Config{
		"memory/file": func(t *testing.T) *Config {
			cfg := DefaultConfig()
			cfg.Durable.File.Path = filepath.Join(t.TempDir(), "twin.resp")
			return cfg
		},
		"memory/bolt": func(t *testing.T) *Config {
			cfg := DefaultConfig()
			cfg.Durable = DurableConfig{Driver: DurableBolt, Bolt: BoltConfig{Path: filepath.Join(t.TempDir(), "twin.db")}}
			return cfg
		},
		"redis/sqlite": func(t *testing.T) *Config {
			mr := miniredis.RunT(t)
			cfg := DefaultConfig()
			cfg.Fast = FastConfig{Driver: FastRedis, Redis: RedisConfig{Addr: mr.Addr()}}
			cfg.Durable = DurableConfig{Driver: DurableSQL, SQL: SQLConfig{
				Driver: "sqlite",
				DSN:    filepath.Join(t.TempDir(), "twin.sqlite"),
			}}
			return cfg
		},
	}

	for name, build := range drivers {
		t.Run(name, func(t *testing.T) {
			a, err := Open(build(t), zerolog.Nop())
			require.NoError(t, err)

			out, err := a.Store.Save(ctx, twinstore.NewEntity(twinstore.KindContent, "1", twinstore.M{"title": "Intro"}))
			require.NoError(t, err)
			assert.True(t, out.OK())

			e, err := a.Store.Read(ctx, twinstore.KindContent, "1")
			require.NoError(t, err)
			assert.Equal(t, "Intro", e.Fields.String("title"))

			require.NotNil(t, a.Registry)
			families, err := a.Registry.Gather()
			require.NoError(t, err)
			assert.NotEmpty(t, families)

			require.NoError(t, a.Close())
		})
	}
}

func TestOpen_DurableFailure(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := DefaultConfig()
	cfg.Fast = FastConfig{Driver: FastRedis, Redis: RedisConfig{Addr: mr.Addr()}}
	cfg.Durable = DurableConfig{Driver: DurableSQL, SQL: SQLConfig{Driver: "oracle", DSN: "x"}}

	_, err := Open(cfg, zerolog.Nop())
	assert.ErrorIs(t, err, gormstore.ErrUnknownDriver)
}
