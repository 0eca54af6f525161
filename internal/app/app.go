// Package app turns a Config into a running store: it picks the backends,
// the logger and the sinks, and owns their shutdown.
package app

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/denismitr/twinstore"
	"github.com/denismitr/twinstore/backend/boltstore"
	"github.com/denismitr/twinstore/backend/filestore"
	"github.com/denismitr/twinstore/backend/gormstore"
	"github.com/denismitr/twinstore/backend/memstore"
	"github.com/denismitr/twinstore/backend/redisstore"
	"github.com/denismitr/twinstore/backend/surrealstore"
	"github.com/denismitr/twinstore/metrics"
)

type App struct {
	Config   *Config
	Store    *twinstore.Store
	Fast     twinstore.FastBackend
	Durable  twinstore.DurableBackend
	Registry *prometheus.Registry
	Logger   zerolog.Logger
}

// NewLogger builds the process logger. Pretty output is meant for terminals.
func NewLogger(cfg LogConfig, w io.Writer) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}

	level := zerolog.InfoLevel
	if cfg.Level != "" {
		var err error
		if level, err = zerolog.ParseLevel(strings.ToLower(cfg.Level)); err != nil {
			return zerolog.Nop(), errors.Wrapf(ErrInvalidConfig, "log level %q", cfg.Level)
		}
	}

	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: w}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

// Open connects both backends and composes the store over them. On failure
// everything opened so far is closed again.
func Open(cfg *Config, lg zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fast, err := openFast(cfg.Fast, &lg)
	if err != nil {
		return nil, err
	}

	durable, err := openDurable(cfg.Durable, &lg)
	if err != nil {
		_ = fast.Close()
		return nil, err
	}

	a := &App{Config: cfg, Fast: fast, Durable: durable, Logger: lg}

	sinks := []twinstore.Sink{twinstore.NewLogSink(lg)}
	if cfg.Metrics.Enabled {
		a.Registry = prometheus.NewRegistry()
		ps, err := metrics.NewPrometheusSink(a.Registry)
		if err != nil {
			a.closeBackends()
			return nil, errors.Wrap(err, "could not register metrics")
		}
		sinks = append(sinks, ps)
	}

	a.Store, err = twinstore.New(fast, durable, &twinstore.Config{
		Limits: twinstore.Limits{
			BulkConcurrency: cfg.Limits.BulkConcurrency,
			OpTimeout:       cfg.Limits.OpTimeout,
		},
		Sink:   twinstore.NewMultiSink(sinks...),
		Logger: &lg,
	})
	if err != nil {
		a.closeBackends()
		return nil, err
	}

	return a, nil
}

// Close releases subscriptions first, then both backends. The first error
// is returned and the rest are logged.
func (a *App) Close() error {
	var first error
	if err := a.Store.Close(); err != nil && !errors.Is(err, twinstore.ErrClosed) {
		first = err
	}

	if err := a.closeBackends(); err != nil && first == nil {
		first = err
	}

	return first
}

func (a *App) closeBackends() error {
	var first error
	for _, b := range []twinstore.Backend{a.Fast, a.Durable} {
		if b == nil {
			continue
		}

		if err := b.Close(); err != nil && !errors.Is(err, twinstore.ErrClosed) {
			a.Logger.Error().Err(err).Str("backend", b.Name()).Msg("could not close backend")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func openFast(cfg FastConfig, lg *zerolog.Logger) (twinstore.FastBackend, error) {
	switch cfg.Driver {
	case FastMemory:
		return memstore.New(&memstore.Config{Logger: lg}), nil
	case FastRedis:
		return redisstore.New(redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			Logger:   lg,
		})
	}

	return nil, errors.Wrapf(ErrInvalidConfig, "unknown fast driver %q", cfg.Driver)
}

func openDurable(cfg DurableConfig, lg *zerolog.Logger) (twinstore.DurableBackend, error) {
	switch cfg.Driver {
	case DurableMemory:
		return memstore.New(&memstore.Config{Name: "memory-durable", Logger: lg}), nil
	case DurableFile:
		return filestore.New(cfg.File.Path, &filestore.Config{
			PersistenceStrategy: filestore.PersistenceStrategy(cfg.File.Persistence),
			ValueLoadStrategy:   filestore.ValueLoadStrategy(cfg.File.Load),
			CacheBytes:          cfg.File.CacheBytes,
			Indexes:             cfg.File.Indexes,
			Logger:              lg,
		})
	case DurableBolt:
		return boltstore.New(cfg.Bolt.Path, &boltstore.Config{
			Bucket: cfg.Bolt.Bucket,
			Logger: lg,
		})
	case DurableSQL:
		return gormstore.New(gormstore.Config{
			Driver: cfg.SQL.Driver,
			DSN:    cfg.SQL.DSN,
			Table:  cfg.SQL.Table,
			Logger: lg,
		})
	case DurableSurreal:
		return surrealstore.New(surrealstore.Config{
			URL:       cfg.Surreal.URL,
			Namespace: cfg.Surreal.Namespace,
			Database:  cfg.Surreal.Database,
			User:      cfg.Surreal.User,
			Password:  cfg.Surreal.Password,
			Table:     cfg.Surreal.Table,
			Logger:    lg,
		})
	}

	return nil, errors.Wrapf(ErrInvalidConfig, "unknown durable driver %q", cfg.Driver)
}
