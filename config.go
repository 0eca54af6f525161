package twinstore

import (
	"time"

	"github.com/jinzhu/copier"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const defaultBulkConcurrency = 8

type Limits struct {
	// BulkConcurrency bounds the per-key durable writes of SaveBulk.
	BulkConcurrency int
	// OpTimeout, when set, is the deadline of every single adapter call.
	OpTimeout time.Duration
}

type Config struct {
	Limits Limits
	Sink   Sink
	Logger *zerolog.Logger
	Now    func() time.Time
}

func (cfg *Config) applyDefaults() error {
	limits := Limits{BulkConcurrency: defaultBulkConcurrency}
	if err := copier.CopyWithOption(&limits, &cfg.Limits, copier.Option{IgnoreEmpty: true}); err != nil {
		return errors.Wrap(err, "could not apply limits")
	}

	if limits.BulkConcurrency < 0 {
		return errors.Errorf("bulk concurrency must be positive, got %d", limits.BulkConcurrency)
	}

	cfg.Limits = limits

	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}

	if cfg.Sink == nil {
		cfg.Sink = NewLogSink(*cfg.Logger)
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return nil
}

func resolveConfig(cfgs []*Config) (*Config, error) {
	cfg := &Config{}
	if len(cfgs) > 0 && cfgs[0] != nil {
		c := *cfgs[0]
		cfg = &c
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	return cfg, nil
}
