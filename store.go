package twinstore

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Store composes the coordinator, the resolver and the multiplexer over one
// fast and one durable backend. The caller owns the backends: Close releases
// live subscriptions but leaves the backends open.
type Store struct {
	*Coordinator
	*Resolver
	*Multiplexer

	cfg *Config

	mu     sync.RWMutex
	closed bool
}

func New(fast FastBackend, durable DurableBackend, cfgs ...*Config) (*Store, error) {
	if fast == nil || durable == nil {
		return nil, errors.New("twinstore needs both a fast and a durable backend")
	}

	cfg, err := resolveConfig(cfgs)
	if err != nil {
		return nil, err
	}

	cfg.Logger.Debug().
		Str("fast", fast.Name()).
		Str("durable", durable.Name()).
		Int("bulk_concurrency", cfg.Limits.BulkConcurrency).
		Msg("twinstore opened")

	return &Store{
		Coordinator: newCoordinator(fast, durable, cfg),
		Resolver:    newResolver(fast, durable, cfg),
		Multiplexer: newMultiplexer(fast, durable, cfg),
		cfg:         cfg,
	}, nil
}

// SaveSettings stores the application's settings bundle.
func (s *Store) SaveSettings(ctx context.Context, settings M) (WriteOutcome, error) {
	return s.Save(ctx, Entity{Kind: KindSettings, Key: SystemSettingsKey, Fields: settings})
}

func (s *Store) Settings(ctx context.Context) (*Entity, error) {
	return s.Read(ctx, KindSettings, SystemSettingsKey)
}

func (s *Store) SubscribeSettings(ctx context.Context) (*Subscription, error) {
	return s.SubscribeLive(ctx, KindSettings, SystemSettingsKey)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.closed = true

	return s.Multiplexer.Close()
}
