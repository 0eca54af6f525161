package twinstore

import (
	"context"

	"github.com/pkg/errors"
)

type Source string

const (
	SourceFast    Source = "fast"
	SourceDurable Source = "durable"
)

// Resolution is a successful read together with where it came from.
// FastErr is why the fast backend missed when Source is durable.
type Resolution struct {
	Entity  *Entity
	Source  Source
	FastErr error
}

// Resolver reads fast first and falls back to the durable backend only when
// the fast one misses. The two are never raced.
type Resolver struct {
	fast    FastBackend
	durable DurableBackend
	cfg     *Config
}

func NewResolver(fast FastBackend, durable DurableBackend, cfgs ...*Config) (*Resolver, error) {
	cfg, err := resolveConfig(cfgs)
	if err != nil {
		return nil, err
	}

	return newResolver(fast, durable, cfg), nil
}

func newResolver(fast FastBackend, durable DurableBackend, cfg *Config) *Resolver {
	return &Resolver{fast: fast, durable: durable, cfg: cfg}
}

// Resolve returns ErrNotFound when both backends answered that the entity is
// absent and a *ReadError when at least one of them failed.
func (r *Resolver) Resolve(ctx context.Context, kind Kind, key string) (Resolution, error) {
	p, err := PathFor(kind, key)
	if err != nil {
		return Resolution{}, err
	}

	v, fastErr := r.read(ctx, r.fast, EventRead, p)
	if fastErr == nil {
		return Resolution{
			Entity: &Entity{Kind: kind, Key: key, Fields: v},
			Source: SourceFast,
		}, nil
	}

	v, durableErr := r.read(ctx, r.durable, EventFallbackRead, p)
	if durableErr == nil {
		return Resolution{
			Entity:  &Entity{Kind: kind, Key: key, Fields: v},
			Source:  SourceDurable,
			FastErr: fastErr,
		}, nil
	}

	if IsNotFound(fastErr) && IsNotFound(durableErr) {
		return Resolution{}, errors.Wrapf(ErrNotFound, "%s %q", kind, key)
	}

	return Resolution{}, &ReadError{Kind: kind, Key: key, Fast: fastErr, Durable: durableErr}
}

func (r *Resolver) Read(ctx context.Context, kind Kind, key string) (*Entity, error) {
	res, err := r.Resolve(ctx, kind, key)
	if err != nil {
		return nil, err
	}
	return res.Entity, nil
}

// FindBy returns the first durable document of kind whose field equals value.
// The fast backend is never consulted.
func (r *Resolver) FindBy(ctx context.Context, kind Kind, field string, value interface{}) (*Entity, error) {
	if field == "" {
		return nil, errors.Wrap(ErrInvalidEntity, "find needs a field name")
	}

	collection, err := CollectionFor(kind)
	if err != nil {
		return nil, err
	}

	var p Path
	var v M
	out := call{cfg: r.cfg, typ: EventQuery, op: OpFindOne, backend: r.durable.Name(), path: collection}.
		run(ctx, func(ctx context.Context) error {
			var err error
			p, v, err = r.durable.FindOne(ctx, collection, field, value)
			return err
		})

	if out.Err != nil {
		if IsNotFound(out.Err) {
			return nil, errors.Wrapf(ErrNotFound, "no %s with %s = %v", kind, field, value)
		}
		return nil, out.Err
	}

	key, err := KeyFromPath(kind, p)
	if err != nil {
		return nil, Unavailable(r.durable.Name(), err)
	}

	return &Entity{Kind: kind, Key: key, Fields: v}, nil
}

func (r *Resolver) UserByEmail(ctx context.Context, email string) (*Entity, error) {
	if email == "" {
		return nil, errors.Wrap(ErrInvalidEntity, "empty email")
	}
	return r.FindBy(ctx, KindUser, EmailField, email)
}

func (r *Resolver) read(ctx context.Context, b Backend, typ EventType, p Path) (M, error) {
	var v M
	out := call{cfg: r.cfg, typ: typ, op: OpRead, backend: b.Name(), path: p}.
		run(ctx, func(ctx context.Context) error {
			var err error
			v, err = b.Read(ctx, p)
			return err
		})

	if out.Err != nil {
		return nil, out.Err
	}

	if v == nil {
		return M{}, nil
	}

	return v, nil
}
