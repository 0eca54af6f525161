// Package memstore is an in-process path tree kept as ordered leaves, with
// live listeners on any path. It serves as a fast backend and, through
// FindOne and List, as a durable one for tests and single-process setups.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/denismitr/twinstore"
	"github.com/denismitr/twinstore/internal/feed"
	"github.com/denismitr/twinstore/internal/leaves"
	"github.com/denismitr/twinstore/internal/match"
)

const defaultName = "memory"

type Config struct {
	Name   string
	Logger *zerolog.Logger
}

func (cfg *Config) applyDefaults() {
	if cfg.Name == "" {
		cfg.Name = defaultName
	}

	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
}

type Store struct {
	cfg Config

	mu        sync.RWMutex
	tree      *tree
	listeners map[*feed.Listener]struct{}
	closed    bool
}

var (
	_ twinstore.FastBackend    = (*Store)(nil)
	_ twinstore.DurableBackend = (*Store)(nil)
)

func New(cfgs ...*Config) *Store {
	var cfg Config
	if len(cfgs) > 0 && cfgs[0] != nil {
		cfg = *cfgs[0]
	}
	cfg.applyDefaults()

	return &Store{
		cfg:       cfg,
		tree:      newTree(),
		listeners: make(map[*feed.Listener]struct{}),
	}
}

func (s *Store) Name() string {
	return s.cfg.Name
}

func (s *Store) Read(ctx context.Context, p twinstore.Path) (twinstore.M, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, twinstore.ErrClosed
	}

	v, found := s.tree.read(p)
	if !found {
		return nil, errors.Wrapf(twinstore.ErrNotFound, "nothing at %s", p)
	}

	obj, ok := v.(twinstore.M)
	if !ok {
		return nil, errors.Wrapf(twinstore.ErrInvalidPath, "value at %s is not an object", p)
	}

	return obj, nil
}

func (s *Store) Write(ctx context.Context, p twinstore.Path, v twinstore.M) error {
	return s.mutate(ctx, p, func() (bool, error) {
		return s.tree.set(p, v)
	})
}

// Merge replaces each child of p named in fields. A nil field removes the child.
func (s *Store) Merge(ctx context.Context, p twinstore.Path, fields twinstore.M) error {
	return s.mutate(ctx, p, func() (bool, error) {
		if _, err := leaves.Flatten(p, fields); err != nil {
			return false, err
		}

		var changed bool
		for k, v := range fields {
			ok, err := s.tree.set(p.Child(k), v)
			if err != nil {
				return changed, err
			}
			changed = changed || ok
		}
		return changed, nil
	})
}

func (s *Store) Remove(ctx context.Context, p twinstore.Path) error {
	return s.mutate(ctx, p, func() (bool, error) {
		return s.tree.removeSubtree(p), nil
	})
}

// FindOne scans the children of collection in path order.
func (s *Store) FindOne(ctx context.Context, collection twinstore.Path, field string, value interface{}) (twinstore.Path, twinstore.M, error) {
	docs, err := s.List(ctx, collection)
	if err != nil {
		return "", nil, err
	}

	ids := make([]twinstore.Path, 0, len(docs))
	for id := range docs {
		ids = append(ids, collection.Child(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	for _, p := range ids {
		if doc := docs[p.ID()]; match.M(doc, field, value) {
			return p, doc, nil
		}
	}

	return "", nil, errors.Wrapf(twinstore.ErrNotFound, "no document in %s with %s = %v", collection, field, value)
}

// List returns the object children of collection.
func (s *Store) List(ctx context.Context, collection twinstore.Path) (map[string]twinstore.M, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, twinstore.ErrClosed
	}

	docs := make(map[string]twinstore.M)
	v, _ := s.tree.read(collection)
	obj, _ := v.(twinstore.M)
	for id, child := range obj {
		if doc, ok := twinstore.AsM(child); ok {
			docs[id] = doc
		}
	}

	return docs, nil
}

// Watch registers a listener on p. The listener stops when ctx is done, when
// it is closed, or when the store closes, in which case onError receives
// twinstore.ErrClosed.
func (s *Store) Watch(
	ctx context.Context,
	p twinstore.Path,
	onChange func(twinstore.Snapshot),
	onError func(error),
) (twinstore.Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, twinstore.ErrClosed
	}

	var l *feed.Listener
	l = feed.New(ctx, p, onChange, onError, func() {
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()
	})

	s.listeners[l] = struct{}{}
	l.Post(s.snapshotUnderLock(p))

	s.cfg.Logger.Debug().Str("path", p.String()).Int("listeners", len(s.listeners)).Msg("memstore watch")

	return l, nil
}

// Flush drops every value. Listeners see their paths become absent.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tree = newTree()
	for l := range s.listeners {
		l.Post(twinstore.Snapshot{Path: l.Path()})
	}
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.len()
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return twinstore.ErrClosed
	}
	s.closed = true

	listeners := make([]*feed.Listener, 0, len(s.listeners))
	for l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l.Fail(twinstore.ErrClosed)
	}

	return nil
}

func (s *Store) mutate(ctx context.Context, p twinstore.Path, fn func() (bool, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return twinstore.ErrClosed
	}

	changed, err := fn()
	if changed {
		s.notifyUnderLock(p)
	}

	return err
}

func (s *Store) notifyUnderLock(p twinstore.Path) {
	for l := range s.listeners {
		if l.Path().Related(p) {
			l.Post(s.snapshotUnderLock(l.Path()))
		}
	}
}

func (s *Store) snapshotUnderLock(p twinstore.Path) twinstore.Snapshot {
	v, found := s.tree.read(p)
	if !found {
		return twinstore.Snapshot{Path: p}
	}

	obj, _ := v.(twinstore.M)
	return twinstore.Snapshot{Path: p, Value: obj, Exists: true}
}
