// Package filestore is a durable document backend kept in a single
// append-only log file. Every write appends a RESP framed command, the index
// of live documents lives in a B-tree ordered by path, and a vacuum rewrites
// the log when enough superseded commands pile up.
package filestore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jinzhu/copier"
	"github.com/pbnjay/memory"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/denismitr/twinstore"
	"github.com/denismitr/twinstore/internal/match"
)

type ValueLoadStrategy string

const (
	LazyLoad  ValueLoadStrategy = "lazy"
	EagerLoad ValueLoadStrategy = "eager"
)

const (
	defaultName                 = "file"
	defaultAsyncFlushInterval   = time.Second
	defaultAutoVacuumInterval   = 5 * time.Minute
	defaultAutoVacuumMinGarbage = 1000
	defaultCacheShards          = 16
	minCacheBytes               = 8 << 20
	maxCacheBytes               = 256 << 20
)

type Config struct {
	Name                  string
	PersistenceStrategy   PersistenceStrategy
	AsyncFlushInterval    time.Duration
	ValueLoadStrategy     ValueLoadStrategy
	CacheBytes            uint64
	CacheShards           int
	TruncateFileOnOpen    bool
	DisableAutoVacuum     bool
	AutoVacuumOnlyOnClose bool
	AutoVacuumInterval    time.Duration
	AutoVacuumMinGarbage  uint64
	// Indexes lists, per collection, the fields FindOne looks up through an
	// index instead of scanning. Dots reach into nested objects.
	Indexes map[string][]string
	Logger  *zerolog.Logger
}

func (cfg *Config) applyDefaults() {
	if cfg.Name == "" {
		cfg.Name = defaultName
	}

	if cfg.PersistenceStrategy == "" {
		cfg.PersistenceStrategy = Sync
	}

	if cfg.AsyncFlushInterval == 0 {
		cfg.AsyncFlushInterval = defaultAsyncFlushInterval
	}

	if cfg.ValueLoadStrategy == "" {
		cfg.ValueLoadStrategy = EagerLoad
	}

	if cfg.CacheShards == 0 {
		cfg.CacheShards = defaultCacheShards
	}

	if cfg.CacheBytes == 0 {
		cfg.CacheBytes = cacheBytesFor(memory.TotalMemory())
	}

	if cfg.AutoVacuumInterval == 0 {
		cfg.AutoVacuumInterval = defaultAutoVacuumInterval
	}

	if cfg.AutoVacuumMinGarbage == 0 {
		cfg.AutoVacuumMinGarbage = defaultAutoVacuumMinGarbage
	}

	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
}

// cacheBytesFor gives the lazy document cache 1/64 of physical memory within
// fixed bounds. total is 0 when the platform cannot report it.
func cacheBytesFor(total uint64) uint64 {
	c := total / 64
	if c < minCacheBytes {
		return minCacheBytes
	}
	if c > maxCacheBytes {
		return maxCacheBytes
	}
	return c
}

type Store struct {
	cfg Config
	e   *engine
}

var _ twinstore.DurableBackend = (*Store)(nil)

// New opens the log at path, replaying it into the index. The path ":memory:"
// keeps everything in process without a file.
func New(path string, cfgs ...*Config) (*Store, error) {
	var cfg Config
	if len(cfgs) > 0 && cfgs[0] != nil {
		if err := copier.Copy(&cfg, cfgs[0]); err != nil {
			return nil, errors.Wrap(err, "could not copy file store config")
		}
	}
	cfg.applyDefaults()

	e, err := newEngine(path, &cfg)
	if err != nil {
		return nil, err
	}

	if err := e.init(); err != nil {
		return nil, err
	}

	return &Store{cfg: cfg, e: e}, nil
}

func (s *Store) Name() string {
	return s.cfg.Name
}

func (s *Store) Read(ctx context.Context, p twinstore.Path) (twinstore.M, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	blob, found, err := s.e.get(p)
	if err != nil {
		return nil, s.wrap(err)
	}

	if !found {
		return nil, errors.Wrapf(twinstore.ErrNotFound, "no document at %s", p)
	}

	return decode(p, blob)
}

func (s *Store) Write(ctx context.Context, p twinstore.Path, v twinstore.M) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	blob, err := encode(p, v)
	if err != nil {
		return err
	}

	return s.wrap(s.e.update(p, func([]byte, bool) ([]byte, error) {
		return blob, nil
	}))
}

// Merge overwrites the top-level fields present in fields. A nil field
// removes it from the document.
func (s *Store) Merge(ctx context.Context, p twinstore.Path, fields twinstore.M) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.wrap(s.e.update(p, func(old []byte, exists bool) ([]byte, error) {
		var doc twinstore.M
		if exists {
			var err error
			if doc, err = decode(p, old); err != nil {
				return nil, err
			}
		}

		merged := doc.MergeShallow(fields)
		for k, v := range fields {
			if v == nil {
				delete(merged, k)
			}
		}

		return encode(p, merged)
	}))
}

func (s *Store) Remove(ctx context.Context, p twinstore.Path) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.wrap(s.e.update(p, func([]byte, bool) ([]byte, error) {
		return nil, nil
	}))
}

// FindOne answers from the field index when one covers field and otherwise
// matches field against the raw JSON of each document. Only the document
// returned is decoded.
func (s *Store) FindOne(ctx context.Context, collection twinstore.Path, field string, value interface{}) (twinstore.Path, twinstore.M, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	if key, ok := match.Key(value); ok {
		p, blob, covered, err := s.e.findIndexed(collection, field, key)
		if err != nil {
			return "", nil, s.wrap(err)
		}

		if covered {
			if p == "" {
				return "", nil, errors.Wrapf(twinstore.ErrNotFound, "no document in %s with %s = %v", collection, field, value)
			}
			return decodeFound(p, blob)
		}
	}

	var foundPath twinstore.Path
	var foundBlob []byte
	err := s.e.ascendChildren(collection, func(p twinstore.Path, blob []byte) bool {
		if match.Bytes(blob, field, value) {
			foundPath, foundBlob = p, blob
			return false
		}
		return ctx.Err() == nil
	})
	if err != nil {
		return "", nil, s.wrap(err)
	}

	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	if foundPath == "" {
		return "", nil, errors.Wrapf(twinstore.ErrNotFound, "no document in %s with %s = %v", collection, field, value)
	}

	return decodeFound(foundPath, foundBlob)
}

func decodeFound(p twinstore.Path, blob []byte) (twinstore.Path, twinstore.M, error) {
	doc, err := decode(p, blob)
	if err != nil {
		return "", nil, err
	}
	return p, doc, nil
}

func (s *Store) List(ctx context.Context, collection twinstore.Path) (map[string]twinstore.M, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	docs := make(map[string]twinstore.M)
	var decodeErr error
	err := s.e.ascendChildren(collection, func(p twinstore.Path, blob []byte) bool {
		doc, err := decode(p, blob)
		if err != nil {
			decodeErr = err
			return false
		}
		docs[p.ID()] = doc
		return true
	})
	if err != nil {
		return nil, s.wrap(err)
	}

	if decodeErr != nil {
		return nil, decodeErr
	}

	return docs, nil
}

// Vacuum compacts the log right away.
func (s *Store) Vacuum(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.wrap(s.e.vacuum())
}

// Len is the number of live documents.
func (s *Store) Len() int {
	return s.e.count()
}

// Close stops background flushing, vacuums unless disabled and closes the file.
func (s *Store) Close() error {
	return s.e.close()
}

func (s *Store) wrap(err error) error {
	if err == nil || errors.Is(err, twinstore.ErrClosed) || errors.Is(err, twinstore.ErrInvalidEntity) {
		return err
	}
	return twinstore.Unavailable(s.cfg.Name, err)
}

func encode(p twinstore.Path, v twinstore.M) ([]byte, error) {
	if v == nil {
		v = twinstore.M{}
	}

	blob, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(twinstore.ErrInvalidEntity, "document at %s cannot be encoded: %s", p, err.Error())
	}

	return blob, nil
}

func decode(p twinstore.Path, blob []byte) (twinstore.M, error) {
	doc, err := twinstore.DecodeM(blob)
	if err != nil {
		return nil, errors.Wrapf(ErrStorageFailed, "corrupt document at %s: %s", p, err.Error())
	}

	if doc == nil {
		doc = twinstore.M{}
	}

	return doc, nil
}
