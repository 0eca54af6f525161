// Package boltstore keeps durable documents in a BoltDB file. All documents
// share one bucket keyed by their full path, so a collection is a key prefix
// and listing it is a cursor seek.
package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/denismitr/twinstore"
	"github.com/denismitr/twinstore/internal/match"
)

const (
	defaultName    = "bolt"
	defaultBucket  = "documents"
	defaultTimeout = time.Second
)

type Config struct {
	Name string
	// Bucket holds every document.
	Bucket string
	// Timeout bounds waiting for the file lock on open.
	Timeout time.Duration
	NoSync  bool
	Logger  *zerolog.Logger
}

func (cfg *Config) applyDefaults() {
	if cfg.Name == "" {
		cfg.Name = defaultName
	}

	if cfg.Bucket == "" {
		cfg.Bucket = defaultBucket
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
}

type Store struct {
	cfg    Config
	db     *bolt.DB
	bucket []byte

	mu     sync.RWMutex
	closed bool
}

var _ twinstore.DurableBackend = (*Store)(nil)

func New(path string, cfgs ...*Config) (*Store, error) {
	var cfg Config
	if len(cfgs) > 0 && cfgs[0] != nil {
		cfg = *cfgs[0]
	}
	cfg.applyDefaults()

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: cfg.Timeout})
	if err != nil {
		return nil, errors.Wrapf(err, "could not open bolt file %s", path)
	}
	db.NoSync = cfg.NoSync

	bucket := []byte(cfg.Bucket)
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "could not create bucket %s", cfg.Bucket)
	}

	cfg.Logger.Debug().Str("file", path).Str("bucket", cfg.Bucket).Msg("bolt store opened")

	return &Store{cfg: cfg, db: db, bucket: bucket}, nil
}

func (s *Store) Name() string {
	return s.cfg.Name
}

func (s *Store) Read(ctx context.Context, p twinstore.Path) (twinstore.M, error) {
	var doc twinstore.M
	err := s.view(ctx, func(b *bolt.Bucket) error {
		blob := b.Get([]byte(p))
		if blob == nil {
			return errors.Wrapf(twinstore.ErrNotFound, "no document at %s", p)
		}

		var err error
		doc, err = decode(p, blob)
		return err
	})

	return doc, err
}

func (s *Store) Write(ctx context.Context, p twinstore.Path, v twinstore.M) error {
	blob, err := encode(p, v)
	if err != nil {
		return err
	}

	return s.update(ctx, func(b *bolt.Bucket) error {
		return b.Put([]byte(p), blob)
	})
}

// Merge overwrites the top-level fields present in fields. A nil field
// removes it from the document.
func (s *Store) Merge(ctx context.Context, p twinstore.Path, fields twinstore.M) error {
	return s.update(ctx, func(b *bolt.Bucket) error {
		var doc twinstore.M
		if old := b.Get([]byte(p)); old != nil {
			var err error
			if doc, err = decode(p, old); err != nil {
				return err
			}
		}

		merged := doc.MergeShallow(fields)
		for k, v := range fields {
			if v == nil {
				delete(merged, k)
			}
		}

		blob, err := encode(p, merged)
		if err != nil {
			return err
		}

		return b.Put([]byte(p), blob)
	})
}

func (s *Store) Remove(ctx context.Context, p twinstore.Path) error {
	return s.update(ctx, func(b *bolt.Bucket) error {
		return b.Delete([]byte(p))
	})
}

// FindOne returns the matching document that sorts first by path, matching
// on the raw JSON while the transaction is open.
func (s *Store) FindOne(ctx context.Context, collection twinstore.Path, field string, value interface{}) (twinstore.Path, twinstore.M, error) {
	var foundPath twinstore.Path
	var foundBlob []byte

	err := s.view(ctx, func(b *bolt.Bucket) error {
		return eachChild(b, collection, func(p twinstore.Path, blob []byte) error {
			if !match.Bytes(blob, field, value) {
				return nil
			}

			if foundPath == "" || p.Less(foundPath) {
				foundPath = p
				foundBlob = append(foundBlob[:0], blob...)
			}
			return ctx.Err()
		})
	})
	if err != nil {
		return "", nil, err
	}

	if foundPath == "" {
		return "", nil, errors.Wrapf(twinstore.ErrNotFound, "no document in %s with %s = %v", collection, field, value)
	}

	doc, err := decode(foundPath, foundBlob)
	if err != nil {
		return "", nil, err
	}

	return foundPath, doc, nil
}

func (s *Store) List(ctx context.Context, collection twinstore.Path) (map[string]twinstore.M, error) {
	docs := make(map[string]twinstore.M)
	err := s.view(ctx, func(b *bolt.Bucket) error {
		return eachChild(b, collection, func(p twinstore.Path, blob []byte) error {
			doc, err := decode(p, blob)
			if err != nil {
				return err
			}
			docs[p.ID()] = doc
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return docs, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return twinstore.ErrClosed
	}
	s.closed = true

	return s.db.Close()
}

func (s *Store) view(ctx context.Context, fn func(b *bolt.Bucket) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return twinstore.ErrClosed
	}

	return s.wrap(s.db.View(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(s.bucket))
	}))
}

func (s *Store) update(ctx context.Context, fn func(b *bolt.Bucket) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return twinstore.ErrClosed
	}

	return s.wrap(s.db.Update(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(s.bucket))
	}))
}

func (s *Store) wrap(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, twinstore.ErrNotFound),
		errors.Is(err, twinstore.ErrInvalidEntity),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return twinstore.Unavailable(s.cfg.Name, err)
}

// eachChild visits the documents directly inside collection. Keys deeper
// down share the prefix and are skipped.
func eachChild(b *bolt.Bucket, collection twinstore.Path, fn func(p twinstore.Path, blob []byte) error) error {
	prefix := []byte(collection + twinstore.Separator)

	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if strings.Contains(string(k[len(prefix):]), twinstore.Separator) {
			continue
		}

		if err := fn(twinstore.Path(k), v); err != nil {
			return err
		}
	}

	return nil
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
		return nil, errors.Wrapf(err, "corrupt document at %s", p)
	}

	if doc == nil {
		doc = twinstore.M{}
	}

	return doc, nil
}
