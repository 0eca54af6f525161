package filestore

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/btree"

	"github.com/denismitr/twinstore"
	"github.com/denismitr/twinstore/internal/lru"
)

const inMemory = ":memory:"

const castPanic = "how could an index item not be of type *record"

// record is the index entry of one document. blob is kept only under the
// eager load strategy; lazy records go through the cache and the file.
type record struct {
	path twinstore.Path
	pos  position
	blob []byte
}

func byPath(a, b interface{}) bool {
	return a.(*record).path.Less(b.(*record).path)
}

type engine struct {
	dbFile      string
	cfg         *Config
	persistence *persistence
	records     *btree.BTree
	index       *fieldIndex
	cache       lru.Cache
	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.RWMutex
	garbage     uint64
	closed      bool
}

func newEngine(dbFile string, cfg *Config) (*engine, error) {
	e := &engine{
		dbFile:  dbFile,
		cfg:     cfg,
		records: btree.NewNonConcurrent(byPath),
		index:   newFieldIndex(cfg.Indexes),
		cache:   lru.NullCache{},
		stopCh:  make(chan struct{}),
	}

	if cfg.ValueLoadStrategy == LazyLoad && dbFile != inMemory {
		c, err := lru.NewShardedCache(cfg.CacheShards, cfg.CacheBytes, nil)
		if err != nil {
			return nil, errors.Wrap(err, "could not create document cache")
		}
		e.cache = c
	}

	return e, nil
}

func (e *engine) lazy() bool {
	return e.persistence != nil && e.cfg.ValueLoadStrategy == LazyLoad
}

func (e *engine) init() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dbFile == inMemory {
		return nil
	}

	p, err := newPersistence(e.dbFile, e.cfg.PersistenceStrategy, e.cfg.TruncateFileOnOpen)
	if err != nil {
		return err
	}
	e.persistence = p

	cut, err := e.persistence.load(func(cmd *command) error {
		switch cmd.code {
		case setCode:
			e.setUnderLock(cmd.path, cmd.blob, cmd.pos)
		case delCode:
			e.deleteUnderLock(cmd.path)
		}
		return nil
	})
	if err != nil {
		_ = e.persistence.close()
		return errors.Wrapf(err, "could not load %s", e.dbFile)
	}

	if cut > 0 {
		e.cfg.Logger.Warn().Str("file", e.dbFile).Int64("bytes", cut).Msg("dropped torn command at the end of the log")
	}

	e.cfg.Logger.Debug().
		Str("file", e.dbFile).
		Int("documents", e.records.Len()).
		Int("indexed", e.index.len()).
		Uint64("garbage", e.garbage).
		Msg("file store loaded")

	if e.cfg.PersistenceStrategy == Async {
		e.wg.Add(1)
		go e.asyncFlush(e.cfg.AsyncFlushInterval)
	}

	if !e.cfg.DisableAutoVacuum && !e.cfg.AutoVacuumOnlyOnClose {
		e.wg.Add(1)
		go e.scheduleVacuum(e.cfg.AutoVacuumInterval)
	}

	return nil
}

func (e *engine) asyncFlush(d time.Duration) {
	defer e.wg.Done()

	t := time.NewTicker(d)
	defer t.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-t.C:
			if err := e.persistence.sync(); err != nil {
				e.cfg.Logger.Error().Err(err).Str("file", e.dbFile).Msg("async flush failed")
			}
		}
	}
}

func (e *engine) scheduleVacuum(d time.Duration) {
	defer e.wg.Done()

	t := time.NewTicker(d)
	defer t.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-t.C:
			e.mu.Lock()
			if e.garbage >= e.cfg.AutoVacuumMinGarbage {
				if err := e.runVacuumUnderLock(); err != nil {
					e.cfg.Logger.Error().Err(err).Str("file", e.dbFile).Msg("vacuum failed")
				}
			}
			e.mu.Unlock()
		}
	}
}

// runVacuumUnderLock rewrites the log with one set per live document.
// Positions are applied only after the new file is in place.
func (e *engine) runVacuumUnderLock() error {
	if e.persistence == nil {
		return nil
	}

	rs := respSerializer{}
	var recs []*record
	var positions []position
	var failed error

	e.records.Ascend(nil, func(i interface{}) bool {
		rec, ok := i.(*record)
		if !ok {
			panic(castPanic)
		}

		blob, err := e.blobUnderLock(rec)
		if err != nil {
			failed = err
			return false
		}

		recs = append(recs, rec)
		positions = append(positions, rs.serializeSet(rec.path, blob))
		return true
	})

	if failed != nil {
		return failed
	}

	before := e.persistence.size()
	if err := e.persistence.writeAndSwap(&rs); err != nil {
		return err
	}

	for i, rec := range recs {
		rec.pos = positions[i]
	}

	e.cfg.Logger.Debug().
		Str("file", e.dbFile).
		Int64("before", before).
		Int("after", rs.len()).
		Uint64("garbage", e.garbage).
		Msg("vacuum complete")

	e.garbage = 0

	return nil
}

func (e *engine) vacuum() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return twinstore.ErrClosed
	}

	return e.runVacuumUnderLock()
}

func (e *engine) close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return twinstore.ErrClosed
	}
	e.closed = true
	e.mu.Unlock()

	close(e.stopCh)
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.persistence == nil {
		return nil
	}

	var vacuumErr error
	if !e.cfg.DisableAutoVacuum && e.garbage > 0 {
		vacuumErr = e.runVacuumUnderLock()
	}

	e.cache.Purge()

	if err := e.persistence.close(); err != nil {
		return err
	}

	return vacuumErr
}

func (e *engine) get(p twinstore.Path) ([]byte, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return nil, false, twinstore.ErrClosed
	}

	rec := e.findUnderLock(p)
	if rec == nil {
		return nil, false, nil
	}

	blob, err := e.blobUnderLock(rec)
	return blob, err == nil, err
}

// update runs fn against the current blob at p and stores what it returns.
// A nil result deletes the document.
func (e *engine) update(p twinstore.Path, fn func(old []byte, exists bool) ([]byte, error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return twinstore.ErrClosed
	}

	var old []byte
	rec := e.findUnderLock(p)
	if rec != nil {
		blob, err := e.blobUnderLock(rec)
		if err != nil {
			return err
		}
		old = blob
	}

	blob, err := fn(old, rec != nil)
	if err != nil {
		return err
	}

	if blob == nil {
		if rec == nil {
			return nil
		}
		return e.persistDeleteUnderLock(p)
	}

	return e.persistSetUnderLock(p, blob)
}

// ascendChildren visits the documents directly inside collection in path order.
func (e *engine) ascendChildren(collection twinstore.Path, fn func(p twinstore.Path, blob []byte) bool) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return twinstore.ErrClosed
	}

	var failed error
	e.records.Ascend(&record{path: collection}, func(i interface{}) bool {
		rec, ok := i.(*record)
		if !ok {
			panic(castPanic)
		}

		if !collection.Contains(rec.path) {
			return false
		}

		if rec.path.Collection() != collection {
			return true
		}

		blob, err := e.blobUnderLock(rec)
		if err != nil {
			failed = err
			return false
		}

		return fn(rec.path, blob)
	})

	return failed
}

// findIndexed returns the first document in collection, in path order, whose
// field holds the value keyed key. covered is false when no index exists for
// the field.
func (e *engine) findIndexed(collection twinstore.Path, field, key string) (p twinstore.Path, blob []byte, covered bool, err error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return "", nil, false, twinstore.ErrClosed
	}

	if !e.index.covers(collection, field) {
		return "", nil, false, nil
	}

	e.index.ascend(collection, field, key, func(candidate twinstore.Path) bool {
		rec := e.findUnderLock(candidate)
		if rec == nil {
			return true
		}

		blob, err = e.blobUnderLock(rec)
		if err != nil {
			return false
		}

		p = candidate
		return false
	})

	return p, blob, true, err
}

func (e *engine) count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.records.Len()
}

func (e *engine) persistSetUnderLock(p twinstore.Path, blob []byte) error {
	var pos position
	if e.persistence != nil {
		if err := e.persistence.append(func(rs *respSerializer) {
			pos = rs.serializeSet(p, blob)
		}); err != nil {
			return err
		}
	}

	e.setUnderLock(p, blob, pos)
	return nil
}

func (e *engine) persistDeleteUnderLock(p twinstore.Path) error {
	if e.persistence != nil {
		if err := e.persistence.append(func(rs *respSerializer) {
			rs.serializeDel(p)
		}); err != nil {
			return err
		}
	}

	e.deleteUnderLock(p)
	return nil
}

func (e *engine) setUnderLock(p twinstore.Path, blob []byte, pos position) {
	rec := &record{path: p, pos: pos}
	if e.lazy() {
		e.cache.Add(p.String(), blob)
	} else {
		rec.blob = blob
	}

	if existing := e.records.Set(rec); existing != nil {
		e.garbage++
	}

	e.index.set(p, blob)
}

func (e *engine) deleteUnderLock(p twinstore.Path) {
	if e.records.Delete(&record{path: p}) != nil {
		e.garbage += 2
	}
	e.cache.Remove(p.String())
	e.index.remove(p)
}

func (e *engine) findUnderLock(p twinstore.Path) *record {
	found := e.records.Get(&record{path: p})
	if found == nil {
		return nil
	}

	rec, ok := found.(*record)
	if !ok {
		panic(castPanic)
	}

	return rec
}

func (e *engine) blobUnderLock(rec *record) ([]byte, error) {
	if rec.blob != nil {
		return rec.blob, nil
	}

	key := rec.path.String()
	if blob, ok := e.cache.Get(key); ok {
		return blob, nil
	}

	blob, err := e.persistence.readAt(rec.pos)
	if err != nil {
		return nil, err
	}

	e.cache.Add(key, blob)
	return blob, nil
}
