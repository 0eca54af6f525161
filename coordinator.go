package twinstore

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// Coordinator mirrors every write into the fast and the durable backend.
// A failure of one backend is reported and returned in the outcome but never
// fails the call, rolls back, or blocks the other backend.
type Coordinator struct {
	fast    FastBackend
	durable DurableBackend
	cfg     *Config
}

func NewCoordinator(fast FastBackend, durable DurableBackend, cfgs ...*Config) (*Coordinator, error) {
	cfg, err := resolveConfig(cfgs)
	if err != nil {
		return nil, err
	}

	return newCoordinator(fast, durable, cfg), nil
}

func newCoordinator(fast FastBackend, durable DurableBackend, cfg *Config) *Coordinator {
	return &Coordinator{fast: fast, durable: durable, cfg: cfg}
}

// Save writes e to both backends. The only error it returns is ErrInvalidEntity,
// raised before any backend is touched.
func (c *Coordinator) Save(ctx context.Context, e Entity) (WriteOutcome, error) {
	p, err := e.Path()
	if err != nil {
		return WriteOutcome{}, err
	}

	v := e.Fields.Clone()

	return c.dual(ctx, p, OpWrite, func(ctx context.Context, b Backend) error {
		return b.Write(ctx, p, v)
	}), nil
}

// Patch merges fields into the entity in both backends.
func (c *Coordinator) Patch(ctx context.Context, kind Kind, key string, fields M) (WriteOutcome, error) {
	m, err := mapperFor(kind)
	if err != nil {
		return WriteOutcome{}, err
	}

	if err := m.validatePatch(key, fields); err != nil {
		return WriteOutcome{}, err
	}

	if len(fields) == 0 {
		return WriteOutcome{}, errors.Wrapf(ErrInvalidEntity, "empty patch for %s %q", kind, key)
	}

	p, err := m.path(key)
	if err != nil {
		return WriteOutcome{}, err
	}

	patch := fields.Clone()

	return c.dual(ctx, p, OpMerge, func(ctx context.Context, b Backend) error {
		return b.Merge(ctx, p, patch)
	}), nil
}

func (c *Coordinator) Remove(ctx context.Context, kind Kind, key string) (WriteOutcome, error) {
	p, err := PathFor(kind, key)
	if err != nil {
		return WriteOutcome{}, err
	}

	return c.dual(ctx, p, OpRemove, func(ctx context.Context, b Backend) error {
		return b.Remove(ctx, p)
	}), nil
}

// TouchStatus stamps the user's last activity time.
func (c *Coordinator) TouchStatus(ctx context.Context, userID string) (WriteOutcome, error) {
	return c.Patch(ctx, KindUser, userID, StampStatus(c.cfg.Now()))
}

// SaveTestResult stores one attempt of testID by userID under a fresh
// composite key, which it returns.
func (c *Coordinator) SaveTestResult(ctx context.Context, userID, testID string, attempt M) (string, WriteOutcome, error) {
	if userID == "" || testID == "" {
		return "", WriteOutcome{}, errors.Wrap(ErrInvalidEntity, "test result needs a user id and a test id")
	}

	fields := attempt.Clone()
	if fields == nil {
		fields = M{}
	}
	fields[TestIDField] = testID

	key := NewTestResultKey(userID, testID, c.cfg.Now())
	out, err := c.Save(ctx, Entity{Kind: KindTestResult, Key: key, Fields: fields})
	return key, out, err
}

// SaveBulk merges every entry into the kind's collection on the fast backend
// in one call and writes each entry to the durable backend on its own.
// Durable writes are independent: one failing key does not stop the others
// and nothing is rolled back.
func (c *Coordinator) SaveBulk(ctx context.Context, kind Kind, updates map[string]M) (BulkOutcome, error) {
	m, err := mapperFor(kind)
	if err != nil {
		return BulkOutcome{}, err
	}

	collection, err := CollectionFor(kind)
	if err != nil {
		return BulkOutcome{}, errors.Wrap(ErrInvalidEntity, err.Error())
	}

	if len(updates) == 0 {
		return BulkOutcome{}, errors.Wrapf(ErrInvalidEntity, "empty bulk update for %s", kind)
	}

	paths := make(map[string]Path, len(updates))
	batch := make(M, len(updates))
	for key, fields := range updates {
		if err := m.validate(key, fields); err != nil {
			return BulkOutcome{}, err
		}

		p, err := m.path(key)
		if err != nil {
			return BulkOutcome{}, err
		}

		paths[key] = p
		batch[key] = fields.Clone()
	}

	out := BulkOutcome{Durable: make(map[string]BackendOutcome, len(updates))}

	out.Fast = c.fastCall(collection, OpMerge).run(ctx, func(ctx context.Context) error {
		return c.fast.Merge(ctx, collection, batch)
	})

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := semaphore.NewWeighted(int64(c.cfg.Limits.BulkConcurrency))

	for key, p := range paths {
		key, p := key, p
		v, _ := AsM(batch[key])

		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			out.Durable[key] = BackendOutcome{Backend: c.durable.Name(), Err: Unavailable(c.durable.Name(), err)}
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			res := c.durableCall(p, OpWrite).run(ctx, func(ctx context.Context) error {
				return c.durable.Write(ctx, p, v)
			})

			mu.Lock()
			out.Durable[key] = res
			mu.Unlock()
		}()
	}

	wg.Wait()

	if failed := out.FailedKeys(); len(failed) > 0 {
		c.cfg.Logger.Warn().
			Str("kind", kind.String()).
			Strs("keys", failed).
			Msg("bulk save diverged: durable writes failed")
	}

	return out, nil
}

// dual issues the fast call, then the durable call, and waits for both.
func (c *Coordinator) dual(ctx context.Context, p Path, op Op, fn func(ctx context.Context, b Backend) error) WriteOutcome {
	out := WriteOutcome{Path: p}

	var wg sync.WaitGroup
	wg.Add(2)

	issued := make(chan struct{})
	go func() {
		defer wg.Done()
		out.Fast = c.fastCall(p, op).run(ctx, func(ctx context.Context) error {
			close(issued)
			return fn(ctx, c.fast)
		})
	}()

	<-issued
	go func() {
		defer wg.Done()
		out.Durable = c.durableCall(p, op).run(ctx, func(ctx context.Context) error {
			return fn(ctx, c.durable)
		})
	}()

	wg.Wait()

	if out.Diverged() {
		c.cfg.Logger.Warn().
			Str("path", p.String()).
			Str("op", string(op)).
			Bool("fast_ok", out.Fast.OK()).
			Bool("durable_ok", out.Durable.OK()).
			Msg("dual write diverged")
	}

	return out
}

func (c *Coordinator) fastCall(p Path, op Op) call {
	return call{cfg: c.cfg, typ: EventWrite, op: op, backend: c.fast.Name(), path: p}
}

func (c *Coordinator) durableCall(p Path, op Op) call {
	return call{cfg: c.cfg, typ: EventWrite, op: op, backend: c.durable.Name(), path: p}
}
