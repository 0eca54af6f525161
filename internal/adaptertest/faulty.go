package adaptertest

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/denismitr/twinstore"
)

var ErrInjected = errors.New("injected failure")

// Faulty counts calls per operation and fails the ones it is told to.
type Faulty struct {
	inner twinstore.Backend

	mu    sync.Mutex
	calls map[twinstore.Op]int
	fail  map[twinstore.Op]error
	// failPaths fails writes to single paths, for per-key bulk failures.
	failPaths map[twinstore.Path]error
}

func (f *Faulty) init(inner twinstore.Backend) {
	f.inner = inner
	f.calls = make(map[twinstore.Op]int)
	f.fail = make(map[twinstore.Op]error)
	f.failPaths = make(map[twinstore.Path]error)
}

// FailOn makes every call of op fail with err, ErrInjected when err is nil.
func (f *Faulty) FailOn(op twinstore.Op, err error) {
	if err == nil {
		err = ErrInjected
	}

	f.mu.Lock()
	f.fail[op] = err
	f.mu.Unlock()
}

// FailAll makes every operation fail.
func (f *Faulty) FailAll(err error) {
	for _, op := range []twinstore.Op{
		twinstore.OpRead, twinstore.OpWrite, twinstore.OpMerge, twinstore.OpRemove,
		twinstore.OpWatch, twinstore.OpFindOne, twinstore.OpList,
	} {
		f.FailOn(op, err)
	}
}

// FailPath makes writes, merges and removes of exactly p fail.
func (f *Faulty) FailPath(p twinstore.Path, err error) {
	if err == nil {
		err = ErrInjected
	}

	f.mu.Lock()
	f.failPaths[p] = err
	f.mu.Unlock()
}

func (f *Faulty) Heal() {
	f.mu.Lock()
	f.fail = make(map[twinstore.Op]error)
	f.failPaths = make(map[twinstore.Path]error)
	f.mu.Unlock()
}

func (f *Faulty) Calls(op twinstore.Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Faulty) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	var n int
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *Faulty) ResetCalls() {
	f.mu.Lock()
	f.calls = make(map[twinstore.Op]int)
	f.mu.Unlock()
}

func (f *Faulty) enter(op twinstore.Op, p twinstore.Path) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[op]++

	if err, ok := f.fail[op]; ok {
		return err
	}

	if op == twinstore.OpWrite || op == twinstore.OpMerge || op == twinstore.OpRemove {
		if err, ok := f.failPaths[p]; ok {
			return err
		}
	}

	return nil
}

func (f *Faulty) Name() string {
	return f.inner.Name()
}

func (f *Faulty) Read(ctx context.Context, p twinstore.Path) (twinstore.M, error) {
	if err := f.enter(twinstore.OpRead, p); err != nil {
		return nil, err
	}
	return f.inner.Read(ctx, p)
}

func (f *Faulty) Write(ctx context.Context, p twinstore.Path, v twinstore.M) error {
	if err := f.enter(twinstore.OpWrite, p); err != nil {
		return err
	}
	return f.inner.Write(ctx, p, v)
}

func (f *Faulty) Merge(ctx context.Context, p twinstore.Path, fields twinstore.M) error {
	if err := f.enter(twinstore.OpMerge, p); err != nil {
		return err
	}
	return f.inner.Merge(ctx, p, fields)
}

func (f *Faulty) Remove(ctx context.Context, p twinstore.Path) error {
	if err := f.enter(twinstore.OpRemove, p); err != nil {
		return err
	}
	return f.inner.Remove(ctx, p)
}

func (f *Faulty) Close() error {
	return f.inner.Close()
}

// FaultyFast wraps a fast backend and can break its live listeners.
type FaultyFast struct {
	Faulty
	fast twinstore.FastBackend

	lmu       sync.Mutex
	listeners []*brokenListener
}

var _ twinstore.FastBackend = (*FaultyFast)(nil)

func NewFaultyFast(fast twinstore.FastBackend) *FaultyFast {
	f := &FaultyFast{fast: fast}
	f.init(fast)
	return f
}

func (f *FaultyFast) Watch(
	ctx context.Context,
	p twinstore.Path,
	onChange func(twinstore.Snapshot),
	onError func(error),
) (twinstore.Listener, error) {
	if err := f.enter(twinstore.OpWatch, p); err != nil {
		return nil, err
	}

	bl := &brokenListener{onChange: onChange, onError: onError}
	inner, err := f.fast.Watch(ctx, p, bl.change, bl.error)
	if err != nil {
		return nil, err
	}
	bl.setInner(inner)

	f.lmu.Lock()
	f.listeners = append(f.listeners, bl)
	f.lmu.Unlock()

	return bl, nil
}

// BreakListeners fails every open listener with err as if the live channel
// had dropped.
func (f *FaultyFast) BreakListeners(err error) {
	if err == nil {
		err = ErrInjected
	}

	f.lmu.Lock()
	listeners := f.listeners
	f.listeners = nil
	f.lmu.Unlock()

	for _, bl := range listeners {
		bl.error(err)
	}
}

type brokenListener struct {
	mu       sync.Mutex
	inner    twinstore.Listener
	onChange func(twinstore.Snapshot)
	onError  func(error)
	failed   bool
	closed   bool
}

func (bl *brokenListener) setInner(l twinstore.Listener) {
	bl.mu.Lock()
	bl.inner = l
	bl.mu.Unlock()
}

func (bl *brokenListener) change(s twinstore.Snapshot) {
	bl.mu.Lock()
	stopped := bl.failed || bl.closed
	bl.mu.Unlock()

	if !stopped {
		bl.onChange(s)
	}
}

func (bl *brokenListener) error(err error) {
	bl.mu.Lock()
	if bl.failed || bl.closed {
		bl.mu.Unlock()
		return
	}
	bl.failed = true
	inner := bl.inner
	bl.mu.Unlock()

	if inner != nil {
		_ = inner.Close()
	}

	bl.onError(err)
}

func (bl *brokenListener) Close() error {
	bl.mu.Lock()
	bl.closed = true
	inner := bl.inner
	bl.mu.Unlock()

	if inner != nil {
		return inner.Close()
	}
	return nil
}

// FaultyDurable wraps a durable backend.
type FaultyDurable struct {
	Faulty
	durable twinstore.DurableBackend
}

var _ twinstore.DurableBackend = (*FaultyDurable)(nil)

func NewFaultyDurable(durable twinstore.DurableBackend) *FaultyDurable {
	f := &FaultyDurable{durable: durable}
	f.init(durable)
	return f
}

func (f *FaultyDurable) FindOne(ctx context.Context, collection twinstore.Path, field string, value interface{}) (twinstore.Path, twinstore.M, error) {
	if err := f.enter(twinstore.OpFindOne, collection); err != nil {
		return "", nil, err
	}
	return f.durable.FindOne(ctx, collection, field, value)
}

func (f *FaultyDurable) List(ctx context.Context, collection twinstore.Path) (map[string]twinstore.M, error) {
	if err := f.enter(twinstore.OpList, collection); err != nil {
		return nil, err
	}
	return f.durable.List(ctx, collection)
}
