// Package feed delivers fast-store snapshots to watch callbacks. Each
// listener owns one goroutine and keeps only the newest undelivered
// snapshot, so a slow callback never blocks the writer that produced it.
package feed

import (
	"context"
	"reflect"
	"sync"

	"github.com/denismitr/twinstore"
)

type Listener struct {
	path     twinstore.Path
	onChange func(twinstore.Snapshot)
	onError  func(error)
	onClose  func()

	mu      sync.Mutex
	pending *twinstore.Snapshot
	last    *twinstore.Snapshot
	failure error
	failed  bool
	closed  bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New starts a listener for p. onClose runs once when the listener is closed,
// for whatever reason, and is where the owner unregisters it.
func New(ctx context.Context, p twinstore.Path, onChange func(twinstore.Snapshot), onError func(error), onClose func()) *Listener {
	l := &Listener{
		path:     p,
		onChange: onChange,
		onError:  onError,
		onClose:  onClose,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	go l.run(ctx)

	return l
}

func (l *Listener) Path() twinstore.Path {
	return l.path
}

// Post queues s unless it equals the last snapshot queued.
func (l *Listener) Post(s twinstore.Snapshot) {
	l.mu.Lock()
	if l.closed || l.failed {
		l.mu.Unlock()
		return
	}

	if l.last != nil && sameSnapshot(*l.last, s) {
		l.mu.Unlock()
		return
	}

	l.pending = &s
	l.last = &s
	l.mu.Unlock()

	l.signal()
}

// Fail ends the listener with err. Undelivered snapshots are dropped, onError
// runs once and the listener closes itself.
func (l *Listener) Fail(err error) {
	l.mu.Lock()
	if l.closed || l.failed {
		l.mu.Unlock()
		return
	}

	l.failed = true
	l.failure = err
	l.pending = nil
	l.mu.Unlock()

	l.signal()
}

func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.pending = nil
		l.mu.Unlock()

		close(l.done)

		if l.onClose != nil {
			l.onClose()
		}
	})

	return nil
}

func (l *Listener) Done() <-chan struct{} {
	return l.done
}

func (l *Listener) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Listener) run(ctx context.Context) {
	for {
		select {
		case <-l.done:
			return
		case <-ctx.Done():
			_ = l.Close()
			return
		case <-l.wake:
		}

		l.mu.Lock()
		s := l.pending
		l.pending = nil
		failed, err := l.failed, l.failure
		l.mu.Unlock()

		if s != nil {
			delivered := *s
			delivered.Value = s.Value.Clone()
			l.onChange(delivered)
		}

		if failed {
			if l.onError != nil {
				l.onError(err)
			}
			_ = l.Close()
			return
		}
	}
}

func sameSnapshot(a, b twinstore.Snapshot) bool {
	return a.Exists == b.Exists && reflect.DeepEqual(a.Value, b.Value)
}
