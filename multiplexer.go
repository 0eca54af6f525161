package twinstore

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

type SubscriptionState int32

const (
	// StateSubscribed means fast snapshots are flowing.
	StateSubscribed SubscriptionState = iota
	// StateFallbackDelivered means the fast listener failed and the durable
	// snapshot is waiting to be received.
	StateFallbackDelivered
	// StateIdle is terminal after a failure: no more updates, channel closed.
	StateIdle
	// StateClosed is terminal after Close or context cancellation of a
	// subscription that had not gone idle.
	StateClosed
)

var stateNames = map[SubscriptionState]string{
	StateSubscribed:        "subscribed",
	StateFallbackDelivered: "fallback_delivered",
	StateIdle:              "idle",
	StateClosed:            "closed",
}

func (s SubscriptionState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Update is one normalized snapshot. A single-entity subscription carries at
// most one entity; a collection subscription carries the whole collection
// ordered by key.
type Update struct {
	Entities []Entity
	Source   Source
}

// Multiplexer turns fast-store watches into subscriptions that fall back to
// a single durable read when the live channel breaks.
type Multiplexer struct {
	fast    FastBackend
	durable DurableBackend
	cfg     *Config

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewMultiplexer(fast FastBackend, durable DurableBackend, cfgs ...*Config) (*Multiplexer, error) {
	cfg, err := resolveConfig(cfgs)
	if err != nil {
		return nil, err
	}

	return newMultiplexer(fast, durable, cfg), nil
}

func newMultiplexer(fast FastBackend, durable DurableBackend, cfg *Config) *Multiplexer {
	return &Multiplexer{
		fast:    fast,
		durable: durable,
		cfg:     cfg,
		subs:    make(map[*Subscription]struct{}),
	}
}

// SubscribeLive follows a single entity.
func (mx *Multiplexer) SubscribeLive(ctx context.Context, kind Kind, key string) (*Subscription, error) {
	p, err := PathFor(kind, key)
	if err != nil {
		return nil, err
	}

	return mx.subscribe(ctx, kind, key, p, false)
}

// SubscribeCollection follows every entity of a kind.
func (mx *Multiplexer) SubscribeCollection(ctx context.Context, kind Kind) (*Subscription, error) {
	p, err := CollectionFor(kind)
	if err != nil {
		return nil, err
	}

	return mx.subscribe(ctx, kind, "", p, true)
}

// Close releases every subscription still open.
func (mx *Multiplexer) Close() error {
	mx.mu.Lock()
	if mx.closed {
		mx.mu.Unlock()
		return nil
	}
	mx.closed = true

	subs := make([]*Subscription, 0, len(mx.subs))
	for s := range mx.subs {
		subs = append(subs, s)
	}
	mx.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}

	return nil
}

func (mx *Multiplexer) subscribe(ctx context.Context, kind Kind, key string, p Path, collection bool) (*Subscription, error) {
	sctx, cancel := context.WithCancel(ctx)

	s := &Subscription{
		mx:         mx,
		kind:       kind,
		key:        key,
		path:       p,
		collection: collection,
		ctx:        sctx,
		cancel:     cancel,
		updates:    make(chan Update),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	mx.mu.Lock()
	if mx.closed {
		mx.mu.Unlock()
		cancel()
		return nil, errors.Wrap(ErrClosed, "multiplexer")
	}
	mx.subs[s] = struct{}{}
	mx.mu.Unlock()

	go s.pump()

	var lsn Listener
	out := call{cfg: mx.cfg, typ: EventSubscribe, op: OpWatch, backend: mx.fast.Name(), path: p}.
		run(sctx, func(ctx context.Context) error {
			var err error
			lsn, err = mx.fast.Watch(sctx, p, s.onChange, s.onError)
			return err
		})

	if out.Err != nil {
		s.onError(out.Err)
	} else {
		s.attach(lsn)
	}

	go func() {
		select {
		case <-sctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()

	return s, nil
}

func (mx *Multiplexer) forget(s *Subscription) {
	mx.mu.Lock()
	delete(mx.subs, s)
	mx.mu.Unlock()
}

// Subscription is the caller's handle on a live feed. Updates holds at most
// one pending update: a newer snapshot replaces an undelivered older one.
type Subscription struct {
	mx         *Multiplexer
	kind       Kind
	key        string
	path       Path
	collection bool

	ctx    context.Context
	cancel context.CancelFunc

	updates chan Update
	notify  chan struct{}
	done    chan struct{}

	mu       sync.Mutex
	state    SubscriptionState
	err      error
	listener Listener
	pending  *Update
	finished bool
	closed   bool
}

func (s *Subscription) Updates() <-chan Update {
	return s.updates
}

func (s *Subscription) Path() Path {
	return s.path
}

func (s *Subscription) State() SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err is the fast listener failure that ended live delivery, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close detaches the fast listener and closes the update channel. It is safe
// to call more than once.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.state != StateIdle {
		s.state = StateClosed
	}
	lsn := s.listener
	s.listener = nil
	s.pending = nil
	s.mu.Unlock()

	close(s.done)
	s.cancel()
	s.mx.forget(s)

	if lsn != nil {
		return lsn.Close()
	}

	return nil
}

func (s *Subscription) attach(lsn Listener) {
	s.mu.Lock()
	if s.state == StateSubscribed && !s.closed {
		s.listener = lsn
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	// the listener failed or the caller closed us while Watch was returning
	_ = lsn.Close()
}

func (s *Subscription) onChange(snap Snapshot) {
	var u Update
	if s.collection {
		var v M
		if snap.Exists {
			v = snap.Value
		}
		u = Update{Entities: EntitiesFromCollection(s.kind, s.path, v), Source: SourceFast}
	} else {
		if !snap.Exists {
			return
		}
		u = Update{Entities: []Entity{{Kind: s.kind, Key: s.key, Fields: snap.Value}}, Source: SourceFast}
	}

	s.mu.Lock()
	if s.state != StateSubscribed {
		s.mu.Unlock()
		return
	}
	s.pending = &u
	s.mu.Unlock()

	s.wake()
}

func (s *Subscription) onError(err error) {
	s.mu.Lock()
	if s.state != StateSubscribed {
		s.mu.Unlock()
		return
	}
	s.state = StateFallbackDelivered
	s.err = Unavailable(s.mx.fast.Name(), err)
	s.pending = nil
	lsn := s.listener
	s.listener = nil
	s.mu.Unlock()

	s.mx.cfg.Sink.Report(s.ctx, Event{
		Type:    EventSubscriptionLost,
		Op:      OpWatch,
		Backend: s.mx.fast.Name(),
		Path:    s.path,
		Err:     s.err,
	})

	if lsn != nil {
		_ = lsn.Close()
	}

	go s.fallback()
}

// fallback reads the durable backend once and delivers what it finds.
func (s *Subscription) fallback() {
	u, found := s.readDurable()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if found {
		s.pending = &u
	} else {
		s.state = StateIdle
	}
	s.finished = true
	s.mu.Unlock()

	s.wake()
}

func (s *Subscription) readDurable() (Update, bool) {
	durable := s.mx.durable
	c := call{cfg: s.mx.cfg, typ: EventFallbackDelivery, op: OpRead, backend: durable.Name(), path: s.path}

	if s.collection {
		c.op = OpList
		var docs map[string]M
		out := c.run(s.ctx, func(ctx context.Context) error {
			var err error
			docs, err = durable.List(ctx, s.path)
			return err
		})
		if out.Err != nil || len(docs) == 0 {
			return Update{}, false
		}

		v := make(M, len(docs))
		for id, doc := range docs {
			v[id] = doc
		}

		return Update{Entities: EntitiesFromCollection(s.kind, s.path, v), Source: SourceDurable}, true
	}

	var v M
	out := c.run(s.ctx, func(ctx context.Context) error {
		var err error
		v, err = durable.Read(ctx, s.path)
		return err
	})
	if out.Err != nil {
		return Update{}, false
	}

	return Update{Entities: []Entity{{Kind: s.kind, Key: s.key, Fields: v}}, Source: SourceDurable}, true
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) take() (Update, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != nil {
		u := *s.pending
		s.pending = nil
		return u, true, false
	}

	return Update{}, false, s.finished
}

// pump moves the pending update to the channel and closes it once the
// subscription is over.
func (s *Subscription) pump() {
	defer close(s.updates)

	for {
		select {
		case <-s.notify:
		case <-s.done:
			return
		}

		for {
			u, ok, finished := s.take()
			if ok {
				select {
				case s.updates <- u:
				case <-s.done:
					return
				}
				continue
			}

			if finished {
				s.idle()
				return
			}

			break
		}
	}
}

func (s *Subscription) idle() {
	s.mu.Lock()
	if !s.closed {
		s.state = StateIdle
	}
	s.mu.Unlock()

	// releases the context watcher; Close keeps the idle state
	s.cancel()
}
