// Package redisstore keeps the path tree in Redis. Every top-level segment
// owns one hash whose fields are full leaf paths holding JSON scalars.
// Mutations run as optimistic transactions and announce the changed path on
// a per-root channel, which is what watchers subscribe to.
package redisstore

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/denismitr/twinstore"
	"github.com/denismitr/twinstore/internal/feed"
	"github.com/denismitr/twinstore/internal/leaves"
)

const (
	defaultName         = "redis"
	defaultPrefix       = "twinstore"
	defaultDialTimeout  = 3 * time.Second
	defaultMaxTxRetries = 8
	scanBatch           = 512
)

var ErrTxConflict = errors.New("too many concurrent writers on the same root")

type Config struct {
	Name         string
	Addr         string
	Password     string
	DB           int
	Prefix       string
	DialTimeout  time.Duration
	MaxTxRetries int
	Logger       *zerolog.Logger
}

func (cfg *Config) applyDefaults() {
	if cfg.Name == "" {
		cfg.Name = defaultName
	}

	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	if cfg.MaxTxRetries <= 0 {
		cfg.MaxTxRetries = defaultMaxTxRetries
	}

	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
}

type Store struct {
	cfg    Config
	client *redis.Client

	mu        sync.Mutex
	listeners map[*feed.Listener]*redis.PubSub
	closed    bool
}

var _ twinstore.FastBackend = (*Store)(nil)

// New connects to cfg.Addr and fails if the server does not answer a PING.
func New(cfg Config) (*Store, error) {
	cfg.applyDefaults()

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	if err := client.Ping().Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "could not reach redis at %s", cfg.Addr)
	}

	cfg.Logger.Debug().Str("addr", cfg.Addr).Str("prefix", cfg.Prefix).Msg("redis store connected")

	return &Store{
		cfg:       cfg,
		client:    client,
		listeners: make(map[*feed.Listener]*redis.PubSub),
	}, nil
}

func (s *Store) Name() string {
	return s.cfg.Name
}

func (s *Store) Read(ctx context.Context, p twinstore.Path) (twinstore.M, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	ls, err := s.scan(s.client.WithContext(ctx), p)
	if err != nil {
		return nil, twinstore.Unavailable(s.cfg.Name, err)
	}

	v, found := leaves.Assemble(p, ls)
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
	fresh, err := leaves.Flatten(p, v)
	if err != nil {
		return err
	}

	return s.mutate(ctx, p, func(existing []leaves.Leaf) ([]string, []leaves.Leaf) {
		doomed := fieldsOf(existing)
		if len(fresh) > 0 {
			doomed = append(doomed, ancestors(p)...)
		}
		return doomed, fresh
	})
}

// Merge replaces each child of p named in fields. A nil field removes the child.
func (s *Store) Merge(ctx context.Context, p twinstore.Path, fields twinstore.M) error {
	fresh, err := leaves.Flatten(p, fields)
	if err != nil {
		return err
	}

	return s.mutate(ctx, p, func(existing []leaves.Leaf) ([]string, []leaves.Leaf) {
		var doomed []string
		for _, l := range existing {
			for k := range fields {
				if p.Child(k).Contains(l.Path) {
					doomed = append(doomed, l.Path.String())
					break
				}
			}
		}

		if len(fresh) > 0 {
			doomed = append(doomed, p.String())
			doomed = append(doomed, ancestors(p)...)
		}

		return doomed, fresh
	})
}

func (s *Store) Remove(ctx context.Context, p twinstore.Path) error {
	return s.mutate(ctx, p, func(existing []leaves.Leaf) ([]string, []leaves.Leaf) {
		return fieldsOf(existing), nil
	})
}

// Watch subscribes to the root channel of p on a dedicated connection and
// delivers the current value once the subscription is confirmed.
func (s *Store) Watch(
	ctx context.Context,
	p twinstore.Path,
	onChange func(twinstore.Snapshot),
	onError func(error),
) (twinstore.Listener, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	ps := s.client.Subscribe(s.channel(p))
	if _, err := ps.Receive(); err != nil {
		_ = ps.Close()
		return nil, twinstore.Unavailable(s.cfg.Name, errors.Wrapf(err, "could not subscribe to %s", s.channel(p)))
	}

	var l *feed.Listener
	l = feed.New(ctx, p, onChange, onError, func() {
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()

		_ = ps.Close()
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = l.Close()
		return nil, twinstore.ErrClosed
	}
	s.listeners[l] = ps
	s.mu.Unlock()

	snap, err := s.snapshot(ctx, p)
	if err != nil {
		_ = l.Close()
		return nil, err
	}
	l.Post(snap)

	go s.receive(l, ps)

	s.cfg.Logger.Debug().Str("path", p.String()).Str("channel", s.channel(p)).Msg("redis watch")

	return l, nil
}

// Flush deletes every hash under the prefix. Listeners are not notified.
func (s *Store) Flush(ctx context.Context) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	c := s.client.WithContext(ctx)
	var cursor uint64
	for {
		keys, next, err := c.Scan(cursor, s.cfg.Prefix+":tree:*", scanBatch).Result()
		if err != nil {
			return twinstore.Unavailable(s.cfg.Name, err)
		}

		if len(keys) > 0 {
			if err := c.Del(keys...).Err(); err != nil {
				return twinstore.Unavailable(s.cfg.Name, err)
			}
		}

		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Close fails every open listener with twinstore.ErrClosed and drops the
// connection pool.
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

	return s.client.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return twinstore.ErrClosed
	}

	return nil
}

func (s *Store) receive(l *feed.Listener, ps *redis.PubSub) {
	for {
		msg, err := ps.ReceiveMessage()
		if err != nil {
			select {
			case <-l.Done():
			default:
				l.Fail(twinstore.Unavailable(s.cfg.Name, err))
			}
			return
		}

		if !l.Path().Related(twinstore.Path(msg.Payload)) {
			continue
		}

		snap, err := s.snapshot(context.Background(), l.Path())
		if err != nil {
			l.Fail(err)
			return
		}

		l.Post(snap)
	}
}

func (s *Store) snapshot(ctx context.Context, p twinstore.Path) (twinstore.Snapshot, error) {
	ls, err := s.scan(s.client.WithContext(ctx), p)
	if err != nil {
		return twinstore.Snapshot{}, twinstore.Unavailable(s.cfg.Name, err)
	}

	v, found := leaves.Assemble(p, ls)
	if !found {
		return twinstore.Snapshot{Path: p}, nil
	}

	obj, _ := v.(twinstore.M)
	return twinstore.Snapshot{Path: p, Value: obj, Exists: true}, nil
}

// mutate runs plan against the leaves currently at or below p inside a
// WATCH/MULTI/EXEC cycle, retrying when another writer touched the same root.
func (s *Store) mutate(
	ctx context.Context,
	p twinstore.Path,
	plan func(existing []leaves.Leaf) (doomed []string, fresh []leaves.Leaf),
) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	key := s.treeKey(p)
	c := s.client.WithContext(ctx)

	txf := func(tx *redis.Tx) error {
		existing, err := s.scan(tx, p)
		if err != nil {
			return err
		}

		doomed, fresh := plan(existing)
		if len(doomed) == 0 && len(fresh) == 0 {
			return nil
		}

		encoded := make(map[string]interface{}, len(fresh))
		for _, l := range fresh {
			b, err := json.Marshal(l.Value)
			if err != nil {
				return errors.Wrapf(err, "could not encode value at %s", l.Path)
			}
			encoded[l.Path.String()] = string(b)
		}

		_, err = tx.Pipelined(func(pipe redis.Pipeliner) error {
			if len(doomed) > 0 {
				pipe.HDel(key, doomed...)
			}

			if len(encoded) > 0 {
				pipe.HMSet(key, encoded)
			}

			pipe.Publish(s.channel(p), p.String())
			return nil
		})

		return err
	}

	for i := 0; i < s.cfg.MaxTxRetries; i++ {
		err := c.Watch(txf, key)
		if err == redis.TxFailedErr {
			s.cfg.Logger.Debug().Str("path", p.String()).Int("attempt", i+1).Msg("redis transaction conflict")
			continue
		}

		if err != nil {
			return twinstore.Unavailable(s.cfg.Name, err)
		}

		return nil
	}

	return twinstore.Unavailable(s.cfg.Name, errors.Wrapf(ErrTxConflict, "%s", p))
}

type hscanner interface {
	HScan(key string, cursor uint64, match string, count int64) *redis.ScanCmd
}

// scan collects the leaves at p and below it. The glob also matches siblings
// sharing p as a prefix, which Contains filters out.
func (s *Store) scan(c hscanner, p twinstore.Path) ([]leaves.Leaf, error) {
	var out []leaves.Leaf

	var cursor uint64
	for {
		kv, next, err := c.HScan(s.treeKey(p), cursor, escapeGlob(p.String())+"*", scanBatch).Result()
		if err != nil {
			return nil, err
		}

		for i := 0; i+1 < len(kv); i += 2 {
			lp := twinstore.Path(kv[i])
			if !p.Contains(lp) {
				continue
			}

			var v interface{}
			if err := json.Unmarshal([]byte(kv[i+1]), &v); err != nil {
				return nil, errors.Wrapf(err, "corrupt leaf at %s", lp)
			}

			out = append(out, leaves.Leaf{Path: lp, Value: twinstore.NormalizeValue(v)})
		}

		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

func (s *Store) treeKey(p twinstore.Path) string {
	return s.cfg.Prefix + ":tree:" + p.Root()
}

func (s *Store) channel(p twinstore.Path) string {
	return s.cfg.Prefix + ":changes:" + p.Root()
}

func fieldsOf(ls []leaves.Leaf) []string {
	out := make([]string, 0, len(ls))
	for _, l := range ls {
		out = append(out, l.Path.String())
	}
	return out
}

// ancestors are the paths whose scalar leaves would shadow a write below them.
func ancestors(p twinstore.Path) []string {
	var out []string
	for anc := p.Collection(); anc != ""; anc = anc.Collection() {
		out = append(out, anc.String())
	}
	return out
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}
