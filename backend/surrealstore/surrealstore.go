// Package surrealstore keeps durable documents in SurrealDB over its
// websocket RPC. Every document is one record of a single table, with the
// full path as record id and the fields nested under doc.
package surrealstore

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	surrealdb "github.com/surrealdb/surrealdb.go"

	"github.com/denismitr/twinstore"
	"github.com/denismitr/twinstore/internal/match"
)

const (
	defaultName      = "surreal"
	defaultTable     = "twin_documents"
	defaultNamespace = "twinstore"
	defaultDatabase  = "twinstore"
)

const (
	readQuery   = "SELECT doc FROM type::thing($tb, $id);"
	writeQuery  = "UPDATE type::thing($tb, $id) CONTENT { collection: $collection, key: $key, doc: $doc };"
	removeQuery = "DELETE type::thing($tb, $id);"
	listQuery   = "SELECT key, doc FROM type::table($tb) WHERE collection = $collection;"
)

var ErrQueryFailed = errors.New("surreal query failed")

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Config struct {
	Name      string
	URL       string
	Namespace string
	Database  string
	User      string
	Password  string
	Table     string
	Logger    *zerolog.Logger
}

func (cfg *Config) applyDefaults() {
	if cfg.Name == "" {
		cfg.Name = defaultName
	}

	if cfg.Namespace == "" {
		cfg.Namespace = defaultNamespace
	}

	if cfg.Database == "" {
		cfg.Database = defaultDatabase
	}

	if cfg.Table == "" {
		cfg.Table = defaultTable
	}

	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
}

// queryFunc runs SurrealQL with bound variables and returns the raw RPC
// result: one entry per statement.
type queryFunc func(sql string, vars map[string]interface{}) (interface{}, error)

type Store struct {
	cfg   Config
	query queryFunc
	close func()

	mu     sync.RWMutex
	closed bool
}

var _ twinstore.DurableBackend = (*Store)(nil)

// New dials cfg.URL, signs in when credentials are set and selects the
// namespace and database.
func New(cfg Config) (*Store, error) {
	cfg.applyDefaults()

	db, err := surrealdb.New(cfg.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "could not connect to surreal at %s", cfg.URL)
	}

	if cfg.User != "" {
		if _, err := db.Signin(map[string]interface{}{
			"user": cfg.User,
			"pass": cfg.Password,
		}); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "could not sign in to surreal")
		}
	}

	if _, err := db.Use(cfg.Namespace, cfg.Database); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "could not use %s/%s", cfg.Namespace, cfg.Database)
	}

	cfg.Logger.Debug().
		Str("url", cfg.URL).
		Str("ns", cfg.Namespace).
		Str("db", cfg.Database).
		Msg("surreal store connected")

	return newStore(cfg, func(sql string, vars map[string]interface{}) (interface{}, error) {
		return db.Query(sql, vars)
	}, func() { db.Close() }), nil
}

func newStore(cfg Config, q queryFunc, closeFn func()) *Store {
	cfg.applyDefaults()
	return &Store{cfg: cfg, query: q, close: closeFn}
}

func (s *Store) Name() string {
	return s.cfg.Name
}

func (s *Store) Read(ctx context.Context, p twinstore.Path) (twinstore.M, error) {
	var rows []struct {
		Doc json.RawMessage `json:"doc"`
	}
	if err := s.run(ctx, readQuery, s.vars(p, nil), &rows); err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return nil, errors.Wrapf(twinstore.ErrNotFound, "no document at %s", p)
	}

	return decode(p, rows[0].Doc)
}

func (s *Store) Write(ctx context.Context, p twinstore.Path, v twinstore.M) error {
	doc := v.Clone()
	if doc == nil {
		doc = twinstore.M{}
	}

	vars := s.vars(p, map[string]interface{}{"doc": map[string]interface{}(doc)})
	return s.run(ctx, writeQuery, vars, nil)
}

// Merge sets each top-level field in one UPDATE. A nil field becomes NONE,
// which removes it from the record.
func (s *Store) Merge(ctx context.Context, p twinstore.Path, fields twinstore.M) error {
	sql, vars, err := s.mergeStatement(p, fields)
	if err != nil {
		return err
	}

	return s.run(ctx, sql, vars, nil)
}

func (s *Store) mergeStatement(p twinstore.Path, fields twinstore.M) (string, map[string]interface{}, error) {
	extra := make(map[string]interface{}, len(fields))
	assignments := []string{"collection = $collection", "key = $key"}

	keys := fields.Keys()
	if len(keys) == 0 {
		// keep the record present even when nothing changes
		assignments = append(assignments, "doc = doc ?? {}")
	}

	for i, k := range keys {
		if !identifier.MatchString(k) {
			return "", nil, errors.Wrapf(twinstore.ErrInvalidEntity, "field %q cannot be merged into %s", k, p)
		}

		v := fields[k]
		if v == nil {
			assignments = append(assignments, fmt.Sprintf("doc.%s = NONE", k))
			continue
		}

		name := fmt.Sprintf("f%d", i)
		extra[name] = twinstore.NormalizeValue(v)
		assignments = append(assignments, fmt.Sprintf("doc.%s = $%s", k, name))
	}

	sql := "UPDATE type::thing($tb, $id) SET " + strings.Join(assignments, ", ") + ";"
	return sql, s.vars(p, extra), nil
}

func (s *Store) Remove(ctx context.Context, p twinstore.Path) error {
	return s.run(ctx, removeQuery, s.vars(p, nil), nil)
}

// FindOne filters in SurrealQL when field is a plain dotted identifier and
// confirms candidates with the shared predicate. The first match in path
// order wins.
func (s *Store) FindOne(ctx context.Context, collection twinstore.Path, field string, value interface{}) (twinstore.Path, twinstore.M, error) {
	sql, vars := s.findStatement(collection, field, value)

	var rows []listRow
	if err := s.run(ctx, sql, vars, &rows); err != nil {
		return "", nil, err
	}

	var foundPath twinstore.Path
	var found twinstore.M
	for _, row := range rows {
		p := collection.Child(row.Key)
		doc, err := decode(p, row.Doc)
		if err != nil {
			return "", nil, err
		}

		got, ok := match.Lookup(doc, field)
		if !ok || !match.Equal(got, value) {
			continue
		}

		if foundPath == "" || p.Less(foundPath) {
			foundPath, found = p, doc
		}
	}

	if foundPath == "" {
		return "", nil, errors.Wrapf(twinstore.ErrNotFound, "no document in %s with %s = %v", collection, field, value)
	}

	return foundPath, found, nil
}

func (s *Store) findStatement(collection twinstore.Path, field string, value interface{}) (string, map[string]interface{}) {
	vars := map[string]interface{}{"tb": s.cfg.Table, "collection": string(collection)}

	for _, seg := range strings.Split(field, ".") {
		if !identifier.MatchString(seg) {
			return listQuery, vars
		}
	}

	vars["value"] = value
	return "SELECT key, doc FROM type::table($tb) WHERE collection = $collection AND doc." + field + " = $value;", vars
}

func (s *Store) List(ctx context.Context, collection twinstore.Path) (map[string]twinstore.M, error) {
	vars := map[string]interface{}{"tb": s.cfg.Table, "collection": string(collection)}

	var rows []listRow
	if err := s.run(ctx, listQuery, vars, &rows); err != nil {
		return nil, err
	}

	docs := make(map[string]twinstore.M, len(rows))
	for _, row := range rows {
		doc, err := decode(collection.Child(row.Key), row.Doc)
		if err != nil {
			return nil, err
		}
		docs[row.Key] = doc
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

	if s.close != nil {
		s.close()
	}

	return nil
}

type listRow struct {
	Key string          `json:"key"`
	Doc json.RawMessage `json:"doc"`
}

// statementResult is the envelope SurrealDB returns for each statement.
type statementResult struct {
	Status string          `json:"status"`
	Detail string          `json:"detail"`
	Result json.RawMessage `json:"result"`
}

// run executes sql and decodes the last statement's result into dest.
// The RPC itself has no cancellation, so ctx only gates the call.
func (s *Store) run(ctx context.Context, sql string, vars map[string]interface{}, dest interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return twinstore.ErrClosed
	}

	raw, err := s.query(sql, vars)
	if err != nil {
		return twinstore.Unavailable(s.cfg.Name, err)
	}

	results, err := statements(raw)
	if err != nil {
		return twinstore.Unavailable(s.cfg.Name, err)
	}

	for _, r := range results {
		if !strings.EqualFold(r.Status, "OK") {
			detail := r.Detail
			if detail == "" {
				detail = string(r.Result)
			}
			s.cfg.Logger.Warn().Str("status", r.Status).Str("detail", detail).Msg("surreal statement failed")
			return twinstore.Unavailable(s.cfg.Name, errors.Wrap(ErrQueryFailed, detail))
		}
	}

	if dest == nil || len(results) == 0 {
		return nil
	}

	last := results[len(results)-1].Result
	if len(last) == 0 || string(last) == "null" {
		return nil
	}

	if err := json.Unmarshal(last, dest); err != nil {
		return twinstore.Unavailable(s.cfg.Name, errors.Wrap(err, "unexpected surreal result shape"))
	}

	return nil
}

func (s *Store) vars(p twinstore.Path, extra map[string]interface{}) map[string]interface{} {
	vars := map[string]interface{}{
		"tb":         s.cfg.Table,
		"id":         string(p),
		"collection": string(p.Collection()),
		"key":        p.ID(),
	}

	for k, v := range extra {
		vars[k] = v
	}

	return vars
}

// statements normalizes the RPC payload, which arrives as generic decoded
// JSON, into per-statement envelopes.
func statements(raw interface{}) ([]statementResult, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, errors.Wrap(err, "could not re-encode surreal response")
	}

	var results []statementResult
	if err := json.Unmarshal(b, &results); err != nil {
		return nil, errors.Wrap(err, "unexpected surreal response shape")
	}

	return results, nil
}

func decode(p twinstore.Path, raw json.RawMessage) (twinstore.M, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return twinstore.M{}, nil
	}

	doc, err := twinstore.DecodeM(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "corrupt document at %s", p)
	}

	if doc == nil {
		doc = twinstore.M{}
	}

	return doc, nil
}
