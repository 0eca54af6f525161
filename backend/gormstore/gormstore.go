// Package gormstore keeps durable documents in one SQL table through GORM.
// Each row is a document addressed by (collection, id) with its JSON body in
// a text column. Postgres is the production target; SQLite serves local runs
// and tests.
package gormstore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/denismitr/twinstore"
	"github.com/denismitr/twinstore/internal/match"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const (
	defaultName          = "sql"
	defaultTable         = "twin_documents"
	defaultMaxOpenConns  = 16
	defaultMaxIdleConns  = 4
	defaultConnLifetime  = 30 * time.Minute
	defaultSlowThreshold = 200 * time.Millisecond
)

var ErrUnknownDriver = errors.New("unknown sql driver")

type Config struct {
	Name            string
	Driver          string
	DSN             string
	Table           string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	SlowThreshold   time.Duration
	// SkipMigrate leaves the table to be created by other means.
	SkipMigrate bool
	Logger      *zerolog.Logger
}

func (cfg *Config) applyDefaults() {
	if cfg.Name == "" {
		cfg.Name = defaultName
	}

	if cfg.Driver == "" {
		cfg.Driver = DriverPostgres
	}

	if cfg.Table == "" {
		cfg.Table = defaultTable
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = defaultMaxOpenConns
	}

	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = defaultMaxIdleConns
	}

	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaultConnLifetime
	}

	if cfg.SlowThreshold == 0 {
		cfg.SlowThreshold = defaultSlowThreshold
	}

	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
}

// document is one row. Body is the JSON encoding of the document fields.
type document struct {
	Collection string `gorm:"primaryKey;size:512"`
	ID         string `gorm:"primaryKey;size:255"`
	Body       string `gorm:"type:text;not null"`
	UpdatedAt  time.Time
}

type Store struct {
	cfg Config
	db  *gorm.DB
}

var _ twinstore.DurableBackend = (*Store)(nil)

// New connects with the dialector cfg.Driver names and migrates the table.
func New(cfg Config) (*Store, error) {
	cfg.applyDefaults()

	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	case DriverSQLite:
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, errors.Wrapf(ErrUnknownDriver, "%q", cfg.Driver)
	}

	return Open(dialector, cfg)
}

// Open works over any GORM dialector.
func Open(dialector gorm.Dialector, cfg Config) (*Store, error) {
	cfg.applyDefaults()

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:      newGormLogger(cfg.Logger, cfg.SlowThreshold),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "could not connect to %s", cfg.Driver)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "could not reach the connection pool")
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	s := &Store{cfg: cfg, db: db}

	if !cfg.SkipMigrate {
		if err := s.Migrate(context.Background()); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}

	cfg.Logger.Debug().Str("driver", db.Dialector.Name()).Str("table", cfg.Table).Msg("sql store opened")

	return s, nil
}

// Migrate creates the document table if it is missing.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.table(ctx).AutoMigrate(&document{}); err != nil {
		return errors.Wrapf(err, "could not migrate %s", s.cfg.Table)
	}
	return nil
}

func (s *Store) Name() string {
	return s.cfg.Name
}

func (s *Store) Read(ctx context.Context, p twinstore.Path) (twinstore.M, error) {
	var rows []document
	res := s.table(ctx).
		Where("collection = ? AND id = ?", string(p.Collection()), p.ID()).
		Limit(1).
		Find(&rows)
	if res.Error != nil {
		return nil, s.wrap(res.Error)
	}

	if len(rows) == 0 {
		return nil, errors.Wrapf(twinstore.ErrNotFound, "no document at %s", p)
	}

	return decode(p, rows[0].Body)
}

func (s *Store) Write(ctx context.Context, p twinstore.Path, v twinstore.M) error {
	body, err := encode(p, v)
	if err != nil {
		return err
	}

	return s.wrap(s.upsert(s.table(ctx), p, body))
}

// Merge overwrites the top-level fields present in fields inside one
// transaction. A nil field removes it from the document.
func (s *Store) Merge(ctx context.Context, p twinstore.Path, fields twinstore.M) error {
	return s.wrap(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Table(s.cfg.Table)
		if tx.Dialector.Name() == DriverPostgres {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var rows []document
		if err := q.
			Where("collection = ? AND id = ?", string(p.Collection()), p.ID()).
			Limit(1).
			Find(&rows).Error; err != nil {
			return err
		}

		var doc twinstore.M
		if len(rows) > 0 {
			var err error
			if doc, err = decode(p, rows[0].Body); err != nil {
				return err
			}
		}

		merged := doc.MergeShallow(fields)
		for k, v := range fields {
			if v == nil {
				delete(merged, k)
			}
		}

		body, err := encode(p, merged)
		if err != nil {
			return err
		}

		return s.upsert(tx.Table(s.cfg.Table), p, body)
	}))
}

func (s *Store) Remove(ctx context.Context, p twinstore.Path) error {
	return s.wrap(s.table(ctx).
		Where("collection = ? AND id = ?", string(p.Collection()), p.ID()).
		Delete(&document{}).Error)
}

// FindOne pushes string equality down to the database where the dialect can
// extract JSON fields, then confirms every candidate with the same predicate
// the other backends use. The first match in path order wins.
func (s *Store) FindOne(ctx context.Context, collection twinstore.Path, field string, value interface{}) (twinstore.Path, twinstore.M, error) {
	q := s.table(ctx).Where("collection = ?", string(collection))
	if str, ok := value.(string); ok {
		q = s.pushDown(q, field, str)
	}

	var rows []document
	if err := q.Find(&rows).Error; err != nil {
		return "", nil, s.wrap(err)
	}

	var candidates []twinstore.Path
	bodies := make(map[twinstore.Path]string)
	for _, row := range rows {
		if match.Bytes([]byte(row.Body), field, value) {
			p := collection.Child(row.ID)
			candidates = append(candidates, p)
			bodies[p] = row.Body
		}
	}

	if len(candidates) == 0 {
		return "", nil, errors.Wrapf(twinstore.ErrNotFound, "no document in %s with %s = %v", collection, field, value)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Less(candidates[j]) })
	first := candidates[0]

	doc, err := decode(first, bodies[first])
	if err != nil {
		return "", nil, err
	}

	return first, doc, nil
}

func (s *Store) List(ctx context.Context, collection twinstore.Path) (map[string]twinstore.M, error) {
	var rows []document
	if err := s.table(ctx).Where("collection = ?", string(collection)).Find(&rows).Error; err != nil {
		return nil, s.wrap(err)
	}

	docs := make(map[string]twinstore.M, len(rows))
	for _, row := range rows {
		doc, err := decode(collection.Child(row.ID), row.Body)
		if err != nil {
			return nil, err
		}
		docs[row.ID] = doc
	}

	return docs, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) table(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.cfg.Table)
}

func (s *Store) upsert(q *gorm.DB, p twinstore.Path, body string) error {
	return q.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"body", "updated_at"}),
	}).Create(&document{
		Collection: string(p.Collection()),
		ID:         p.ID(),
		Body:       body,
	}).Error
}

func (s *Store) pushDown(q *gorm.DB, field, value string) *gorm.DB {
	segs := strings.Split(field, ".")

	switch s.db.Dialector.Name() {
	case DriverPostgres:
		return q.Where("(body::jsonb #>> ?) = ?", "{"+strings.Join(segs, ",")+"}", value)
	case DriverSQLite:
		return q.Where("json_extract(body, ?) = ?", "$."+strings.Join(quoteSQLiteKeys(segs), "."), value)
	}

	return q
}

func quoteSQLiteKeys(segs []string) []string {
	out := make([]string, len(segs))
	for i, seg := range segs {
		out[i] = `"` + strings.ReplaceAll(seg, `"`, `""`) + `"`
	}
	return out
}

func (s *Store) wrap(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, twinstore.ErrInvalidEntity),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return twinstore.Unavailable(s.cfg.Name, err)
}

func encode(p twinstore.Path, v twinstore.M) (string, error) {
	if v == nil {
		v = twinstore.M{}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrapf(twinstore.ErrInvalidEntity, "document at %s cannot be encoded: %s", p, err.Error())
	}

	return string(b), nil
}

func decode(p twinstore.Path, body string) (twinstore.M, error) {
	doc, err := twinstore.DecodeM([]byte(body))
	if err != nil {
		return nil, errors.Wrapf(err, "corrupt document at %s", p)
	}

	if doc == nil {
		doc = twinstore.M{}
	}

	return doc, nil
}
