// Package present shapes store results for JSON output, shared by the CLI
// and the HTTP API.
package present

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/denismitr/twinstore"
)

type Entity struct {
	Kind   twinstore.Kind   `json:"kind"`
	Key    string           `json:"key"`
	Fields twinstore.M      `json:"fields"`
	Source twinstore.Source `json:"source,omitempty"`
}

func NewEntity(e *twinstore.Entity, src twinstore.Source) Entity {
	fields := e.Fields
	if fields == nil {
		fields = twinstore.M{}
	}
	return Entity{Kind: e.Kind, Key: e.Key, Fields: fields, Source: src}
}

type Backend struct {
	Backend   string  `json:"backend"`
	OK        bool    `json:"ok"`
	Error     string  `json:"error,omitempty"`
	ElapsedMS float64 `json:"elapsed_ms"`
}

func NewBackend(o twinstore.BackendOutcome) Backend {
	b := Backend{
		Backend:   o.Backend,
		OK:        o.OK(),
		ElapsedMS: float64(o.Elapsed) / float64(time.Millisecond),
	}
	if o.Err != nil {
		b.Error = o.Err.Error()
	}
	return b
}

type Write struct {
	Path     string  `json:"path"`
	Key      string  `json:"key,omitempty"`
	OK       bool    `json:"ok"`
	Diverged bool    `json:"diverged"`
	Fast     Backend `json:"fast"`
	Durable  Backend `json:"durable"`
}

func NewWrite(o twinstore.WriteOutcome) Write {
	return Write{
		Path:     o.Path.String(),
		OK:       o.OK(),
		Diverged: o.Diverged(),
		Fast:     NewBackend(o.Fast),
		Durable:  NewBackend(o.Durable),
	}
}

type Bulk struct {
	OK         bool               `json:"ok"`
	Fast       Backend            `json:"fast"`
	Durable    map[string]Backend `json:"durable"`
	FailedKeys []string           `json:"failed_keys,omitempty"`
}

func NewBulk(o twinstore.BulkOutcome) Bulk {
	durable := make(map[string]Backend, len(o.Durable))
	for k, d := range o.Durable {
		durable[k] = NewBackend(d)
	}

	failed := o.FailedKeys()
	sort.Strings(failed)

	return Bulk{OK: o.OK(), Fast: NewBackend(o.Fast), Durable: durable, FailedKeys: failed}
}

type Update struct {
	Source   twinstore.Source `json:"source"`
	Entities []Entity         `json:"entities"`
}

func NewUpdate(u twinstore.Update) Update {
	entities := make([]Entity, 0, len(u.Entities))
	for i := range u.Entities {
		entities = append(entities, NewEntity(&u.Entities[i], ""))
	}
	return Update{Source: u.Source, Entities: entities}
}

// ParseValue reads a lookup value typed on a command line or in a query
// string. JSON literals keep their type; anything else is a plain string.
func ParseValue(raw string) interface{} {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return raw
	}

	var v interface{}
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return raw
	}

	switch v.(type) {
	case map[string]interface{}, []interface{}:
		return raw
	}

	return v
}
