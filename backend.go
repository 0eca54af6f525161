package twinstore

import "context"

// Backend is the uniform contract over one physical store.
//
// Read returns ErrNotFound when nothing is stored at the path. Every other
// failure is wrapped with ErrBackendUnavailable. Remove of an absent path is
// not an error.
type Backend interface {
	Name() string
	Read(ctx context.Context, p Path) (M, error)
	Write(ctx context.Context, p Path, v M) error
	// Merge overwrites only the top-level fields present in fields.
	Merge(ctx context.Context, p Path, fields M) error
	Remove(ctx context.Context, p Path) error
	Close() error
}

// Snapshot is the entire current value at a watched path.
type Snapshot struct {
	Path   Path
	Value  M
	Exists bool
}

// Listener is the live channel opened by Watch. Close is idempotent.
type Listener interface {
	Close() error
}

// FastBackend is a path-addressable tree with live change notification.
//
// The tree holds only scalar leaves: nulls and empty objects written to it
// leave nothing behind, and object keys must be valid path segments. Entities
// are checked for both before they reach a backend.
//
// Watch delivers the current value once the listener is registered and then
// again after every change at p, above it or below it. onError is called at
// most once; no onChange follows it on the same listener.
type FastBackend interface {
	Backend
	Watch(ctx context.Context, p Path, onChange func(Snapshot), onError func(error)) (Listener, error)
}

// DurableBackend is a document store with equality lookups. Documents live
// at collection/id; collection is p.Collection() and id is p.ID().
type DurableBackend interface {
	Backend
	// FindOne returns the first document in collection whose field equals value.
	FindOne(ctx context.Context, collection Path, field string, value interface{}) (Path, M, error)
	// List returns every document directly inside collection keyed by id.
	List(ctx context.Context, collection Path) (map[string]M, error)
}
