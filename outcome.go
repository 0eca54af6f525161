package twinstore

import (
	"context"
	"time"
)

// BackendOutcome is what one backend did with one write.
type BackendOutcome struct {
	Backend string
	Err     error
	// Started is when the call was issued to the backend.
	Started time.Time
	Elapsed time.Duration
}

func (o BackendOutcome) OK() bool {
	return o.Err == nil
}

// WriteOutcome carries both backends' results of a dual write. Save never
// fails on a single backend; this is where such a failure shows up.
type WriteOutcome struct {
	Path    Path
	Fast    BackendOutcome
	Durable BackendOutcome
}

func (o WriteOutcome) OK() bool {
	return o.Fast.OK() && o.Durable.OK()
}

// Diverged reports that exactly one backend took the write.
func (o WriteOutcome) Diverged() bool {
	return o.Fast.OK() != o.Durable.OK()
}

// BulkOutcome has one fast result for the whole batch and one durable result per key.
type BulkOutcome struct {
	Fast    BackendOutcome
	Durable map[string]BackendOutcome
}

func (o BulkOutcome) OK() bool {
	if !o.Fast.OK() {
		return false
	}

	for _, d := range o.Durable {
		if !d.OK() {
			return false
		}
	}

	return true
}

// FailedKeys lists keys whose durable write failed.
func (o BulkOutcome) FailedKeys() []string {
	var keys []string
	for k, d := range o.Durable {
		if !d.OK() {
			keys = append(keys, k)
		}
	}
	return keys
}

// call runs one adapter operation under the configured deadline and reports
// it to the sink.
type call struct {
	cfg     *Config
	typ     EventType
	op      Op
	backend string
	path    Path
}

func (c call) run(ctx context.Context, fn func(ctx context.Context) error) BackendOutcome {
	if c.cfg.Limits.OpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Limits.OpTimeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(ctx)
	if err != nil && !IsNotFound(err) {
		err = Unavailable(c.backend, err)
	}

	out := BackendOutcome{Backend: c.backend, Err: err, Started: start, Elapsed: time.Since(start)}

	c.cfg.Sink.Report(ctx, Event{
		Type:    c.typ,
		Op:      c.op,
		Backend: c.backend,
		Path:    c.path,
		Err:     err,
		Elapsed: out.Elapsed,
	})

	return out
}
