package twinstore

import (
	"fmt"

	"github.com/pkg/errors"
)

var ErrInvalidEntity = errors.New("invalid entity")
var ErrBackendUnavailable = errors.New("backend unavailable")
var ErrNotFound = errors.New("not found")
var ErrUnsupported = errors.New("operation not supported by backend")
var ErrClosed = errors.New("already closed")
var ErrInvalidPath = errors.New("invalid path")

// Unavailable wraps an adapter failure so that errors.Is(err, ErrBackendUnavailable)
// holds while the original cause stays in the message.
func Unavailable(backend string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrBackendUnavailable) {
		return err
	}

	return errors.Wrapf(ErrBackendUnavailable, "%s: %s", backend, err.Error())
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ReadError is returned by the resolver when no backend had the entity and
// at least one of them failed, so callers can tell "down" from "missing".
type ReadError struct {
	Kind    Kind
	Key     string
	Fast    error
	Durable error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf(
		"could not read %s %q: fast: %v; durable: %v",
		e.Kind, e.Key, describe(e.Fast), describe(e.Durable),
	)
}

func (e *ReadError) Unwrap() error {
	return ErrBackendUnavailable
}

// BothUnavailable reports whether neither backend answered at all.
func (e *ReadError) BothUnavailable() bool {
	return e.Fast != nil && !IsNotFound(e.Fast) && e.Durable != nil && !IsNotFound(e.Durable)
}

func describe(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}
