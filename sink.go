package twinstore

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type EventType string

const (
	EventWrite            EventType = "write"
	EventRead             EventType = "read"
	EventFallbackRead     EventType = "fallback_read"
	EventQuery            EventType = "query"
	EventSubscribe        EventType = "subscribe"
	EventSubscriptionLost EventType = "subscription_lost"
	EventFallbackDelivery EventType = "fallback_delivery"
)

type Op string

const (
	OpRead    Op = "read"
	OpWrite   Op = "write"
	OpMerge   Op = "merge"
	OpRemove  Op = "remove"
	OpWatch   Op = "watch"
	OpFindOne Op = "find_one"
	OpList    Op = "list"
)

// Event describes one adapter interaction. Err is nil on success.
type Event struct {
	Type    EventType
	Op      Op
	Backend string
	Path    Path
	Err     error
	Elapsed time.Duration
}

// Sink receives every backend outcome. Reports must not block.
type Sink interface {
	Report(ctx context.Context, ev Event)
}

type NopSink struct{}

func (NopSink) Report(context.Context, Event) {}

// MultiSink fans an event out to every non-nil sink.
type MultiSink []Sink

func NewMultiSink(sinks ...Sink) MultiSink {
	filtered := make(MultiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

func (ms MultiSink) Report(ctx context.Context, ev Event) {
	for _, s := range ms {
		s.Report(ctx, ev)
	}
}

// LogSink writes failures at warn level and successes at debug level.
type LogSink struct {
	lg zerolog.Logger
}

func NewLogSink(lg zerolog.Logger) *LogSink {
	return &LogSink{lg: lg}
}

func (s *LogSink) Report(_ context.Context, ev Event) {
	var e *zerolog.Event
	if ev.Err != nil && !IsNotFound(ev.Err) {
		e = s.lg.Warn().Err(ev.Err)
	} else {
		e = s.lg.Debug()
	}

	e.Str("event", string(ev.Type)).
		Str("op", string(ev.Op)).
		Str("backend", ev.Backend).
		Str("path", ev.Path.String()).
		Dur("elapsed", ev.Elapsed).
		Msg("twinstore backend call")
}
