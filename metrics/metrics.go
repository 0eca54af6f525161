// Package metrics exports backend call outcomes to Prometheus.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/denismitr/twinstore"
)

const (
	namespace = "twinstore"
	subsystem = "backend"
)

const (
	outcomeOK       = "ok"
	outcomeNotFound = "not_found"
	outcomeError    = "error"
)

// PrometheusSink counts every reported call by event, op, backend and
// outcome, and observes its latency. Labels
// * event
// * op
// * backend
// * outcome (ok, not_found, error)
type PrometheusSink struct {
	calls    *prometheus.CounterVec
	failures *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var _ twinstore.Sink = (*PrometheusSink)(nil)

// NewPrometheusSink registers its collectors with reg. A nil reg means the
// default registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	s := &PrometheusSink{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "calls_total",
			Help:      "The total number of backend calls by outcome.",
		},
			[]string{"event", "op", "backend", "outcome"},
		),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "failures_total",
			Help:      "The total number of failed backend calls.",
		},
			[]string{"op", "backend"},
		),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "call_duration_seconds",
			Help:      "Bucketed histogram of backend call latency.",
			// 0.25ms up to about 2s
			Buckets: prometheus.ExponentialBuckets(0.00025, 2, 14),
		},
			[]string{"op", "backend", "outcome"},
		),
	}

	for _, c := range []prometheus.Collector{s.calls, s.failures, s.latency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *PrometheusSink) Report(_ context.Context, ev twinstore.Event) {
	outcome := outcomeOf(ev.Err)

	s.calls.WithLabelValues(string(ev.Type), string(ev.Op), ev.Backend, outcome).Inc()
	s.latency.WithLabelValues(string(ev.Op), ev.Backend, outcome).Observe(ev.Elapsed.Seconds())

	if outcome == outcomeError {
		s.failures.WithLabelValues(string(ev.Op), ev.Backend).Inc()
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case twinstore.IsNotFound(err):
		return outcomeNotFound
	}
	return outcomeError
}
