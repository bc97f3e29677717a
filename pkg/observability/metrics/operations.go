package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation outcome labels.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Operations holds the collectors recorded by the store facade.
// A nil *Operations is valid and records nothing.
type Operations struct {
	total              *prometheus.CounterVec
	duration           *prometheus.HistogramVec
	inflight           *prometheus.GaugeVec
	redispatchFailures *prometheus.CounterVec
	completionDefects  *prometheus.CounterVec
}

// NewOperations creates the facade collectors and registers them with reg.
// Passing nil registers them with the default Prometheus registerer.
func NewOperations(reg prometheus.Registerer) *Operations {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Operations{
		total: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvbridge_operations_total",
				Help: "Total number of store operations by outcome",
			},
			[]string{"op", "status"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kvbridge_operation_duration_seconds",
				Help:    "Time from operation start to redispatched completion",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"op"},
		),
		inflight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kvbridge_operations_inflight",
				Help: "Number of store operations awaiting completion",
			},
			[]string{"op"},
		),
		redispatchFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvbridge_redispatch_failures_total",
				Help: "Completions that could not be handed back to the caller's context",
			},
			[]string{"op"},
		),
		completionDefects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvbridge_completion_defects_total",
				Help: "Extra completion signals ignored after the first",
			},
			[]string{"op"},
		),
	}
}

// Start marks an operation as in flight and returns the function that
// records its outcome. The returned function must be called exactly once.
func (o *Operations) Start(op string) func(err error) {
	if o == nil {
		return func(error) {}
	}
	started := time.Now()
	o.inflight.WithLabelValues(op).Inc()

	return func(err error) {
		o.inflight.WithLabelValues(op).Dec()
		o.duration.WithLabelValues(op).Observe(time.Since(started).Seconds())
		status := StatusSuccess
		if err != nil {
			status = StatusError
		}
		o.total.WithLabelValues(op, status).Inc()
	}
}

// RedispatchFailed counts a completion dropped because the caller's context rejected it.
func (o *Operations) RedispatchFailed(op string) {
	if o == nil {
		return
	}
	o.redispatchFailures.WithLabelValues(op).Inc()
}

// CompletionDefect counts a duplicate completion signal from the store.
func (o *Operations) CompletionDefect(op string) {
	if o == nil {
		return
	}
	o.completionDefects.WithLabelValues(op).Inc()
}
