package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	memhookNamespace = "memhook"

	subsystemHook  = "hook"
	subsystemTrace = "trace"

	resultLabelName  = "result"
	outcomeLabelName = "outcome"
)

// install results
const (
	ResultOK             = "ok"
	ResultDoubleHook     = "double_hook"
	ResultMalformed      = "malformed"
	ResultTooShort       = "too_short"
	ResultNotRelocatable = "not_relocatable"
	ResultNoTrampoline   = "no_trampoline"
	ResultProtect        = "protect"
	ResultUnsupported    = "unsupported"
	ResultError          = "error"
)

// event outcomes
const (
	OutcomeRecorded   = "recorded"
	OutcomeOverflowed = "overflowed"
	OutcomeDropped    = "dropped"
	OutcomeRejected   = "rejected"
)

var (
	registry = prometheus.NewRegistry()

	// HookInstallTotal counts hook installations by result.
	HookInstallTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: memhookNamespace,
			Subsystem: subsystemHook,
			Name:      "installs_total",
			Help:      "Counter of hook installations",
		}, []string{resultLabelName})

	// TraceEventTotal counts events handed to the thread buffers by outcome.
	TraceEventTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: memhookNamespace,
			Subsystem: subsystemTrace,
			Name:      "events_total",
			Help:      "Counter of traced call events",
		}, []string{outcomeLabelName})

	// TraceDrainTotal counts completed drains.
	TraceDrainTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: memhookNamespace,
			Subsystem: subsystemTrace,
			Name:      "drains_total",
			Help:      "Counter of thread buffer drains",
		})

	// TraceThreadBuffers is the number of threads owning a buffer.
	TraceThreadBuffers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: memhookNamespace,
			Subsystem: subsystemTrace,
			Name:      "thread_buffers",
			Help:      "Number of allocated thread buffers",
		})

	// curried so the recording path does no label lookup
	EventsRecorded   = TraceEventTotal.WithLabelValues(OutcomeRecorded)
	EventsOverflowed = TraceEventTotal.WithLabelValues(OutcomeOverflowed)
	EventsDropped    = TraceEventTotal.WithLabelValues(OutcomeDropped)
	EventsRejected   = TraceEventTotal.WithLabelValues(OutcomeRejected)
)

func init() {
	registry.MustRegister(HookInstallTotal)
	registry.MustRegister(TraceEventTotal)
	registry.MustRegister(TraceDrainTotal)
	registry.MustRegister(TraceThreadBuffers)
}

// Registry exposes the collectors of this module.
func Registry() *prometheus.Registry {
	return registry
}

// Handler serves the collectors of this module together with the Go
// runtime and process collectors of the default registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(prometheus.Gatherers{registry, prometheus.DefaultGatherer}, promhttp.HandlerOpts{})
}
