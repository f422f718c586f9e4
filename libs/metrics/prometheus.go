package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var defaultBuckets = []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}

type promHooks struct {
	operationDuration *prometheus.HistogramVec
	conflicts         *prometheus.CounterVec
	eventsAppended    *prometheus.CounterVec
	dispatchDuration  *prometheus.HistogramVec
	cacheLookups      *prometheus.CounterVec
	redelivered       prometheus.Counter
}

// NewPrometheus registers the persistence metrics on reg.
func NewPrometheus(reg prometheus.Registerer) Hooks {
	h := &promHooks{
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tenancy_repository_operation_duration_seconds",
			Help:    "Repository operation latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate", "op", "status"}),

		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tenancy_repository_conflicts_total",
			Help: "Total number of optimistic lock failures",
		}, []string{"aggregate"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tenancy_eventstore_events_appended_total",
			Help: "Total number of events appended to the event log",
		}, []string{"aggregate"}),

		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tenancy_dispatch_handler_duration_seconds",
			Help:    "Event handler latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"event_type", "status"}),

		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tenancy_repository_cache_lookups_total",
			Help: "Read cache lookups by result",
		}, []string{"aggregate", "hit"}),

		redelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tenancy_relay_events_delivered_total",
			Help: "Total number of events delivered by the outbox relay",
		}),
	}

	reg.MustRegister(
		h.operationDuration,
		h.conflicts,
		h.eventsAppended,
		h.dispatchDuration,
		h.cacheLookups,
		h.redelivered,
	)
	return h
}

func (h *promHooks) ObserveOperation(aggregate, op, status string, dur time.Duration) {
	h.operationDuration.WithLabelValues(aggregate, op, status).Observe(dur.Seconds())
}

func (h *promHooks) IncConflict(aggregate string) {
	h.conflicts.WithLabelValues(aggregate).Inc()
}

func (h *promHooks) EventsAppended(aggregate string, n int) {
	h.eventsAppended.WithLabelValues(aggregate).Add(float64(n))
}

func (h *promHooks) ObserveDispatch(eventType, status string, dur time.Duration) {
	h.dispatchDuration.WithLabelValues(eventType, status).Observe(dur.Seconds())
}

func (h *promHooks) CacheLookup(aggregate string, hit bool) {
	h.cacheLookups.WithLabelValues(aggregate, strconv.FormatBool(hit)).Inc()
}

func (h *promHooks) EventsRedelivered(n int) {
	h.redelivered.Add(float64(n))
}
