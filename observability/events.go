package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	received      *prometheus.CounterVec
	handlerErrors *prometheus.CounterVec
	notifications *prometheus.CounterVec
	resubscribes  prometheus.Counter
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking contract events and user notifications.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			received: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "scrumvote",
				Subsystem: "events",
				Name:      "received_total",
				Help:      "Count of contract events handled segmented by kind and disposition.",
			}, []string{"kind", "disposition"}),
			handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "scrumvote",
				Subsystem: "events",
				Name:      "handler_errors_total",
				Help:      "Count of event handlers whose follow-up sync failed.",
			}, []string{"kind"}),
			notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "scrumvote",
				Subsystem: "notify",
				Name:      "delivered_total",
				Help:      "Count of user notifications segmented by kind.",
			}, []string{"kind"}),
			resubscribes: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "scrumvote",
				Subsystem: "events",
				Name:      "resubscribes_total",
				Help:      "Count of log subscription (re)establishments.",
			}),
		}
		prometheus.MustRegister(
			eventRegistry.received,
			eventRegistry.handlerErrors,
			eventRegistry.notifications,
			eventRegistry.resubscribes,
		)
	})
	return eventRegistry
}

// RecordEvent increments the event counter. Disposition is "handled",
// "duplicate" or "removed".
func (m *eventMetrics) RecordEvent(kind, disposition string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(normaliseLabel(kind), normaliseLabel(strings.ToLower(disposition))).Inc()
}

// RecordHandlerError counts an event whose follow-up work failed.
func (m *eventMetrics) RecordHandlerError(kind string) {
	if m == nil {
		return
	}
	m.handlerErrors.WithLabelValues(normaliseLabel(kind)).Inc()
}

// RecordNotification counts a delivered user notification.
func (m *eventMetrics) RecordNotification(kind string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(normaliseLabel(kind)).Inc()
}

// RecordSubscribe counts a log subscription attempt.
func (m *eventMetrics) RecordSubscribe() {
	if m == nil {
		return
	}
	m.resubscribes.Inc()
}
