package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ClientMetrics wraps collectors tracking mirror synchronisation and
// transaction orchestration.
type ClientMetrics struct {
	syncs         *prometheus.CounterVec
	syncLatency   *prometheus.HistogramVec
	transactions  *prometheus.CounterVec
	txLatency     *prometheus.HistogramVec
	inFlight      *prometheus.GaugeVec
	candidateVote *prometheus.GaugeVec
	balance       prometheus.Gauge
	reloads       prometheus.Counter
}

var (
	clientMetricsOnce sync.Once
	clientRegistry    *ClientMetrics
)

// Client returns the lazily-initialised metrics registry for the voting client.
func Client() *ClientMetrics {
	clientMetricsOnce.Do(func() {
		clientRegistry = &ClientMetrics{
			syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "scrumvote",
				Subsystem: "mirror",
				Name:      "syncs_total",
				Help:      "Count of mirror synchronisations segmented by scope and outcome.",
			}, []string{"scope", "outcome"}),
			syncLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "scrumvote",
				Subsystem: "mirror",
				Name:      "sync_duration_seconds",
				Help:      "Latency distribution for mirror synchronisations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"scope"}),
			transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "scrumvote",
				Subsystem: "txn",
				Name:      "actions_total",
				Help:      "Count of submitted actions segmented by kind and terminal outcome.",
			}, []string{"kind", "outcome"}),
			txLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "scrumvote",
				Subsystem: "txn",
				Name:      "confirmation_seconds",
				Help:      "Time from submission to terminal status.",
				Buckets:   []float64{1, 2, 5, 10, 15, 30, 60, 120, 300},
			}, []string{"kind"}),
			inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "scrumvote",
				Subsystem: "txn",
				Name:      "in_flight",
				Help:      "Actions currently submitted and awaiting confirmation.",
			}, []string{"kind"}),
			candidateVote: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "scrumvote",
				Subsystem: "mirror",
				Name:      "candidate_votes",
				Help:      "Mirrored vote count per candidate.",
			}, []string{"candidate"}),
			balance: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "scrumvote",
				Subsystem: "mirror",
				Name:      "contract_balance_wei",
				Help:      "Mirrored contract balance in wei.",
			}),
			reloads: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "scrumvote",
				Subsystem: "session",
				Name:      "reloads_total",
				Help:      "Count of full session reloads caused by network changes.",
			}),
		}
		prometheus.MustRegister(
			clientRegistry.syncs,
			clientRegistry.syncLatency,
			clientRegistry.transactions,
			clientRegistry.txLatency,
			clientRegistry.inFlight,
			clientRegistry.candidateVote,
			clientRegistry.balance,
			clientRegistry.reloads,
		)
	})
	return clientRegistry
}

// ObserveSync records the outcome of a mirror synchronisation.
func (m *ClientMetrics) ObserveSync(scope string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	scope = normaliseLabel(scope)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.syncs.WithLabelValues(scope, outcome).Inc()
	m.syncLatency.WithLabelValues(scope).Observe(duration.Seconds())
}

// ActionStarted marks an action of kind as in flight.
func (m *ClientMetrics) ActionStarted(kind string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(normaliseLabel(kind)).Inc()
}

// ActionFinished records the terminal outcome of an action of kind.
func (m *ClientMetrics) ActionFinished(kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	kind = normaliseLabel(kind)
	m.inFlight.WithLabelValues(kind).Dec()
	m.transactions.WithLabelValues(kind, normaliseLabel(outcome)).Inc()
	m.txLatency.WithLabelValues(kind).Observe(duration.Seconds())
}

// ActionRejected records an action refused before submission.
func (m *ClientMetrics) ActionRejected(kind, reason string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(normaliseLabel(kind), normaliseLabel(reason)).Inc()
}

// RecordCandidateVotes updates the mirrored vote gauge for candidate.
func (m *ClientMetrics) RecordCandidateVotes(candidate string, votes uint64) {
	if m == nil {
		return
	}
	m.candidateVote.WithLabelValues(normaliseLabel(candidate)).Set(float64(votes))
}

// RecordBalance updates the mirrored balance gauge.
func (m *ClientMetrics) RecordBalance(wei *big.Int) {
	if m == nil {
		return
	}
	m.balance.Set(bigToFloat(wei))
}

// RecordReload increments the session reload counter.
func (m *ClientMetrics) RecordReload() {
	if m == nil {
		return
	}
	m.reloads.Inc()
}

func normaliseLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
