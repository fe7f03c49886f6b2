package observability

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func read(t *testing.T, m prometheus.Metric) *dto.Metric {
	t.Helper()
	out := &dto.Metric{}
	require.NoError(t, m.Write(out))
	return out
}

func TestActionLifecycleBalancesInFlight(t *testing.T) {
	m := Client()
	m.ActionStarted("vote")
	require.Equal(t, 1.0, read(t, m.inFlight.WithLabelValues("vote")).GetGauge().GetValue())

	before := read(t, m.transactions.WithLabelValues("vote", "confirmed")).GetCounter().GetValue()
	m.ActionFinished("vote", "confirmed", 3*time.Second)
	require.Zero(t, read(t, m.inFlight.WithLabelValues("vote")).GetGauge().GetValue())
	require.Equal(t, before+1, read(t, m.transactions.WithLabelValues("vote", "confirmed")).GetCounter().GetValue())
}

func TestSyncOutcomeLabels(t *testing.T) {
	m := Client()
	m.ObserveSync("", time.Millisecond, errors.New("boom"))
	require.GreaterOrEqual(t, read(t, m.syncs.WithLabelValues("unknown", "error")).GetCounter().GetValue(), 1.0)
}

func TestBalanceGaugeHandlesLargeValues(t *testing.T) {
	m := Client()
	m.RecordBalance(big.NewInt(50_000_000_000_000_000))
	require.Equal(t, 5e16, read(t, m.balance).GetGauge().GetValue())
	m.RecordBalance(nil)
	require.Zero(t, read(t, m.balance).GetGauge().GetValue())
}

func TestNilRecordersAreSafe(t *testing.T) {
	var m *ClientMetrics
	m.ActionStarted("vote")
	m.RecordReload()
	var e *eventMetrics
	e.RecordEvent("VoteCast", "handled")
}

func TestEventDispositionIsLowercased(t *testing.T) {
	e := Events()
	e.RecordEvent("VoteCast", "Duplicate")
	require.GreaterOrEqual(t, read(t, e.received.WithLabelValues("VoteCast", "duplicate")).GetCounter().GetValue(), 1.0)
}
