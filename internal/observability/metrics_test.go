package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)

	m.JobSubmitted("image", "queued")
	m.JobSubmitted("image", "queued")
	m.JobTransition("COMPLETED")
	m.ObservePollCycle(3, 10*time.Millisecond)

	require.Equal(t, 2.0, testutil.ToFloat64(m.jobsSubmitted.WithLabelValues("image", "queued")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.jobTransitions.WithLabelValues("COMPLETED")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.jobsOpen))
}

func TestMustNewMetricsReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNewMetrics(reg)
	second := MustNewMetrics(reg)

	first.LedgerOp("CHARGE", "ok")
	second.LedgerOp("CHARGE", "ok")
	require.Equal(t, 2.0, testutil.ToFloat64(first.ledgerOps.WithLabelValues("CHARGE", "ok")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.JobSubmitted("image", "queued")
	m.BillingSync("webhook", "granted")
	m.LeaseContention()
}
