// Package observability exposes the Prometheus collectors shared by the job
// engine, the ledger and the billing reconciler.
package observability

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "genledger"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	jobsSubmitted    *prometheus.CounterVec
	jobTransitions   *prometheus.CounterVec
	pollCycle        prometheus.Histogram
	jobsOpen         prometheus.Gauge
	providerErrors   *prometheus.CounterVec
	artifacts        *prometheus.CounterVec
	ledgerOps        *prometheus.CounterVec
	billingSyncs     *prometheus.CounterVec
	leaseContentions prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// Default returns metrics registered with the global Prometheus registry.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics registers every collector on reg. Collectors that are already
// registered are reused; any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		jobsSubmitted: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "jobs_submitted_total",
			Help: "Submitted jobs by kind and outcome.",
		}, []string{"kind", "outcome"})),
		jobTransitions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "poller", Name: "job_transitions_total",
			Help: "State transitions applied to jobs.",
		}, []string{"to"})),
		pollCycle: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "poller", Name: "cycle_duration_seconds",
			Help: "Duration of one reconciliation pass over the open jobs.", Buckets: prometheus.DefBuckets,
		})),
		jobsOpen: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "poller", Name: "jobs_open",
			Help: "Open jobs seen by the last reconciliation pass.",
		})),
		providerErrors: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "provider", Name: "errors_total",
			Help: "Provider call errors by provider, operation and class.",
		}, []string{"provider", "op", "class"})),
		artifacts: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "materializer", Name: "artifacts_total",
			Help: "Artifacts copied into durable storage by outcome.",
		}, []string{"outcome"})),
		ledgerOps: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "operations_total",
			Help: "Ledger operations by transaction kind and outcome.",
		}, []string{"kind", "outcome"})),
		billingSyncs: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "billing", Name: "syncs_total",
			Help: "Subscription syncs by path and result.",
		}, []string{"path", "result"})),
		leaseContentions: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "poller", Name: "lease_contentions_total",
			Help: "Reconcile attempts skipped because another worker held the job lease.",
		})),
	}
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) JobSubmitted(kind, outcome string) {
	if m == nil {
		return
	}
	m.jobsSubmitted.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) JobTransition(to string) {
	if m == nil {
		return
	}
	m.jobTransitions.WithLabelValues(to).Inc()
}

// ObservePollCycle records one pass of the reconcile loop.
func (m *Metrics) ObservePollCycle(open int, took time.Duration) {
	if m == nil {
		return
	}
	m.jobsOpen.Set(float64(open))
	m.pollCycle.Observe(took.Seconds())
}

func (m *Metrics) ProviderError(provider, op, class string) {
	if m == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider, op, class).Inc()
}

func (m *Metrics) Artifact(outcome string) {
	if m == nil {
		return
	}
	m.artifacts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LedgerOp(kind, outcome string) {
	if m == nil {
		return
	}
	m.ledgerOps.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) BillingSync(path, result string) {
	if m == nil {
		return
	}
	m.billingSyncs.WithLabelValues(path, result).Inc()
}

func (m *Metrics) LeaseContention() {
	if m == nil {
		return
	}
	m.leaseContentions.Inc()
}
