package cttso_pieriandx_gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricsRegistry = prometheus.NewRegistry()

	submissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cttso_submissions_total",
		Help: "Vendor case submissions by outcome.",
	}, []string{"outcome"})
	transfersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cttso_transferred_objects_total",
		Help: "Objects copied to the vendor bucket by outcome.",
	}, []string{"outcome"})
	vendorRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cttso_vendor_requests_total",
		Help: "Vendor API requests by endpoint and status class.",
	}, []string{"endpoint", "status"})
	reconcilePassesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cttso_reconcile_passes_total",
		Help: "Reconciliation passes by outcome.",
	}, []string{"outcome"})
	sourceErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cttso_source_read_errors_total",
		Help: "Optional sources a pass continued without.",
	}, []string{"source"})
	samplesByLifecycle = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cttso_samples",
		Help: "Samples in the ledger by lifecycle state after the last pass.",
	}, []string{"lifecycle"})
)

func init() {
	metricsRegistry.MustRegister(submissionsTotal, transfersTotal, vendorRequestsTotal, reconcilePassesTotal, sourceErrorsTotal, samplesByLifecycle)
}

// MetricsHandler serves the gateway's own registry.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{})
}

func recordLifecycles(states []SubmissionState) {
	counts := map[Lifecycle]float64{}
	for _, s := range states {
		counts[s.Lifecycle]++
	}
	for _, l := range []Lifecycle{LifecycleUnseen, LifecyclePending, LifecycleSubmitted, LifecycleInProgress, LifecycleCompleted, LifecycleDuplicateFlagged} {
		samplesByLifecycle.WithLabelValues(string(l)).Set(counts[l])
	}
}
