package main

import "github.com/prometheus/client_golang/prometheus"

var (
	metricRegisteredNodes = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ensemble_registered_nodes"})
	metricAttemptOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ensemble_reconcile_attempts_total"},
		[]string{"outcome"},
	)
	metricReconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ensemble_reconcile_duration_seconds",
		Buckets: prometheus.DefBuckets,
	})
	metricPollErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "ensemble_health_poll_errors_total"})
)

func init() {
	prometheus.MustRegister(metricRegisteredNodes, metricAttemptOutcomes, metricReconcileDuration, metricPollErrors)
}
