// Package metrics exposes the Prometheus collectors of the chat backend.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "haven"

var (
	// Exchanges counts completed user→assistant exchanges by transport (ws, http, sse).
	Exchanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chat_exchanges_total",
		Help:      "Completed chat exchanges by transport",
	}, []string{"transport"})

	// GenerationFallbacks counts replies replaced by the fallback sentence.
	GenerationFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "generation_fallbacks_total",
		Help:      "Generation calls answered with the fallback reply",
	})

	GenerationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "generation_duration_seconds",
		Help:      "Latency of generation calls",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 9),
	})

	// AnalysisRuns counts analysis attempts by trigger (inline, teardown) and outcome.
	AnalysisRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "analysis_runs_total",
		Help:      "Analysis runs by trigger and outcome",
	}, []string{"trigger", "outcome"})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "realtime_connections",
		Help:      "Currently open realtime connections",
	})

	RevokedTokensPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "revoked_tokens_purged_total",
		Help:      "Expired revoked tokens removed by the purge job",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
