// Package metrics holds the Prometheus collectors exported by the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Image outcomes recorded by ImagesProcessed.
const (
	OutcomeDescribed = "described"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
	OutcomeMissing   = "missing"
)

var (
	ImagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bucketvision",
		Name:      "images_processed_total",
		Help:      "Images handled by the analysis service, by outcome.",
	}, []string{"outcome"})

	InferenceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bucketvision",
		Name:      "inference_duration_seconds",
		Help:      "Latency of vision model calls.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60},
	})

	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bucketvision",
		Name:      "api_requests_total",
		Help:      "HTTP API requests, by route and status code.",
	}, []string{"route", "code"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
