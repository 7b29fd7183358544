// Package metrics exposes the pipeline's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CouncilsIngested counts council archives fully loaded into the pending
	// table.
	CouncilsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parcelmap_councils_ingested_total",
		Help: "Council archives downloaded, reprojected and loaded.",
	})

	// PolygonsAnalysed counts pending boundaries the reconciler has classified.
	PolygonsAnalysed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parcelmap_polygons_analysed_total",
		Help: "Pending boundaries run through the match classifier.",
	})

	// MatchResults counts classifier outcomes by match type.
	MatchResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parcelmap_match_results_total",
		Help: "Classifier outcomes by match type.",
	}, []string{"match"})

	// GeocodeRequests counts outbound geocoder lookups by result.
	GeocodeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parcelmap_geocode_requests_total",
		Help: "Geocoder lookups by outcome.",
	}, []string{"outcome"})

	// HTTPRequests counts API requests by route and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parcelmap_http_requests_total",
		Help: "API requests by route and status code.",
	}, []string{"route", "status"})

	// RunsActive is 1 while a pipeline run holds the ledger lock.
	RunsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parcelmap_runs_active",
		Help: "Whether a pipeline run is currently executing.",
	})
)
