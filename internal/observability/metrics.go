package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "matches_total", Help: "Total number of successful matches"})
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "match_latency_seconds", Help: "FindDriver latency seconds"})

	OffersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_total", Help: "Match offers by terminal outcome"},
		[]string{"outcome"},
	)

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "ride_transitions_total", Help: "Ride lifecycle transitions by target status"},
		[]string{"status"},
	)

	SafetySubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "safety_submissions_total", Help: "Safety event submissions by result"},
		[]string{"result"}, // created, duplicate, conflict
	)

	HubEventsPublished = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "hub_events_published_total", Help: "Events published to the broadcast hub"})
	HubSlowDrops       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "hub_slow_connections_dropped_total", Help: "Connections dropped for falling behind"})

	DriverLocationUpdates = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "driver_location_updates_total", Help: "Driver position updates accepted"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
