package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "campus_transit", Name: "transitions_total", Help: "Lifecycle transitions attempted, by transition and result"},
		[]string{"transition", "result"},
	)
	ClaimConflicts  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "campus_transit", Name: "claim_conflicts_total", Help: "Claims lost to another agent or a stale status"})
	ETARequests     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "campus_transit", Name: "eta_requests_total", Help: "ETA collaborator calls by result"}, []string{"result"})
	ETALatency      = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "campus_transit", Name: "eta_latency_seconds", Help: "ETA collaborator latency seconds"})
	AgentsOnline    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "campus_transit", Name: "agents_online", Help: "Number of agents with a live matching feed"})
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "campus_transit", Name: "events_published_total", Help: "Lifecycle events published by type and result"}, []string{"type", "result"})

	ActiveSubscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "campus_transit", Name: "active_subscriptions", Help: "Live store subscriptions by scope"},
		[]string{"scope"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "campus_transit", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "campus_transit",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
