// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	DecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_decisions_total",
		Help: "Total number of admission decisions, by outcome.",
	}, []string{"outcome"})

	BackendErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_backend_errors_total",
		Help: "Total number of backend faults absorbed by the limiter facade, by backend and kind.",
	}, []string{"backend", "kind"})

	FailModeDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_fail_mode_decisions_total",
		Help: "Total number of decisions made by fail-mode fallback rather than the backend, by mode.",
	}, []string{"mode"})

	ReservationRefillsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guardian_reservation_refills_total",
		Help: "Total number of remote reservation refills issued by the batched backend.",
	})

	ReservationHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guardian_reservation_hits_total",
		Help: "Total number of decisions served from an existing local reservation.",
	})

	LocalEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guardian_local_evictions_total",
		Help: "Total number of bucket cells evicted by the local backend's idle sweep.",
	})

	DecisionLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "guardian_decision_latency_seconds",
		Help:    "Latency of Check calls, by backend.",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend"})

	CoordinatorBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "guardian_coordinator_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open.",
	})
)

func init() {
	prometheus.MustRegister(
		DecisionsTotal,
		BackendErrorsTotal,
		FailModeDecisionsTotal,
		ReservationRefillsTotal,
		ReservationHitsTotal,
		LocalEvictionsTotal,
		DecisionLatencySeconds,
		CoordinatorBreakerState,
	)
}
