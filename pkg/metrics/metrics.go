// Package metrics provides Prometheus metrics for the fern service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncRunsTotal tracks finished sync runs by platform, mode and terminal status
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Total number of sync runs by terminal status",
		},
		[]string{"platform", "mode", "status"},
	)

	// SyncRunDuration tracks sync run duration in seconds
	SyncRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "sync",
			Name:      "run_duration_seconds",
			Help:      "Duration of sync runs in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"platform"},
	)

	// SyncFailuresTotal tracks hard failures by kind
	SyncFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "sync",
			Name:      "failures_total",
			Help:      "Total number of failed sync runs by failure kind",
		},
		[]string{"platform", "kind"},
	)

	// SyncLockContention counts triggers rejected because a run was in flight
	SyncLockContention = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "sync",
			Name:      "lock_contention_total",
			Help:      "Total number of triggers rejected by the run-lock",
		},
		[]string{"mode"},
	)

	// HTTPRequestsTotal tracks outbound HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "http_client",
			Name:      "requests_total",
			Help:      "Total number of outbound HTTP requests",
		},
		[]string{"client", "method", "status_code"},
	)

	// HTTPRequestDuration tracks outbound HTTP request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "http_client",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound HTTP requests in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"client", "method"},
	)

	// HTTPRetriesTotal tracks retried outbound requests
	HTTPRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "http_client",
			Name:      "retries_total",
			Help:      "Total number of retried outbound HTTP requests",
		},
		[]string{"client"},
	)

	// SchedulerTicksTotal tracks scheduler ticks by outcome
	SchedulerTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Total number of scheduler ticks by outcome",
		},
		[]string{"cadence", "outcome"},
	)

	// SchedulerJobs tracks the number of registered cadence jobs
	SchedulerJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Subsystem: "scheduler",
			Name:      "jobs",
			Help:      "Number of registered cadence jobs",
		},
	)

	// RecommendationsGenerated tracks recommendations produced per evaluation
	RecommendationsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "recommendations",
			Name:      "generated_total",
			Help:      "Total number of recommendations generated by kind",
		},
		[]string{"kind"},
	)

	// RecommendationEvaluations tracks evaluation passes by trigger
	RecommendationEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "recommendations",
			Name:      "evaluations_total",
			Help:      "Total number of recommendation evaluation passes",
		},
		[]string{"trigger", "status"},
	)

	// EventsPublished tracks published domain events
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Total number of published events",
		},
		[]string{"type", "status"},
	)

	// CredentialAccessTotal tracks vault operations
	CredentialAccessTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "vault",
			Name:      "access_total",
			Help:      "Total number of credential vault operations",
		},
		[]string{"action"},
	)
)
