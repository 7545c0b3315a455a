package cpmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DeploymentsByStatus tracks the number of deployments in each status.
	DeploymentsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "deploycp",
		Subsystem: "cp",
		Name:      "deployments_by_status",
		Help:      "Number of deployments by lifecycle status.",
	}, []string{"status"})

	// WebhookRequestsTotal counts payment webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deploycp",
		Subsystem: "cp",
		Name:      "webhook_requests_total",
		Help:      "Total payment webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks payment webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "deploycp",
		Subsystem: "cp",
		Name:      "webhook_duration_seconds",
		Help:      "Payment webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// SchedulerTicksTotal counts scheduler ticks by outcome.
	SchedulerTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deploycp",
		Subsystem: "cp",
		Name:      "scheduler_ticks_total",
		Help:      "Scheduler ticks by outcome (idle, provision, destroy, skipped).",
	}, []string{"outcome"})

	// JobsTotal counts deployment jobs by task and outcome.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deploycp",
		Subsystem: "cp",
		Name:      "jobs_total",
		Help:      "Deployment jobs by task (provision/destroy) and outcome.",
	}, []string{"task", "outcome"})

	// LeaseRecoveriesTotal counts stale lease recoveries by disposition.
	LeaseRecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deploycp",
		Subsystem: "cp",
		Name:      "lease_recoveries_total",
		Help:      "Stale lease recoveries by disposition (destroy_queued, failed).",
	}, []string{"disposition"})

	// CheckoutRequestsTotal counts checkout creations by outcome.
	CheckoutRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deploycp",
		Subsystem: "cp",
		Name:      "checkout_requests_total",
		Help:      "Checkout session creations by outcome.",
	}, []string{"outcome"})
)
