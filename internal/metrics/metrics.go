// Package metrics holds the prometheus collectors for workflow outcomes.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pms"

var (
	ProposalTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proposal_transitions_total",
		Help:      "Proposal state transitions, by target status.",
	}, []string{"to"})

	PMAssignments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pm_assignments_total",
		Help:      "PM assignment attempts, by result.",
	}, []string{"result"})

	LockAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_lock_attempts_total",
		Help:      "Task lock attempts, by result.",
	}, []string{"result"})

	TaskStatusChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_status_changes_total",
		Help:      "Task status changes by the lock holder, by new status.",
	}, []string{"status"})

	Invoices = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "invoices_total",
		Help:      "Invoice generation calls to the billing collaborator, by result.",
	}, []string{"result"})

	HTTPRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency, by route and status code.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "code"})
)

// Handler exposes the default registry for gin.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
