package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Poll loop metrics
var (
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rigagent_polls_total",
			Help: "Total number of task pull attempts",
		},
		[]string{"result"}, // task, no_task, error, malformed
	)

	PollConsecutiveErrors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rigagent_poll_consecutive_errors",
			Help: "Current number of consecutive failed poll iterations",
		},
	)
)

// Task execution metrics
var (
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rigagent_tasks_total",
			Help: "Total number of tasks handled by the agent",
		},
		[]string{"result"}, // started, reused, failed
	)

	ProvisionDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rigagent_provision_duration_seconds",
			Help:    "Duration of container provisioning including readiness wait",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
		},
	)

	AllocationClampedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rigagent_allocation_clamped_total",
			Help: "Total number of resource grants reduced to fit free host capacity",
		},
		[]string{"resource"}, // cpu, memory, storage, gpu
	)
)

// Control plane metrics
var (
	HeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rigagent_heartbeats_total",
			Help: "Total number of heartbeat pushes",
		},
		[]string{"result"}, // success, failure
	)

	ControlPlaneRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rigagent_controlplane_requests_total",
			Help: "Total number of control plane requests",
		},
		[]string{"endpoint", "result"}, // result: success, transport_error, server_error, client_error
	)

	ControlPlaneRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rigagent_controlplane_request_duration_seconds",
			Help:    "Duration of control plane requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
)
