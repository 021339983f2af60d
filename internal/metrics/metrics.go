// Package metrics defines the supervisor's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Queue metrics
	ActiveWorkloads = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_active_workloads",
			Help: "Currently active workloads by execution class",
		},
		[]string{"class"},
	)

	AdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_admissions_total",
			Help: "Admission decisions by outcome (started, queued)",
		},
		[]string{"outcome"},
	)

	WaitingGroups = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_waiting_groups",
			Help: "Groups parked in the waiting set",
		},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warden_run_duration_seconds",
			Help:    "Workload run duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"class", "status"},
	)

	RetriesScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_retries_scheduled_total",
			Help: "Retry timers scheduled after failed runs",
		},
	)

	MaxRetriesExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_max_retries_exceeded_total",
			Help: "Groups that exhausted the retry budget",
		},
	)

	// IPC metrics
	EnvelopesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_ipc_envelopes_consumed_total",
			Help: "Mailbox envelopes consumed by type",
		},
		[]string{"type"},
	)

	EnvelopesQuarantined = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_ipc_envelopes_quarantined_total",
			Help: "Mailbox envelopes moved to the errors directory",
		},
	)

	AuthorizationDenied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_ipc_authorization_denied_total",
			Help: "Mailbox envelopes rejected by the authorization rule",
		},
	)

	// Scheduler metrics
	ScheduledRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_scheduled_runs_total",
			Help: "Scheduled task runs by status",
		},
		[]string{"status"},
	)

	// Sub-agent metrics
	AgentsSpawned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_agents_spawned_total",
			Help: "Sub-agents spawned by kind",
		},
		[]string{"kind"},
	)

	AgentsReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_agents_reclaimed_total",
			Help: "Task-kind sub-agents reclaimed after the grace window",
		},
	)
)
