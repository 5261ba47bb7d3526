package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes scheduler counters. All vectors are labeled minimally so
// cardinality stays bounded.
type Metrics struct {
	workflowsTotal  *prometheus.CounterVec
	tasksDispatched prometheus.Counter
	taskOutcomes    *prometheus.CounterVec
	taskFailures    *prometheus.CounterVec
	branchesCreated prometheus.Counter
	tasksInFlight   prometheus.Gauge
}

// NewMetrics registers scheduler metrics on the given registerer. Pass
// prometheus.DefaultRegisterer in production, a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		workflowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "scheduler",
			Name:      "workflows_total",
			Help:      "Workflows by terminal status.",
		}, []string{"status"}),
		tasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "scheduler",
			Name:      "tasks_dispatched_total",
			Help:      "Task dispatch events emitted.",
		}),
		taskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "scheduler",
			Name:      "task_outcomes_total",
			Help:      "Task terminal outcomes.",
		}, []string{"status"}),
		taskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "scheduler",
			Name:      "task_failures_total",
			Help:      "Task failures by classified cause.",
		}, []string{"class"}),
		branchesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "scheduler",
			Name:      "branches_created_total",
			Help:      "Repair branch tasks synthesized.",
		}),
		tasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conductor",
			Subsystem: "scheduler",
			Name:      "tasks_in_flight",
			Help:      "Tasks currently dispatched and awaiting results.",
		}),
	}
	reg.MustRegister(
		m.workflowsTotal,
		m.tasksDispatched,
		m.taskOutcomes,
		m.taskFailures,
		m.branchesCreated,
		m.tasksInFlight,
	)
	return m
}
