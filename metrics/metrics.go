package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	subsystem = "docqueue"

	tasksSubmittedTotal   = "tasks_submitted_total"
	taskTransitionsTotal  = "task_transitions_total"
	leasesExpiredTotal    = "leases_expired_total"
	conversionDuration    = "conversion_duration_seconds"
	backlogConflictsTotal = "lease_conflicts_total"

	modeLabel    = "mode"
	fromLabel    = "from"
	toLabel      = "to"
	backendLabel = "backend"
	outcomeLabel = "outcome"
)

var tasksSubmittedMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      tasksSubmittedTotal,
		Help:      "number of tasks accepted by the gateway",
	},
	[]string{modeLabel},
)

var taskTransitionsMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      taskTransitionsTotal,
		Help:      "number of task status transitions partitioned by edge",
	},
	[]string{fromLabel, toLabel},
)

var leasesExpiredMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      leasesExpiredTotal,
		Help:      "number of leases recovered by the expiry sweep",
	},
)

var leaseConflictsMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      backlogConflictsTotal,
		Help:      "number of compare-and-set conflicts absorbed while leasing",
	},
)

var conversionDurationMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Subsystem: subsystem,
		Name:      conversionDuration,
		Help:      "time spent in the converter partitioned by backend, mode and outcome",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	},
	[]string{backendLabel, modeLabel, outcomeLabel},
)

func IncreaseTasksSubmittedMetric(mode string) {
	tasksSubmittedMetric.With(prometheus.Labels{modeLabel: mode}).Inc()
}

func IncreaseTransitionMetric(from, to string) {
	taskTransitionsMetric.With(prometheus.Labels{fromLabel: from, toLabel: to}).Inc()
}

func IncreaseLeasesExpiredMetric() {
	leasesExpiredMetric.Inc()
}

func IncreaseLeaseConflictsMetric() {
	leaseConflictsMetric.Inc()
}

func ObserveConversionMetric(backend, mode, outcome string, seconds float64) {
	conversionDurationMetric.With(prometheus.Labels{
		backendLabel: backend,
		modeLabel:    mode,
		outcomeLabel: outcome,
	}).Observe(seconds)
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(tasksSubmittedMetric)
	prometheus.MustRegister(taskTransitionsMetric)
	prometheus.MustRegister(leasesExpiredMetric)
	prometheus.MustRegister(leaseConflictsMetric)
	prometheus.MustRegister(conversionDurationMetric)
}
