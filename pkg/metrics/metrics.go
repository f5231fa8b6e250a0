package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all metric instances for coreloop components.
type Registry struct {
	// Loop Metrics
	Ticks            *prometheus.CounterVec
	IdleSleeps       *prometheus.CounterVec
	EventsDispatched *prometheus.CounterVec

	// Deferred Queue Metrics
	ItemsExecuted *prometheus.CounterVec
	ItemsFailed   *prometheus.CounterVec
	ItemDuration  *prometheus.HistogramVec
	ItemWait      *prometheus.HistogramVec
	QueueDepth    *prometheus.GaugeVec
	SubmitWaits   *prometheus.CounterVec

	// Resumable Task Metrics
	TasksActive    *prometheus.GaugeVec
	TaskSteps      *prometheus.CounterVec
	TasksCompleted *prometheus.CounterVec
	TasksFailed    *prometheus.CounterVec

	// Producer Metrics
	TimersFired      *prometheus.CounterVec
	OffloadTasks     *prometheus.CounterVec
	OffloadFailed    *prometheus.CounterVec
	WorkerPoolActive *prometheus.GaugeVec
}

// NewRegistry creates a new metrics registry with the given Prometheus registerer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	return NewRegistryWithConfig(Config{Registry: reg})
}

// NewRegistryWithConfig creates a metrics registry honoring the namespace and
// constant labels of config.
func NewRegistryWithConfig(config Config) *Registry {
	reg := config.Registry
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	ns := config.Namespace
	if ns == "" {
		ns = "coreloop"
	}
	labels := config.Labels
	factory := promauto.With(reg)

	counter := func(subsystem, name, help string, labelNames ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, labelNames)
	}
	gauge := func(subsystem, name, help string, labelNames ...string) *prometheus.GaugeVec {
		return factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, labelNames)
	}
	histogram := func(subsystem, name, help string, buckets []float64, labelNames ...string) *prometheus.HistogramVec {
		return factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			Buckets:     buckets,
			ConstLabels: labels,
		}, labelNames)
	}

	// 50µs to ~3.3s
	itemBuckets := prometheus.ExponentialBuckets(0.00005, 4, 9)

	return &Registry{
		Ticks:            counter("loop", "ticks_total", "Total number of main loop iterations", "loop_name"),
		IdleSleeps:       counter("loop", "idle_sleeps_total", "Iterations that found no work and slept", "loop_name"),
		EventsDispatched: counter("loop", "events_dispatched_total", "Native events dispatched by the loop", "loop_name"),

		ItemsExecuted: counter("queue", "items_executed_total", "Deferred items executed", "loop_name", "category"),
		ItemsFailed:   counter("queue", "items_failed_total", "Deferred items that returned an error or panicked", "loop_name", "category"),
		ItemDuration:  histogram("queue", "item_duration_seconds", "Time spent executing deferred items", itemBuckets, "loop_name", "category"),
		ItemWait:      histogram("queue", "item_wait_seconds", "Time deferred items spent queued", prometheus.DefBuckets, "loop_name", "category"),
		QueueDepth:    gauge("queue", "depth", "Deferred items currently queued", "loop_name", "category"),
		SubmitWaits:   counter("queue", "submit_waits_total", "Submissions that waited for queue space", "loop_name", "category"),

		TasksActive:    gauge("tasks", "active", "Resumable tasks currently registered", "loop_name"),
		TaskSteps:      counter("tasks", "steps_total", "Resumable task steps executed", "loop_name"),
		TasksCompleted: counter("tasks", "completed_total", "Resumable tasks that completed", "loop_name"),
		TasksFailed:    counter("tasks", "failed_total", "Resumable tasks removed after a failure", "loop_name"),

		TimersFired:      counter("timers", "fired_total", "Timer entries submitted onto the loop", "scheduler_name"),
		OffloadTasks:     counter("workerpool", "tasks_total", "Tasks executed by an offload pool", "pool_name"),
		OffloadFailed:    counter("workerpool", "failed_total", "Offload tasks that failed", "pool_name"),
		WorkerPoolActive: gauge("workerpool", "active_workers", "Number of workers executing a task", "pool_name"),
	}
}
