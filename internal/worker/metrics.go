package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	tasksTotal   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	activeTasks  prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalogfit_worker_tasks_total",
			Help: "Total queued run tasks by source and final status.",
		}, []string{"source", "status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "catalogfit_worker_task_duration_seconds",
			Help:    "Duration of each queued run task.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"source", "status"}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "catalogfit_worker_active_tasks",
			Help: "Run tasks currently executing in this worker.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.tasksTotal, m.taskDuration, m.activeTasks)
	}
	return m
}
