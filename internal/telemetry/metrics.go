// Package telemetry exposes the dispatcher's Prometheus metrics.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queryprocessor_jobs_enqueued_total", Help: "Total jobs enqueued in status pending.",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queryprocessor_jobs_completed_total", Help: "Jobs that reached status completed.",
	})
	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queryprocessor_jobs_failed_total", Help: "Jobs that reached status failed, by error kind.",
	}, []string{"kind"})
	JobsReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queryprocessor_jobs_reclaimed_total", Help: "Jobs reset to pending by the recovery sweep.",
	})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queryprocessor_queue_depth", Help: "Current job count by status.",
	}, []string{"status"})
	GlobalGateInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "queryprocessor_global_gate_in_use", Help: "Permits currently held on the global admission gate.",
	})
	GlobalGateCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "queryprocessor_global_gate_capacity", Help: "Total permits on the global admission gate.",
	})
)

// Handler exposes the /metrics HTTP handler behind a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsFailed,
			JobsReclaimed,
			QueueDepth,
			GlobalGateInUse,
			GlobalGateCapacity,
		)
	})
	return promhttp.Handler()
}
