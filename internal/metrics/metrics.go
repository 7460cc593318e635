// Package metrics observes hub, pool, and batcher internals for external
// monitoring. It is an observer only: nothing here feeds back into the
// control flow.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Reporter exports synchronization-engine metrics in Prometheus exposition
// format.
type Reporter struct {
	startedAt time.Time

	activeConnections prometheus.Gauge
	queueDepth        prometheus.Gauge
	workerUtilization prometheus.Gauge
	batchPending      prometheus.Gauge

	changesAccepted  prometheus.Counter
	changesRejected  prometheus.Counter
	rateLimited      prometheus.Counter
	tasksDropped     prometheus.Counter
	batchesFlushed   prometheus.Counter
	broadcastsSent   prometheus.Counter
	protocolErrors   prometheus.Counter
	storeFailures    prometheus.Counter
	conflictsByKind  *prometheus.CounterVec
	resolutionTiming prometheus.Histogram
}

// NewReporter registers the metric set on the given registerer.
func NewReporter(reg prometheus.Registerer, now func() time.Time) *Reporter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if now == nil {
		now = time.Now
	}
	r := &Reporter{
		startedAt: now(),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rosterhub_active_connections",
			Help: "Number of registered client connections.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rosterhub_worker_queue_depth",
			Help: "Tasks waiting for a worker.",
		}),
		workerUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rosterhub_worker_utilization",
			Help: "Fraction of workers currently executing a task.",
		}),
		batchPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rosterhub_batch_pending_messages",
			Help: "Messages buffered in the batcher awaiting flush.",
		}),
		changesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rosterhub_changes_accepted_total",
			Help: "Change requests committed to the store.",
		}),
		changesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rosterhub_changes_rejected_total",
			Help: "Change requests rejected by conflict resolution.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rosterhub_rate_limited_total",
			Help: "Requests dropped by per-client admission control.",
		}),
		tasksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rosterhub_tasks_dropped_total",
			Help: "Tasks lost to worker queue backpressure.",
		}),
		batchesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rosterhub_batches_flushed_total",
			Help: "Batches handed to the broadcast path.",
		}),
		broadcastsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rosterhub_broadcast_deliveries_total",
			Help: "Per-client message deliveries across all broadcasts.",
		}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rosterhub_protocol_errors_total",
			Help: "Malformed inbound messages dropped.",
		}),
		storeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rosterhub_store_failures_total",
			Help: "Durable-store writes that failed and were surfaced as retryable.",
		}),
		conflictsByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rosterhub_conflicts_resolved_total",
			Help: "Conflicts resolved, partitioned by applied strategy.",
		}, []string{"strategy"}),
		resolutionTiming: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rosterhub_resolution_duration_seconds",
			Help:    "Latency from dequeue of a change request to commit decision.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}

	reg.MustRegister(
		r.activeConnections, r.queueDepth, r.workerUtilization, r.batchPending,
		r.changesAccepted, r.changesRejected, r.rateLimited, r.tasksDropped,
		r.batchesFlushed, r.broadcastsSent, r.protocolErrors, r.storeFailures,
		r.conflictsByKind, r.resolutionTiming,
	)
	return r
}

// SetActiveConnections records the registered connection count.
func (r *Reporter) SetActiveConnections(n int) { r.activeConnections.Set(float64(n)) }

// SetQueueDepth records the worker queue depth.
func (r *Reporter) SetQueueDepth(n int) { r.queueDepth.Set(float64(n)) }

// SetWorkerUtilization records the busy-worker fraction.
func (r *Reporter) SetWorkerUtilization(active int64, workers int) {
	if workers <= 0 {
		return
	}
	r.workerUtilization.Set(float64(active) / float64(workers))
}

// SetBatchPending records the batcher buffer size.
func (r *Reporter) SetBatchPending(n int) { r.batchPending.Set(float64(n)) }

// IncChangeAccepted counts one committed change.
func (r *Reporter) IncChangeAccepted() { r.changesAccepted.Inc() }

// IncChangeRejected counts one rejected change.
func (r *Reporter) IncChangeRejected() { r.changesRejected.Inc() }

// IncRateLimited counts one admission drop.
func (r *Reporter) IncRateLimited() { r.rateLimited.Inc() }

// AddTasksDropped counts backpressure drops.
func (r *Reporter) AddTasksDropped(n int64) { r.tasksDropped.Add(float64(n)) }

// IncBatchFlushed counts one batch flush.
func (r *Reporter) IncBatchFlushed() { r.batchesFlushed.Inc() }

// AddBroadcastDeliveries counts per-client deliveries of one broadcast.
func (r *Reporter) AddBroadcastDeliveries(n int) { r.broadcastsSent.Add(float64(n)) }

// IncProtocolError counts one dropped malformed message.
func (r *Reporter) IncProtocolError() { r.protocolErrors.Inc() }

// IncStoreFailure counts one retryable store failure.
func (r *Reporter) IncStoreFailure() { r.storeFailures.Inc() }

// IncConflictResolved counts one resolved conflict by strategy.
func (r *Reporter) IncConflictResolved(strategy string) {
	r.conflictsByKind.WithLabelValues(strategy).Inc()
}

// ObserveResolution records one resolution latency.
func (r *Reporter) ObserveResolution(seconds float64) { r.resolutionTiming.Observe(seconds) }

// Uptime reports time since the reporter was constructed.
func (r *Reporter) Uptime(now time.Time) time.Duration {
	return now.Sub(r.startedAt)
}

// Health is the point-in-time snapshot served on the health surface.
type Health struct {
	Status            string  `json:"status"`
	ActiveConnections int     `json:"active_connections"`
	QueueDepth        int     `json:"queue_depth"`
	WorkerUtilization float64 `json:"worker_utilization"`
	BatchPending      int     `json:"batch_pending"`
	DroppedTasks      int64   `json:"dropped_tasks"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
}
