package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "syncq"

// Registry holds every syncq collector. It is separate from the prometheus
// default registry so tests and embedded use do not collide.
var Registry = prometheus.NewRegistry()

var (
	requestsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_submitted_total",
		Help:      "Requests accepted by the broker and sent to the request queue.",
	})
	requestsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_completed_total",
		Help:      "Requests moved to completed by a correlated result.",
	})
	requestsTimedOut = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_timed_out_total",
		Help:      "Requests moved to timeout after exceeding the absolute request timeout.",
	})
	correlatorMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "correlator",
		Name:      "messages_total",
		Help:      "Result messages handled by the correlator, by outcome.",
	}, []string{"outcome"})
	correlatorDeleteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "correlator",
		Name:      "delete_failures_total",
		Help:      "Batch deletes on the result queue that failed.",
	})
	transportErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transport_errors_total",
		Help:      "Queue, object store and provisioner failures seen by background loops.",
	}, []string{"component"})
	registryRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "registry_records",
		Help:      "Request records currently held in the registry.",
	})
	sweeperDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sweeper",
		Name:      "deleted_total",
		Help:      "Terminal records removed after their retention window.",
	})
	awaitDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "await_duration_seconds",
		Help:      "Time spent in AwaitResult, by outcome.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	}, []string{"outcome"})

	queueReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "received_total",
		Help:      "Messages leased from a queue.",
	}, []string{"backend", "queue"})
	queueDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "deleted_total",
		Help:      "Leased messages deleted from a queue.",
	}, []string{"backend", "queue"})
	queueRequeued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "expired_requeued_total",
		Help:      "Leases that expired and were made visible again.",
	}, []string{"backend", "queue"})

	autoscalerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "autoscaler",
		Name:      "queue_depth",
		Help:      "Approximate request queue depth seen by the last reconcile.",
	})
	autoscalerDesired = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "autoscaler",
		Name:      "desired_instances",
		Help:      "Desired worker count computed by the last reconcile.",
	})
	autoscalerRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "autoscaler",
		Name:      "running_instances",
		Help:      "Managed worker instances in pending or running state.",
	})
	autoscalerActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "autoscaler",
		Name:      "actions_total",
		Help:      "Launch and terminate calls issued by the autoscaler.",
	}, []string{"action"})

	workerTasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "tasks_total",
		Help:      "Work items processed by a worker agent, by status.",
	}, []string{"status"})
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests served by the gateway.",
	}, []string{"route", "code"})
)

var registerMetrics sync.Once

// Register adds all syncq collectors, plus the Go and process collectors, to
// Registry. Safe to call more than once.
func Register() {
	registerMetrics.Do(func() {
		Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			requestsSubmitted,
			requestsCompleted,
			requestsTimedOut,
			correlatorMessages,
			correlatorDeleteFailures,
			transportErrors,
			registryRecords,
			sweeperDeleted,
			awaitDuration,
			queueReceived,
			queueDeleted,
			queueRequeued,
			autoscalerQueueDepth,
			autoscalerDesired,
			autoscalerRunning,
			autoscalerActions,
			workerTasks,
			httpRequests,
		)
	})
}

// Handler serves Registry in the prometheus text format.
func Handler() http.Handler {
	Register()
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

func RecordSubmitted() { requestsSubmitted.Inc() }

func RecordCompleted() { requestsCompleted.Inc() }

func RecordTimedOut() { requestsTimedOut.Inc() }

// RecordCorrelatorMessage counts one result message by outcome
// (applied, late, malformed, unknown, poison).
func RecordCorrelatorMessage(outcome string) {
	correlatorMessages.WithLabelValues(outcome).Inc()
}

func RecordCorrelatorDeleteFailure() { correlatorDeleteFailures.Inc() }

func RecordTransportError(component string) {
	transportErrors.WithLabelValues(component).Inc()
}

func SetRegistryRecords(n int) { registryRecords.Set(float64(n)) }

func RecordSweeperDeleted(n int) { sweeperDeleted.Add(float64(n)) }

func RecordAwait(outcome string, elapsed time.Duration) {
	awaitDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func RecordQueueReceived(backend, queue string, n int) {
	if n > 0 {
		queueReceived.WithLabelValues(backend, queue).Add(float64(n))
	}
}

func RecordQueueDeleted(backend, queue string, n int) {
	if n > 0 {
		queueDeleted.WithLabelValues(backend, queue).Add(float64(n))
	}
}

func RecordQueueRequeued(backend, queue string, n int) {
	if n > 0 {
		queueRequeued.WithLabelValues(backend, queue).Add(float64(n))
	}
}

// RecordAutoscalerObservation publishes the inputs and output of one
// reconcile cycle.
func RecordAutoscalerObservation(depth, running, desired int) {
	autoscalerQueueDepth.Set(float64(depth))
	autoscalerRunning.Set(float64(running))
	autoscalerDesired.Set(float64(desired))
}

func RecordAutoscalerAction(action string) {
	autoscalerActions.WithLabelValues(action).Inc()
}

func RecordWorkerTask(status string) {
	workerTasks.WithLabelValues(status).Inc()
}

func RecordHTTPRequest(route, code string) {
	httpRequests.WithLabelValues(route, code).Inc()
}
