package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	JobsStarted         *prometheus.CounterVec
	JobsFinished        *prometheus.CounterVec
	QueuedPrompts       prometheus.Counter
	SubscribersDropped  *prometheus.CounterVec
	TaskRuns            *prometheus.CounterVec
	OrchestratorActions *prometheus.CounterVec
	ActiveJobs          prometheus.Gauge
	StreamSubscribers   prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		JobsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Jobs admitted, by provider.",
		}, []string{"provider"}),
		JobsFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs completed, by provider and status.",
		}, []string{"provider", "status"}),
		QueuedPrompts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queued_prompts_total",
			Help:      "Prompts deferred to a session's pending queue.",
		}),
		SubscribersDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribers_dropped_total",
			Help:      "Slow stream subscribers evicted, by topic.",
		}, []string{"topic"}),
		TaskRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_runs_total",
			Help:      "Scheduled task runs, by status.",
		}, []string{"status"}),
		OrchestratorActions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestrator_actions_total",
			Help:      "Orchestrator decisions, by action.",
		}, []string{"action"}),
		ActiveJobs: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Jobs currently running.",
		}),
		StreamSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_subscribers",
			Help:      "Live stream subscribers across all topics.",
		}),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
