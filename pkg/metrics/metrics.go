package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pulp_manager_tasks_total",
			Help: "Total number of tracked tasks by type and state",
		},
		[]string{"task_type", "state"},
	)

	SyncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulp_manager_repo_sync_duration_seconds",
			Help:    "Duration of repo sync tasks in seconds",
			Buckets: prometheus.ExponentialBuckets(30, 2, 10),
		},
		[]string{"pulp_server"},
	)

	// Repo health metrics
	RepoHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pulp_manager_repo_health_total",
			Help: "Number of repos per pulp server by sync health",
		},
		[]string{"pulp_server", "health"},
	)

	// Queue metrics
	QueueJobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pulp_manager_queue_jobs_total",
			Help: "Number of jobs per queue by registry",
		},
		[]string{"queue", "registry"},
	)

	// Backend metrics
	BackendAPIErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulp_manager_backend_api_errors_total",
			Help: "Total number of errored calls to pulp backends",
		},
		[]string{"pulp_server"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulp_manager_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulp_manager_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(SyncDuration)
	prometheus.MustRegister(RepoHealth)
	prometheus.MustRegister(QueueJobs)
	prometheus.MustRegister(BackendAPIErrors)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
