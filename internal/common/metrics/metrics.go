// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EntitlementChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_checks_total",
			Help: "Entitlement decisions by grant mechanism and reason",
		},
		[]string{"via", "reason"},
	)

	PassesExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "entitlement_passes_expired_total",
			Help: "Access passes flipped to expired by lazy evaluation",
		},
	)

	PassEventsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_pass_events_total",
			Help: "Payment provider pass events by type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	TokensIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "download_tokens_issued_total",
			Help: "Download tokens issued by entitlement kind",
		},
		[]string{"via"},
	)

	TokenValidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "download_token_validations_total",
			Help: "Download token validations by result code",
		},
		[]string{"result"},
	)

	AnomalousDownloads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "download_anomalous_total",
			Help: "Downloads whose client fingerprint differs from issuance",
		},
	)

	DownloadEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "download_events_dropped_total",
			Help: "Download events not handed to the audit recorders",
		},
		[]string{"reason"},
	)

	DeliveryResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_resolutions_total",
			Help: "Delivery gateway resolutions by result code",
		},
		[]string{"result"},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Requests rejected by a rate limiter",
		},
		[]string{"scope"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of jobs completed by worker",
		},
		[]string{"task_type"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs failed by worker",
		},
		[]string{"task_type", "error_code"},
	)

	WorkerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "worker_job_duration_seconds",
			Help: "Duration of job processing in seconds",
		},
		[]string{"task_type"},
	)
)
