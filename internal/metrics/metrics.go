package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/ErlanBelekov/escrow-orchestrator/internal/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler metrics

	StageRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "stage_runs_total",
		Help:      "Stage runs that acquired the run slot, by outcome.",
	}, []string{"stage", "outcome"})

	StageRunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orchestrator",
		Name:      "stage_run_duration_seconds",
		Help:      "Duration of one stage run.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"stage"})

	StageSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "stage_skipped_total",
		Help:      "Ticks skipped because a run of the stage was still open.",
	}, []string{"stage"})

	ReaperReleasedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "reaper_released_total",
		Help:      "Stale stage runs closed by the reaper.",
	}, []string{"stage"})

	SchedulerStartTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Name:      "scheduler_start_time_seconds",
		Help:      "Unix timestamp when the scheduler started.",
	})

	// Job metrics

	JobTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "job_transitions_total",
		Help:      "Per-job stage outcomes: advanced, unchanged, retry, failed or stale.",
	}, []string{"stage", "outcome"})

	// Webhook metrics

	WebhookDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "webhook_deliveries_total",
		Help:      "Outgoing webhook delivery attempts, by outcome.",
	}, []string{"outcome"})

	WebhookDeliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orchestrator",
		Name:      "webhook_delivery_duration_seconds",
		Help:      "Duration of outgoing webhook HTTP calls.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	IncomingWebhooksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "incoming_webhooks_total",
		Help:      "Incoming webhooks by outcome of receipt or processing.",
	}, []string{"outcome"})

	// HTTP metrics

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orchestrator",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route template and status class.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "route", "status_class"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "http_requests_total",
		Help:      "HTTP requests by route template and status class.",
	}, []string{"method", "route", "status_class"})
)

func Register() {
	prometheus.MustRegister(
		StageRunsTotal,
		StageRunDuration,
		StageSkippedTotal,
		ReaperReleasedTotal,
		SchedulerStartTime,
		JobTransitionsTotal,
		WebhookDeliveriesTotal,
		WebhookDeliveryDuration,
		IncomingWebhooksTotal,
		HTTPRequestDuration,
		HTTPRequestsTotal,
	)
}

// NewServer serves /metrics plus liveness and readiness probes on a separate port.
func NewServer(addr string, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, checker.Liveness(r.Context()))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, checker.Readiness(r.Context()))
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func writeHealth(w http.ResponseWriter, res health.HealthResult) {
	w.Header().Set("Content-Type", "application/json")
	if res.Status != "up" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(res)
}
