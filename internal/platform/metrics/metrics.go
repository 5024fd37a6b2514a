package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the service collectors on a private prometheus registry.
// All methods are safe on a nil *Registry, which records nothing.
type Registry struct {
	reg *prometheus.Registry

	Assessments               *prometheus.CounterVec
	AssessmentsRejected       prometheus.Counter
	AlertsMaterialized        *prometheus.CounterVec
	AlertTransitions          *prometheus.CounterVec
	RecommendationsWritten    *prometheus.CounterVec
	RecommendationTransitions *prometheus.CounterVec
	BatchRuns                 *prometheus.CounterVec
	BatchDuration             prometheus.Histogram
	EventsPublished           *prometheus.CounterVec
	HTTPRequests              *prometheus.CounterVec
	HTTPLatency               *prometheus.HistogramVec
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	assessments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_risk_assessments_total",
		Help: "Prescriptions scored, by severity.",
	}, []string{"severity"})
	rejected := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "insight_risk_assessments_rejected_total",
		Help: "Prescriptions that could not be assessed.",
	})
	alerts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_alerts_materialized_total",
		Help: "Alerts written, by severity.",
	}, []string{"severity"})
	alertTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_alert_transitions_total",
		Help: "Alert status changes, by target status.",
	}, []string{"status"})
	recs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_recommendations_written_total",
		Help: "Recommendation writes from synthesis, by type and outcome.",
	}, []string{"type", "outcome"})
	recTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_recommendation_transitions_total",
		Help: "Recommendation status changes, by target status.",
	}, []string{"status"})
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_batch_runs_total",
		Help: "Batch pipeline runs, by result.",
	}, []string{"result"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "insight_batch_run_duration_seconds",
		Help:    "Batch pipeline run latency per tenant.",
		Buckets: prometheus.DefBuckets,
	})
	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_events_published_total",
		Help: "Outbound events, by type and result.",
	}, []string{"type", "result"})

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_http_requests_total",
		Help: "HTTP requests, by method, route and status.",
	}, []string{"method", "route", "status"})
	httpLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "insight_http_request_duration_seconds",
		Help:    "HTTP request latency, by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		assessments, rejected, alerts, alertTransitions, recs, recTransitions, runs, duration, published,
		httpRequests, httpLatency,
	)
	return &Registry{
		reg:                       r,
		Assessments:               assessments,
		AssessmentsRejected:       rejected,
		AlertsMaterialized:        alerts,
		AlertTransitions:          alertTransitions,
		RecommendationsWritten:    recs,
		RecommendationTransitions: recTransitions,
		BatchRuns:                 runs,
		BatchDuration:             duration,
		EventsPublished:           published,
		HTTPRequests:              httpRequests,
		HTTPLatency:               httpLatency,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }

func (r *Registry) ObserveAssessment(severity string) {
	if r == nil {
		return
	}
	r.Assessments.WithLabelValues(severity).Inc()
}

func (r *Registry) ObserveRejectedAssessment() {
	if r == nil {
		return
	}
	r.AssessmentsRejected.Inc()
}

func (r *Registry) ObserveAlert(severity string) {
	if r == nil {
		return
	}
	r.AlertsMaterialized.WithLabelValues(severity).Inc()
}

func (r *Registry) ObserveAlertTransition(status string) {
	if r == nil {
		return
	}
	r.AlertTransitions.WithLabelValues(status).Inc()
}

func (r *Registry) ObserveRecommendationWrite(recType, outcome string) {
	if r == nil {
		return
	}
	r.RecommendationsWritten.WithLabelValues(recType, outcome).Inc()
}

func (r *Registry) ObserveRecommendationTransition(status string) {
	if r == nil {
		return
	}
	r.RecommendationTransitions.WithLabelValues(status).Inc()
}

func (r *Registry) ObserveBatchRun(result string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.BatchRuns.WithLabelValues(result).Inc()
	r.BatchDuration.Observe(elapsed.Seconds())
}

func (r *Registry) ObservePublish(eventType string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.EventsPublished.WithLabelValues(eventType, result).Inc()
}

func (r *Registry) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.HTTPLatency.WithLabelValues(route).Observe(elapsed.Seconds())
}
