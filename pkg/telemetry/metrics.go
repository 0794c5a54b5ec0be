package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for plan execution. All methods are
// safe on a nil or disabled instance.
type Metrics struct {
	config MetricsConfig

	// Plan metrics
	plansStarted  *prometheus.CounterVec
	plansFinished *prometheus.CounterVec
	planDuration  *prometheus.HistogramVec

	// Step metrics
	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec

	// Decision metrics
	safetyDecisions       *prometheus.CounterVec
	confirmations         *prometheus.CounterVec
	verificationFallbacks *prometheus.CounterVec
	summarizations        *prometheus.CounterVec
	revisions             *prometheus.CounterVec
	eventsPublished       *prometheus.CounterVec

	// LLM metrics
	llmRequests *prometheus.CounterVec
	llmDuration *prometheus.HistogramVec
	llmInFlight prometheus.Gauge

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Cache metrics
	cacheLookups   *prometheus.CounterVec
	cacheEvictions prometheus.Counter

	// System metrics
	activePlans          prometheus.Gauge
	pendingConfirmations prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		plansStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_started_total",
				Help:      "Total number of plans that started executing",
			},
			[]string{"revised"},
		),
		plansFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_finished_total",
				Help:      "Total number of plans that left the active table",
			},
			[]string{"status"},
		),
		planDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plan_duration_seconds",
				Help:      "Time from plan activation to completion or abort",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of executed steps by verified outcome",
			},
			[]string{"outcome"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Execution plus verification time of a step",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		safetyDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "safety_decisions_total",
				Help:      "Safety gate decisions (allowed, confirmation, blocked)",
			},
			[]string{"decision"},
		),
		confirmations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "confirmations_total",
				Help:      "Resolved confirmation requests",
			},
			[]string{"decision"},
		),
		verificationFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verification_fallbacks_total",
				Help:      "Verifications that fell back to the raw execution result",
			},
			[]string{"code"},
		),
		summarizations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "progress_summarizations_total",
				Help:      "Progress summarization rounds",
			},
			[]string{"outcome"},
		),
		revisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_revisions_total",
				Help:      "Plan revision rounds",
			},
			[]string{"outcome"},
		),
		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Lifecycle events published by kind",
			},
			[]string{"kind"},
		),
		llmRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_requests_total",
				Help:      "LLM calls by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		llmDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "llm_request_duration_seconds",
				Help:      "LLM call latency including queueing",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		llmInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "llm_requests_in_flight",
				Help:      "LLM calls currently holding a worker slot",
			},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_cache_lookups_total",
				Help:      "Plan cache lookups by result",
			},
			[]string{"result"},
		),
		cacheEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_cache_evictions_total",
				Help:      "Plans evicted from the cache",
			},
		),
		activePlans: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_plans",
				Help:      "Current number of active plans",
			},
		),
		pendingConfirmations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_confirmations",
				Help:      "Current number of commands awaiting confirmation",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.plansStarted,
		m.plansFinished,
		m.planDuration,
		m.stepsExecuted,
		m.stepDuration,
		m.safetyDecisions,
		m.confirmations,
		m.verificationFallbacks,
		m.summarizations,
		m.revisions,
		m.eventsPublished,
		m.llmRequests,
		m.llmDuration,
		m.llmInFlight,
		m.errorsByClass,
		m.errorsByCode,
		m.cacheLookups,
		m.cacheEvictions,
		m.activePlans,
		m.pendingConfirmations,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Plan Metrics

// RecordPlanStarted increments the counter for started plans.
func (m *Metrics) RecordPlanStarted(revised bool) {
	if !m.enabled() {
		return
	}
	m.plansStarted.WithLabelValues(fmt.Sprintf("%t", revised)).Inc()
}

// RecordPlanFinished records a plan leaving the active table.
func (m *Metrics) RecordPlanFinished(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.plansFinished.WithLabelValues(status).Inc()
	m.planDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// Step Metrics

// RecordStep records a verified step outcome.
func (m *Metrics) RecordStep(outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.stepsExecuted.WithLabelValues(outcome).Inc()
	m.stepDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordSafetyDecision records a safety gate decision.
func (m *Metrics) RecordSafetyDecision(decision string) {
	if !m.enabled() {
		return
	}
	m.safetyDecisions.WithLabelValues(decision).Inc()
}

// RecordConfirmation records an approve or deny decision.
func (m *Metrics) RecordConfirmation(approved bool) {
	if !m.enabled() {
		return
	}
	decision := "denied"
	if approved {
		decision = "approved"
	}
	m.confirmations.WithLabelValues(decision).Inc()
}

// RecordVerificationFallback records a verification that fell back to the
// raw execution result.
func (m *Metrics) RecordVerificationFallback(code string) {
	if !m.enabled() {
		return
	}
	m.verificationFallbacks.WithLabelValues(code).Inc()
}

// RecordSummarization records a progress summarization round.
func (m *Metrics) RecordSummarization(outcome string) {
	if !m.enabled() {
		return
	}
	m.summarizations.WithLabelValues(outcome).Inc()
}

// RecordRevision records a revision round.
func (m *Metrics) RecordRevision(outcome string) {
	if !m.enabled() {
		return
	}
	m.revisions.WithLabelValues(outcome).Inc()
}

// RecordEvent counts a published lifecycle event.
func (m *Metrics) RecordEvent(kind string) {
	if !m.enabled() {
		return
	}
	m.eventsPublished.WithLabelValues(kind).Inc()
}

// LLM Metrics

// RecordLLMRequest records a finished LLM call.
func (m *Metrics) RecordLLMRequest(operation, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.llmRequests.WithLabelValues(operation, outcome).Inc()
	m.llmDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// AddLLMInFlight adjusts the in-flight LLM call gauge.
func (m *Metrics) AddLLMInFlight(delta float64) {
	if !m.enabled() {
		return
	}
	m.llmInFlight.Add(delta)
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Cache Metrics

// RecordCacheLookup records a plan cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if !m.enabled() {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// RecordCacheEviction records a plan evicted from the cache.
func (m *Metrics) RecordCacheEviction() {
	if !m.enabled() {
		return
	}
	m.cacheEvictions.Inc()
}

// System Metrics

// SetActivePlans sets the current number of active plans.
func (m *Metrics) SetActivePlans(count float64) {
	if !m.enabled() {
		return
	}
	m.activePlans.Set(count)
}

// SetPendingConfirmations sets the current number of pending commands.
func (m *Metrics) SetPendingConfirmations(count float64) {
	if !m.enabled() {
		return
	}
	m.pendingConfirmations.Set(count)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts a standalone HTTP server exposing metrics when a
// listen address is configured.
func (m *Metrics) StartMetricsServer(logger *Logger) error {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			logger.WithError(err).Error("metrics server stopped")
		}
	}()

	return nil
}
