package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/runplane/runplane/pkg/engine"
)

// Metrics provides Prometheus metrics for runplane. A nil *Metrics and a
// disabled one both ignore every call.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsCreated     *prometheus.CounterVec
	runTransitions  *prometheus.CounterVec
	pollTicks       *prometheus.CounterVec
	activePollers   prometheus.Gauge
	eventsPublished *prometheus.CounterVec

	// Engine metrics
	engineCalls    *prometheus.CounterVec
	engineDuration *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry

	mu     sync.Mutex
	server *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
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

		runsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_created_total",
				Help:      "Total number of runs created",
			},
			[]string{"kind", "local"},
		),
		runTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "run_transitions_total",
				Help:      "Total number of persisted run state transitions",
			},
			[]string{"from", "to"},
		),
		pollTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_ticks_total",
				Help:      "Total number of status poll ticks by result",
			},
			[]string{"result"},
		),
		activePollers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_pollers",
				Help:      "Current number of running status pollers",
			},
		),
		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Total number of events published on the bus",
			},
			[]string{"type"},
		),

		engineCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_calls_total",
				Help:      "Total number of external engine calls",
			},
			[]string{"engine", "operation"},
		),
		engineDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "engine_call_duration_seconds",
				Help:      "Duration of external engine calls in seconds",
				Buckets:   buckets,
			},
			[]string{"engine", "operation"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
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
	}

	registry.MustRegister(
		m.runsCreated,
		m.runTransitions,
		m.pollTicks,
		m.activePollers,
		m.eventsPublished,
		m.engineCalls,
		m.engineDuration,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Run Metrics

// RecordRunCreated counts a created run.
func (m *Metrics) RecordRunCreated(kind string, local bool) {
	if !m.enabled() {
		return
	}
	m.runsCreated.WithLabelValues(kind, strconv.FormatBool(local)).Inc()
}

// RecordRunTransition counts a persisted state transition.
func (m *Metrics) RecordRunTransition(from, to string) {
	if !m.enabled() {
		return
	}
	m.runTransitions.WithLabelValues(from, to).Inc()
}

// RecordPollTick counts a poll tick by result (ok, transient, fatal, stopped).
func (m *Metrics) RecordPollTick(result string) {
	if !m.enabled() {
		return
	}
	m.pollTicks.WithLabelValues(result).Inc()
}

// SetActivePollers sets the number of running pollers.
func (m *Metrics) SetActivePollers(n int) {
	if !m.enabled() {
		return
	}
	m.activePollers.Set(float64(n))
}

// RecordEventPublished counts an event handed to the bus.
func (m *Metrics) RecordEventPublished(eventType string) {
	if !m.enabled() {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

// Engine Metrics

// RecordEngineCall records an engine call with its duration, and its error
// class and code when it failed.
func (m *Metrics) RecordEngineCall(engineName, operation string, duration time.Duration, err error) {
	if !m.enabled() {
		return
	}
	m.engineCalls.WithLabelValues(engineName, operation).Inc()
	m.engineDuration.WithLabelValues(engineName, operation).Observe(duration.Seconds())
	if err != nil {
		m.RecordFailure(err)
	}
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

// RecordFailure records err under its engine error class and code.
// Unclassified errors count as class "unknown".
func (m *Metrics) RecordFailure(err error) {
	class := string(engine.ClassOf(err))
	if class == "" {
		class = "unknown"
	}
	m.RecordError(class, engine.CodeOf(err))
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
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

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	m.mu.Lock()
	m.server = server
	m.mu.Unlock()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", server.Addr).Msg("Metrics server stopped")
		}
	}()

	log.Info().Str("address", server.Addr).Str("path", m.config.Path).Msg("Metrics server started")
	return nil
}

// Shutdown stops the metrics server, if one was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	server := m.server
	m.server = nil
	m.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}
