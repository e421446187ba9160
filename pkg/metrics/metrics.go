package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Retry metrics
	RetryAttemptsTotal *prometheus.CounterVec
	RetryDelay         *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitState       *prometheus.GaugeVec
	CircuitFailures    *prometheus.GaugeVec
	CircuitTransitions *prometheus.CounterVec
	CircuitRejections  *prometheus.CounterVec

	// Fallback and recovery metrics
	FallbackTotal    *prometheus.CounterVec
	RecoveryTotal    *prometheus.CounterVec
	RecoveryDuration *prometheus.HistogramVec

	// Collaborator metrics
	NotificationsTotal  *prometheus.CounterVec
	StatusPublishTotal  *prometheus.CounterVec
	ObserverPanicsTotal *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`

	// Registry receives the collectors. Defaults to the global registry.
	Registry *prometheus.Registry `json:"-"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "recoverykit",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return nil
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"method", "path"},
		),

		RetryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retry_attempts_total",
				Help:      "Total number of attempts made by retry executors",
			},
			[]string{"policy", "outcome"},
		),
		RetryDelay: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retry_delay_seconds",
				Help:      "Backoff delay slept between attempts",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"policy"},
		),

		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"circuit"},
		),
		CircuitFailures: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_consecutive_failures",
				Help:      "Consecutive failures counted by a circuit breaker",
			},
			[]string{"circuit"},
		),
		CircuitTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"circuit", "from", "to"},
		),
		CircuitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_rejections_total",
				Help:      "Total number of calls rejected by an open circuit",
			},
			[]string{"circuit"},
		),

		FallbackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "fallback_total",
				Help:      "Total number of fallback executions by outcome",
			},
			[]string{"name", "outcome"},
		),
		RecoveryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "recovery_total",
				Help:      "Total number of recovery recipe runs by outcome",
			},
			[]string{"recipe", "outcome"},
		),
		RecoveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "recovery_duration_seconds",
				Help:      "Recovery recipe duration in seconds",
				Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"recipe", "outcome"},
		),

		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "notifications_total",
				Help:      "Total number of notification deliveries by format and outcome",
			},
			[]string{"format", "outcome"},
		),
		StatusPublishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "status_publish_total",
				Help:      "Total number of circuit status snapshots published",
			},
			[]string{"outcome"},
		),
		ObserverPanicsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "observer_panics_total",
				Help:      "Total number of panics recovered from observer callbacks",
			},
			[]string{"component"},
		),
	}

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	m.gatherer = prometheus.DefaultGatherer
	if config.Registry != nil {
		registerer = config.Registry
		m.gatherer = config.Registry
	}

	registerer.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.RetryAttemptsTotal,
		m.RetryDelay,
		m.CircuitState,
		m.CircuitFailures,
		m.CircuitTransitions,
		m.CircuitRejections,
		m.FallbackTotal,
		m.RecoveryTotal,
		m.RecoveryDuration,
		m.NotificationsTotal,
		m.StatusPublishTotal,
		m.ObserverPanicsTotal,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordRetryAttempt records the outcome of a single attempt
func (m *Metrics) RecordRetryAttempt(policy, outcome string) {
	if m == nil {
		return
	}

	m.RetryAttemptsTotal.WithLabelValues(policy, outcome).Inc()
}

// RecordRetryDelay records a backoff sleep
func (m *Metrics) RecordRetryDelay(policy string, delay time.Duration) {
	if m == nil {
		return
	}

	m.RetryDelay.WithLabelValues(policy).Observe(delay.Seconds())
}

// SetCircuitState publishes the current breaker state. State names are
// CLOSED, HALF_OPEN and OPEN.
func (m *Metrics) SetCircuitState(circuit, state string, failures int) {
	if m == nil {
		return
	}

	m.CircuitState.WithLabelValues(circuit).Set(stateValue(state))
	m.CircuitFailures.WithLabelValues(circuit).Set(float64(failures))
}

// RecordCircuitTransition records a breaker state change
func (m *Metrics) RecordCircuitTransition(circuit, from, to string) {
	if m == nil {
		return
	}

	m.CircuitTransitions.WithLabelValues(circuit, from, to).Inc()
	m.CircuitState.WithLabelValues(circuit).Set(stateValue(to))
}

// RecordCircuitRejection records a call refused without invoking the operation
func (m *Metrics) RecordCircuitRejection(circuit string) {
	if m == nil {
		return
	}

	m.CircuitRejections.WithLabelValues(circuit).Inc()
}

// RecordFallback records which branch of a fallback execution finished it
func (m *Metrics) RecordFallback(name, outcome string) {
	if m == nil {
		return
	}

	m.FallbackTotal.WithLabelValues(name, outcome).Inc()
}

// RecordRecovery records a recovery recipe run
func (m *Metrics) RecordRecovery(recipe, outcome string, duration time.Duration) {
	if m == nil {
		return
	}

	m.RecoveryTotal.WithLabelValues(recipe, outcome).Inc()
	m.RecoveryDuration.WithLabelValues(recipe, outcome).Observe(duration.Seconds())
}

// RecordNotification records a notification delivery
func (m *Metrics) RecordNotification(format, outcome string) {
	if m == nil {
		return
	}

	m.NotificationsTotal.WithLabelValues(format, outcome).Inc()
}

// RecordStatusPublish records a status board publish
func (m *Metrics) RecordStatusPublish(outcome string) {
	if m == nil {
		return
	}

	m.StatusPublishTotal.WithLabelValues(outcome).Inc()
}

// RecordObserverPanic records a panic recovered from a user callback
func (m *Metrics) RecordObserverPanic(component string) {
	if m == nil {
		return
	}

	m.ObserverPanicsTotal.WithLabelValues(component).Inc()
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}

		m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Inc()
		defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Dec()

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func stateValue(state string) float64 {
	switch state {
	case "HALF_OPEN":
		return 1
	case "OPEN":
		return 2
	default:
		return 0
	}
}

// CircuitSample is one breaker's state as seen by the collector
type CircuitSample struct {
	Key      string
	State    string
	Failures int
}

// MetricsCollector refreshes circuit gauges periodically
type MetricsCollector struct {
	metrics  *Metrics
	interval time.Duration
	source   func() []CircuitSample
	stopCh   chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(metrics *Metrics, interval time.Duration, source func() []CircuitSample) *MetricsCollector {
	return &MetricsCollector{
		metrics:  metrics,
		interval: interval,
		source:   source,
		stopCh:   make(chan struct{}),
	}
}

// Start begins metrics collection
func (mc *MetricsCollector) Start(ctx context.Context) {
	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collectMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-mc.stopCh:
			return
		case <-ticker.C:
			mc.collectMetrics()
		}
	}
}

// Stop stops metrics collection
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
}

func (mc *MetricsCollector) collectMetrics() {
	if mc.source == nil {
		return
	}
	for _, sample := range mc.source() {
		mc.metrics.SetCircuitState(sample.Key, sample.State, sample.Failures)
	}
}
