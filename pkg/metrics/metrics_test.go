package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	m := NewMetrics(&Config{Namespace: "test", Enabled: true, Registry: registry})
	require.NotNil(t, m)
	return m, registry
}

// gatherValue returns the value of the first sample of a metric family whose
// labels include every given pair.
func gatherValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := registry.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					continue metrics
				}
			}
			switch {
			case metric.GetCounter() != nil:
				return metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				return metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				return float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordRetryAttempt("p", "success")
		m.RecordRetryDelay("p", time.Second)
		m.SetCircuitState("c", "OPEN", 3)
		m.RecordCircuitTransition("c", "CLOSED", "OPEN")
		m.RecordCircuitRejection("c")
		m.RecordFallback("f", "primary")
		m.RecordRecovery("r", "recovered", time.Second)
		m.RecordNotification("html", "sent")
		m.RecordStatusPublish("ok")
		m.RecordObserverPanic("retry")
		m.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
	})
	assert.NotNil(t, m.Handler())
}

func TestDisabledMetricsReturnNil(t *testing.T) {
	assert.Nil(t, NewMetrics(&Config{Enabled: false}))
}

func TestRecordRetryAndRecovery(t *testing.T) {
	m, registry := newTestMetrics(t)

	m.RecordRetryAttempt("remote_call", "retry")
	m.RecordRetryAttempt("remote_call", "retry")
	m.RecordRetryAttempt("remote_call", "success")
	m.RecordRetryDelay("remote_call", 200*time.Millisecond)
	m.RecordRecovery("surface_refresh", "recovered", time.Second)

	assert.Equal(t, 2.0, gatherValue(t, registry, "test_retry_attempts_total", map[string]string{"outcome": "retry"}))
	assert.Equal(t, 1.0, gatherValue(t, registry, "test_retry_attempts_total", map[string]string{"outcome": "success"}))
	assert.Equal(t, 1.0, gatherValue(t, registry, "test_retry_delay_seconds", map[string]string{"policy": "remote_call"}))
	assert.Equal(t, 1.0, gatherValue(t, registry, "test_recovery_total", map[string]string{"recipe": "surface_refresh"}))
}

func TestCircuitGauges(t *testing.T) {
	m, registry := newTestMetrics(t)

	m.RecordCircuitTransition("api:orders", "CLOSED", "OPEN")
	assert.Equal(t, 2.0, gatherValue(t, registry, "test_circuit_state", map[string]string{"circuit": "api:orders"}))

	m.SetCircuitState("api:orders", "HALF_OPEN", 0)
	assert.Equal(t, 1.0, gatherValue(t, registry, "test_circuit_state", map[string]string{"circuit": "api:orders"}))

	m.RecordCircuitRejection("api:orders")
	assert.Equal(t, 1.0, gatherValue(t, registry, "test_circuit_rejections_total", map[string]string{"circuit": "api:orders"}))
	assert.Equal(t, 1.0, gatherValue(t, registry, "test_circuit_transitions_total", map[string]string{"to": "OPEN"}))
}

func TestMetricsCollector(t *testing.T) {
	m, registry := newTestMetrics(t)

	collector := NewMetricsCollector(m, time.Hour, func() []CircuitSample {
		return []CircuitSample{{Key: "smtp:mail", State: "OPEN", Failures: 4}}
	})
	collector.collectMetrics()

	assert.Equal(t, 2.0, gatherValue(t, registry, "test_circuit_state", map[string]string{"circuit": "smtp:mail"}))
	assert.Equal(t, 4.0, gatherValue(t, registry, "test_circuit_consecutive_failures", map[string]string{"circuit": "smtp:mail"}))
}

func TestPrometheusMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, _ := newTestMetrics(t)

	router := gin.New()
	router.Use(m.PrometheusMiddleware())
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	router.GET("/metrics", gin.WrapH(m.Handler()))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `test_http_requests_total{method="GET",path="/ping",status_code="200"} 1`)
}
