package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/recoverykit/pkg/config"
	"github.com/NikhilSetiya/recoverykit/pkg/errors"
	"github.com/NikhilSetiya/recoverykit/pkg/health"
	"github.com/NikhilSetiya/recoverykit/pkg/logging"
	"github.com/NikhilSetiya/recoverykit/pkg/metrics"
	"github.com/NikhilSetiya/recoverykit/pkg/resilience"
)

func quietLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.NewLogger(&logging.Config{Level: "error", Format: "json", Output: "stdout", ServiceName: "test"})
	require.NoError(t, err)
	logger.SetOutput(io.Discard)
	return logger
}

type routerFixture struct {
	router   *gin.Engine
	registry *resilience.CircuitBreakerRegistry
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	logger := quietLogger(t)
	registry := resilience.NewCircuitBreakerRegistry(resilience.WithRegistryLogger(logger))

	healthService := health.NewService(logger, &health.Config{Timeout: time.Second})
	healthService.RegisterChecker("circuits", health.NewCircuitChecker(registry, "circuits"))

	m := metrics.NewMetrics(&metrics.Config{Namespace: "test", Enabled: true, Registry: prometheus.NewRegistry()})

	cfg := &config.Config{}
	cfg.Server.AllowedOrigins = []string{"https://dashboard.example.com"}

	router := NewRouter(Dependencies{
		Config:   cfg,
		Logger:   logger,
		Metrics:  m,
		Health:   healthService,
		Circuits: registry,
		Version:  "test",
	})
	return &routerFixture{router: router, registry: registry}
}

func (f *routerFixture) do(method, path string, header map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	f.router.ServeHTTP(w, req)
	return w
}

func (f *routerFixture) trip(key string) {
	for i := 0; i < 2; i++ {
		_ = f.registry.Execute(context.Background(), key, 2, time.Minute, func(ctx context.Context) error {
			return errors.NewConnectionError(key, "refused")
		})
	}
}

type circuitListResponse struct {
	Success bool           `json:"success"`
	Data    CircuitSummary `json:"data"`
}

type circuitResponse struct {
	Success bool       `json:"success"`
	Data    CircuitDTO `json:"data"`
	Error   *APIError  `json:"error"`
}

func TestRouter_ListCircuits(t *testing.T) {
	f := newRouterFixture(t)
	f.trip("smtp:mail.example.com")
	_ = f.registry.Execute(context.Background(), "api:orders", 5, time.Minute, func(ctx context.Context) error { return nil })

	w := f.do(http.MethodGet, "/api/v1/circuits", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body circuitListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, 2, body.Data.Total)
	assert.Equal(t, 1, body.Data.Open)
	assert.Equal(t, 1, body.Data.Closed)
	require.Len(t, body.Data.Circuits, 2)
	assert.Equal(t, "api:orders", body.Data.Circuits[0].Key)

	w = f.do(http.MethodGet, "/api/v1/circuits?state=OPEN", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Data.Circuits, 1)
	assert.Equal(t, "smtp:mail.example.com", body.Data.Circuits[0].Key)
	assert.Equal(t, "1m0s", body.Data.Circuits[0].RecoveryTimeout)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/circuits?state=AJAR", nil).Code)
}

func TestRouter_GetAndResetCircuit(t *testing.T) {
	f := newRouterFixture(t)
	f.trip("smtp:mail.example.com")

	w := f.do(http.MethodGet, "/api/v1/circuits/smtp:mail.example.com", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body circuitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "OPEN", body.Data.State)
	assert.Equal(t, 2, body.Data.FailureCount)
	assert.NotNil(t, body.Data.LastFailureTime)

	w = f.do(http.MethodPost, "/api/v1/circuits/smtp:mail.example.com/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "CLOSED", body.Data.State)
	assert.Equal(t, resilience.StateClosed, f.registry.Status("smtp:mail.example.com"))

	w = f.do(http.MethodGet, "/api/v1/circuits/api:unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/v1/circuits/api:unknown/reset", nil).Code)
}

func TestRouter_HealthReflectsOpenCircuits(t *testing.T) {
	f := newRouterFixture(t)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health", nil).Code)

	f.trip("api:orders")
	assert.Equal(t, http.StatusPartialContent, f.do(http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/ready", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/live", nil).Code)
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	f := newRouterFixture(t)
	f.do(http.MethodGet, "/api/v1", nil)

	w := f.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_http_requests_total")
}

func TestRouter_RequestIDAndCORS(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(http.MethodGet, "/api/v1", map[string]string{"X-Request-ID": "req-42"})
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "req-42", w.Header().Get("X-Correlation-ID"))
	assert.True(t, strings.Contains(w.Body.String(), `"request_id":"req-42"`))

	w = f.do(http.MethodGet, "/api/v1", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = f.do(http.MethodGet, "/api/v1", map[string]string{"Origin": "https://dashboard.example.com"})
	assert.Equal(t, "https://dashboard.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	w = f.do(http.MethodGet, "/api/v1", map[string]string{"Origin": "https://evil.example.com"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/nope", nil).Code)
}

func TestErrorResponseFromError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name string
		err  error
		code int
		want string
	}{
		{"validation", errors.NewValidationError("bad input"), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"not found", errors.NewNotFoundError("circuit"), http.StatusNotFound, "NOT_FOUND"},
		{"open circuit", &resilience.CircuitOpenError{Key: "api:orders", State: resilience.StateOpen, RetryAfter: 10 * time.Second}, http.StatusServiceUnavailable, "CIRCUIT_OPEN"},
		{"exhausted", &resilience.RetryExhaustedError{Policy: "remote", Attempts: 3, Cause: stderrors.New("x")}, http.StatusBadGateway, "recovery_exhausted"},
		{"unknown", stderrors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			ErrorResponseFromError(c, tt.err)

			assert.Equal(t, tt.code, w.Code)
			var body APIResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.False(t, body.Success)
			require.NotNil(t, body.Error)
			assert.Equal(t, tt.want, body.Error.Code)
		})
	}
}
