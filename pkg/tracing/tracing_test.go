package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/NikhilSetiya/recoverykit/pkg/logging"
)

func newTestService(t *testing.T) (*TracingService, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	ts, err := NewTracingServiceWithExporter(&Config{ServiceName: "test"}, exporter)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ts.Shutdown(context.Background()) })
	return ts, exporter
}

func TestDisabledService(t *testing.T) {
	ts, err := NewTracingService(&Config{Enabled: false})
	require.NoError(t, err)
	assert.False(t, ts.Enabled())

	client := &http.Client{}
	assert.Same(t, client, ts.InstrumentHTTPClient(client))
	assert.Nil(t, client.Transport)
}

func TestNilServiceStartsNonRecordingSpan(t *testing.T) {
	var ts *TracingService
	ctx, span := ts.StartRecoverySpan(context.Background(), "surface_refresh", "TestLogin", "LoginPage", "submit")
	assert.NotNil(t, ctx)
	assert.False(t, span.IsRecording())
	span.End()
}

func TestTraced_RecordsSpanAndError(t *testing.T) {
	ts, exporter := newTestService(t)

	value, err := Traced(context.Background(), ts, "compute", func(ctx context.Context) (int, error) {
		assert.NotEmpty(t, GetTraceID(ctx))
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, value)

	boom := errors.New("boom")
	err = ts.TraceableFunction(context.Background(), "explode", func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "compute", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
	assert.Equal(t, "explode", spans[1].Name)
	assert.Equal(t, codes.Error, spans[1].Status.Code)
}

func TestStartRecoverySpan_Attributes(t *testing.T) {
	ts, exporter := newTestService(t)

	_, span := ts.StartRecoverySpan(context.Background(), "process_restart", "TestCheckout", "Browser", "launch")
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "recovery.process_restart", spans[0].Name)

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, "TestCheckout", attrs["recovery.test_name"])
	assert.Equal(t, "launch", attrs["recovery.operation"])
}

func TestInstrumentHTTPClient(t *testing.T) {
	ts, exporter := newTestService(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := ts.InstrumentHTTPClient(&http.Client{})
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "HTTP GET", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
}

func TestWithTraceContext(t *testing.T) {
	ts, _ := newTestService(t)

	ctx, span := ts.StartSpan(context.Background(), "outer")
	defer span.End()

	ctx = WithTraceContext(ctx)
	assert.Equal(t, GetTraceID(ctx), ctx.Value(logging.TraceIDKey))
	assert.Equal(t, GetSpanID(ctx), ctx.Value(logging.SpanIDKey))

	assert.Equal(t, context.Background(), WithTraceContext(context.Background()))
}

func TestTracingMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ts, exporter := newTestService(t)

	router := gin.New()
	router.Use(ts.TracingMiddleware())
	router.GET("/api/v1/circuits/:key", func(c *gin.Context) {
		ctx := c.Request.Context()
		assert.NotEmpty(t, ctx.Value(logging.TraceIDKey))
		assert.NotEmpty(t, ctx.Value(logging.SpanIDKey))
		c.Status(http.StatusNotFound)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/circuits/api:orders", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /api/v1/circuits/:key", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
}

func TestStartCircuitSpan_RecordsEvents(t *testing.T) {
	ts, exporter := newTestService(t)

	_, span := ts.StartCircuitSpan(context.Background(), "smtp:mail.example.com")
	ts.AddSpanEvent(span, "retry", attribute.Int("recovery.attempt", 1))
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "circuit.execute", spans[0].Name)
	assert.Equal(t, oteltrace.SpanKindClient, spans[0].SpanKind)
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "retry", spans[0].Events[0].Name)
}
