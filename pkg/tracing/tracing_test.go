package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/NikhilSetiya/evalsync/pkg/logging"
)

func newRecordingService(t *testing.T) (*TracingService, *tracetest.InMemoryExporter) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	ts := NewWithProvider(&Config{ServiceName: "evalsync-test"}, tp)
	t.Cleanup(func() { _ = ts.Shutdown(context.Background()) })
	return ts, exporter
}

func TestNewTracingService_Disabled(t *testing.T) {
	ts, err := NewTracingService(&Config{Enabled: false})
	require.NoError(t, err)
	assert.False(t, ts.Enabled())

	ctx, span := ts.StartSyncSpan(context.Background(), "run-1", "manual", 2)
	span.End()
	assert.Empty(t, GetTraceID(ctx))
	assert.NoError(t, ts.Shutdown(context.Background()))
}

func TestStartSyncSpan_PropagatesTraceID(t *testing.T) {
	ts, exporter := newRecordingService(t)

	ctx, span := ts.StartSyncSpan(context.Background(), "run-1", "scheduled", 3)
	traceID := GetTraceID(ctx)
	require.NotEmpty(t, traceID)
	assert.Equal(t, traceID, ctx.Value(logging.TraceIDKey))

	_, child := ts.StartItemSpan(ctx, "qa-golden", 0)
	ts.End(child, assert.AnError)
	ts.End(span, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "batch.item", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "sync.run", spans[1].Name)
	assert.Equal(t, spans[1].SpanContext.TraceID(), spans[0].Parent.TraceID())
}

func TestTracingMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ts, exporter := newRecordingService(t)

	router := gin.New()
	router.Use(ts.TracingMiddleware())
	router.GET("/api/v1/sync/status", func(c *gin.Context) {
		assert.NotEmpty(t, GetTraceID(c.Request.Context()))
		c.Status(http.StatusServiceUnavailable)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sync/status", nil))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /api/v1/sync/status", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.NotEmpty(t, w.Header().Get("traceparent"))
}

func TestInstrumentHTTPClient(t *testing.T) {
	ts, exporter := newRecordingService(t)

	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("traceparent")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := ts.InstrumentHTTPClient(&http.Client{})
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.NotEmpty(t, gotHeader)
	require.Len(t, exporter.GetSpans(), 1)
	assert.Equal(t, "HTTP GET", exporter.GetSpans()[0].Name)
}
