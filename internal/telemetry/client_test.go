package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/evalsync/pkg/errors"
	"github.com/NikhilSetiya/evalsync/pkg/metrics"
	"github.com/NikhilSetiya/evalsync/pkg/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *HTTPClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewHTTPClient(Config{
		BaseURL:   server.URL,
		PublicKey: "pk-test",
		SecretKey: "sk-test",
		PageSize:  2,
	}, opts...)
	require.NoError(t, err)
	return client
}

func writePage(t *testing.T, w http.ResponseWriter, page, totalPages int, items ...map[string]interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{
		"data": items,
		"meta": map[string]int{"page": page, "limit": 2, "totalPages": totalPages},
	}))
}

func TestFetchRecords_Paginates(t *testing.T) {
	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/public/dataset-run-items", r.URL.Path)
		assert.Equal(t, "qa-golden", r.URL.Query().Get("datasetName"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		assert.Equal(t, "2024-03-01T00:00:00Z", r.URL.Query().Get("fromTimestamp"))

		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "pk-test", user)
		assert.Equal(t, "sk-test", pass)

		switch r.URL.Query().Get("page") {
		case "1":
			writePage(t, w, 1, 2,
				map[string]interface{}{
					"id": "item-1", "experimentId": "exp-1", "createdAt": "2024-03-02T10:00:00Z",
					"scores":         []map[string]interface{}{{"name": "correctness", "value": 0.92}},
					"input":          "What is 2+2?",
					"expectedOutput": "4",
					"output":         map[string]string{"answer": "4"},
				},
				map[string]interface{}{
					"id": "item-2", "experimentId": "exp-1", "createdAt": "2024-03-02T11:00:00Z",
					"scores": []map[string]interface{}{{"name": "correctness", "value": 0.88}},
				},
			)
		case "2":
			writePage(t, w, 2, 2,
				map[string]interface{}{
					"id": "item-3", "createdAt": "2024-02-01T00:00:00Z",
				},
			)
		default:
			t.Errorf("unexpected page %s", r.URL.Query().Get("page"))
		}
	})

	records, err := client.FetchRecords(context.Background(), types.SyncTarget{DatasetName: "qa-golden", MaxAgeDays: 30}, since)
	require.NoError(t, err)

	// item-3 predates the window
	require.Len(t, records, 2)
	assert.Equal(t, "exp-1", records[0].ID)
	assert.Equal(t, "qa-golden", records[0].DatasetName)
	assert.Equal(t, 0.92, records[0].EvalScores["correctness"])
	assert.Equal(t, "What is 2+2?", records[0].Input)
	assert.Equal(t, "4", records[0].ExpectedOutput)
	assert.JSONEq(t, `{"answer":"4"}`, records[0].Output)
	assert.Empty(t, records[1].Input)
}

func TestFetchRecords_FallsBackToItemID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writePage(t, w, 1, 1, map[string]interface{}{"id": "item-9", "createdAt": "2024-03-02T10:00:00Z"})
	})

	records, err := client.FetchRecords(context.Background(), types.SyncTarget{DatasetName: "rag"}, time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "item-9", records[0].ID)
}

func TestFetchRecords_ClassifiesStatus(t *testing.T) {
	tests := []struct {
		status    int
		errType   errors.ErrorType
		transient bool
	}{
		{http.StatusUnauthorized, errors.ErrorTypeAuthentication, false},
		{http.StatusForbidden, errors.ErrorTypeAuthorization, false},
		{http.StatusBadRequest, errors.ErrorTypeValidation, false},
		{http.StatusNotFound, errors.ErrorTypeNotFound, false},
		{http.StatusTooManyRequests, errors.ErrorTypeRateLimit, true},
		{http.StatusServiceUnavailable, errors.ErrorTypeExternal, true},
		{http.StatusGatewayTimeout, errors.ErrorTypeTimeout, true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})

			_, err := client.FetchRecords(context.Background(), types.SyncTarget{DatasetName: "qa"}, time.Time{})
			require.Error(t, err)
			assert.True(t, errors.IsType(err, tt.errType))
			assert.Equal(t, tt.transient, errors.IsTransient(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestFetchRecords_NetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := server.URL
	server.Close()

	client, err := NewHTTPClient(Config{BaseURL: baseURL})
	require.NoError(t, err)

	_, err = client.FetchRecords(context.Background(), types.SyncTarget{DatasetName: "qa"}, time.Time{})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestFetchRecords_Cancelled(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.FetchRecords(ctx, types.SyncTarget{DatasetName: "qa"}, time.Time{})
	require.Error(t, err)
	assert.True(t, errors.IsCancelled(err))
	assert.False(t, errors.IsTransient(err))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestFetchRecords_RecordsMetrics(t *testing.T) {
	m := metrics.NewMetrics(&metrics.Config{Namespace: "test", Enabled: true, Registry: prometheus.NewRegistry()})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, WithMetrics(m))

	_, err := client.FetchRecords(context.Background(), types.SyncTarget{DatasetName: "qa"}, time.Time{})
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UpstreamRequests.WithLabelValues("fetch_records", "5xx")))
}

func TestNewHTTPClient_InvalidBaseURL(t *testing.T) {
	_, err := NewHTTPClient(Config{BaseURL: "not a url"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))

	_, err = (&HTTPClient{}).FetchRecords(context.Background(), types.SyncTarget{}, time.Time{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}
