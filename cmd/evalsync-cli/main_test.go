package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/evalsync/internal/api"
	"github.com/NikhilSetiya/evalsync/internal/scheduler"
	"github.com/NikhilSetiya/evalsync/pkg/resilience"
	"github.com/NikhilSetiya/evalsync/pkg/types"
)

func writeEnvelope(t *testing.T, w http.ResponseWriter, status int, data interface{}, apiErr *api.APIError, meta *api.Meta) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(api.APIResponse{
		Success:   apiErr == nil,
		Data:      data,
		Error:     apiErr,
		Meta:      meta,
		Timestamp: time.Now(),
	}))
}

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Version(t *testing.T) {
	code, out, _ := runCLI("version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "evalsync-cli dev\n", out)
}

func TestRun_UnknownCommand(t *testing.T) {
	code, _, errOut := runCLI("scan")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Unknown command: scan")
}

func TestRun_SyncWaitsForRun(t *testing.T) {
	run := types.SyncRun{
		ID:                uuid.New(),
		Trigger:           types.SyncTriggerManual,
		StartedAt:         time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		FinishedAt:        time.Date(2024, 6, 1, 0, 0, 2, 0, time.UTC),
		Targets:           []string{"qa-eval", "rag-eval"},
		Succeeded:         1,
		Failed:            1,
		PatternsExtracted: 3,
		PatternsPersisted: 3,
		Failures:          []types.SyncFailure{{DatasetName: "rag-eval", Reason: "timeout"}},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/sync", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("wait"))
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "))
		writeEnvelope(t, w, http.StatusOK, run, nil, nil)
	}))
	defer server.Close()

	code, out, errOut := runCLI("sync", "--api-url", server.URL, "--admin-secret", "s3cret")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "finished in 2s")
	assert.Contains(t, out, "succeeded 1, failed 1, skipped 0")
	assert.Contains(t, out, "3 extracted, 3 persisted")
	assert.Contains(t, out, "rag-eval (timeout)")
}

func TestRun_SyncConflictExitsWithTwo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		writeEnvelope(t, w, http.StatusConflict, nil, &api.APIError{Code: "CONFLICT", Message: "sync cycle already running"}, nil)
	}))
	defer server.Close()

	code, _, errOut := runCLI("sync", "--async", "--api-url", server.URL, "--admin-secret", "")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "sync cycle already running")
}

func TestRun_Status(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/sync/status", r.URL.Path)
		writeEnvelope(t, w, http.StatusOK, api.SyncStatusResponse{
			Scheduler: scheduler.Status{
				State:     "idle",
				Interval:  "24h0m0s",
				Targets:   []string{"qa-eval"},
				LastError: "upstream unavailable",
			},
			Breakers: []resilience.Snapshot{{
				Name:     "upstream",
				StateStr: "OPEN",
				Counts:   resilience.Counts{ConsecutiveFailures: 5},
			}},
		}, nil, nil)
	}))
	defer server.Close()

	code, out, errOut := runCLI("status", "--api-url", server.URL)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Scheduler: idle (every 24h0m0s)")
	assert.Contains(t, out, "Targets:   qa-eval")
	assert.Contains(t, out, "Last error: upstream unavailable")
	assert.Contains(t, out, "Breaker upstream: OPEN (consecutive failures 5)")
}

func TestRun_PatternsForwardsFilters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "qa-eval", q.Get("dataset"))
		assert.Equal(t, "QA", q.Get("kind"))
		assert.Equal(t, "0.8", q.Get("min_confidence"))
		assert.Equal(t, "2", q.Get("page"))
		assert.Equal(t, "10", q.Get("page_size"))

		writeEnvelope(t, w, http.StatusOK, []types.Pattern{{
			DatasetName:  "qa-eval",
			ExperimentID: "exp-1",
			Kind:         types.PatternKindQA,
			Confidence:   0.91,
		}}, nil, &api.Meta{Pagination: api.NewPagination(2, 10, 11)})
	}))
	defer server.Close()

	code, out, errOut := runCLI("patterns", "--api-url", server.URL,
		"--dataset", "qa-eval", "--kind", "qa", "--min-confidence", "0.8", "--page", "2", "--page-size", "10")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "exp-1")
	assert.Contains(t, out, "0.910")
	assert.Contains(t, out, "page 2 of 2 (11 patterns)")
}

func TestRun_UnreachableAPI(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	code, _, errOut := runCLI("status", "--api-url", url, "--timeout", "2s")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "failed to reach the evalsync API")
}
