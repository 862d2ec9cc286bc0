package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/evalsync/pkg/clock"
	"github.com/NikhilSetiya/evalsync/pkg/errors"
	"github.com/NikhilSetiya/evalsync/pkg/resilience"
)

type fakeDB struct {
	err   error
	stats sql.DBStats
}

func (f *fakeDB) Health(ctx context.Context) error { return f.err }
func (f *fakeDB) Stats() sql.DBStats               { return f.stats }

type fakeRedis struct {
	err error
}

func (f *fakeRedis) Health(ctx context.Context) error { return f.err }
func (f *fakeRedis) Stats() *redis.PoolStats          { return &redis.PoolStats{TotalConns: 3, IdleConns: 2} }

func staticChecker(status Status) Checker {
	return NewCustomChecker(string(status), func(ctx context.Context) (Status, string, error) {
		return status, "", nil
	})
}

func TestService_OverallStatusIsWorst(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(nil, nil)
			for i, status := range tt.statuses {
				svc.RegisterChecker(fmt.Sprintf("c%d", i), staticChecker(status))
			}

			resp := svc.CheckHealth(context.Background())
			assert.Equal(t, tt.want, resp.Status)
			assert.Len(t, resp.Checks, len(tt.statuses))
		})
	}
}

func TestService_Unregister(t *testing.T) {
	svc := NewService(nil, nil)
	svc.RegisterChecker("bad", staticChecker(StatusUnhealthy))
	svc.UnregisterChecker("bad")

	assert.Equal(t, StatusHealthy, svc.CheckHealth(context.Background()).Status)
}

func TestService_Handlers(t *testing.T) {
	gin.SetMode(gin.TestMode)

	svc := NewService(nil, &Config{Timeout: time.Second, Metadata: map[string]string{"version": "test"}})
	svc.RegisterChecker("breaker", staticChecker(StatusDegraded))

	router := gin.New()
	router.GET("/health", svc.Handler())
	router.GET("/health/live", svc.LivenessHandler())
	router.GET("/health/ready", svc.ReadinessHandler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Equal(t, "test", resp.Metadata["version"])

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	svc.RegisterChecker("db", staticChecker(StatusUnhealthy))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var ready map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ready))
	assert.Equal(t, false, ready["ready"])
}

func TestDatabaseChecker(t *testing.T) {
	ctx := context.Background()

	check := NewDatabaseChecker(&fakeDB{stats: sql.DBStats{MaxOpenConnections: 10, OpenConnections: 2}}, "database").Check(ctx)
	assert.Equal(t, StatusHealthy, check.Status)
	assert.Equal(t, "10", check.Metadata["max_connections"])

	check = NewDatabaseChecker(&fakeDB{stats: sql.DBStats{MaxOpenConnections: 10, OpenConnections: 9}}, "database").Check(ctx)
	assert.Equal(t, StatusDegraded, check.Status)

	check = NewDatabaseChecker(&fakeDB{stats: sql.DBStats{MaxOpenConnections: 1, OpenConnections: 1}}, "database").Check(ctx)
	assert.Equal(t, StatusHealthy, check.Status, "single-connection pools are never reported as exhausted")

	check = NewDatabaseChecker(&fakeDB{err: fmt.Errorf("connection refused")}, "database").Check(ctx)
	assert.Equal(t, StatusUnhealthy, check.Status)
	assert.Equal(t, "connection refused", check.Error)

	check = NewDatabaseChecker(nil, "database").Check(ctx)
	assert.Equal(t, StatusUnhealthy, check.Status)
}

func TestRedisChecker(t *testing.T) {
	ctx := context.Background()

	check := NewRedisChecker(&fakeRedis{}, "redis").Check(ctx)
	assert.Equal(t, StatusHealthy, check.Status)
	assert.Equal(t, "3", check.Metadata["total_connections"])

	check = NewRedisChecker(&fakeRedis{err: fmt.Errorf("dial tcp: refused")}, "redis").Check(ctx)
	assert.Equal(t, StatusUnhealthy, check.Status)
}

func TestBreakerChecker(t *testing.T) {
	fake := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	cb, err := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "telemetry",
		FailureThreshold: 2,
		SuccessThreshold: 1,
		OpenTimeout:      time.Minute,
		Clock:            fake,
	})
	require.NoError(t, err)

	checker := NewBreakerChecker(cb)
	ctx := context.Background()

	check := checker.Check(ctx)
	assert.Equal(t, StatusHealthy, check.Status)
	assert.Equal(t, "telemetry", check.Name)
	assert.Equal(t, "CLOSED", check.Metadata["state"])

	fail := func(ctx context.Context) (interface{}, error) {
		return nil, errors.NewExternalError("telemetry", "502")
	}
	cb.Execute(ctx, fail)
	cb.Execute(ctx, fail)

	check = checker.Check(ctx)
	assert.Equal(t, StatusDegraded, check.Status)
	assert.Equal(t, "OPEN", check.Metadata["state"])
	assert.Equal(t, "0", check.Metadata["rejections"])
	assert.NotEmpty(t, check.Metadata["opened_at"])

	fake.Advance(time.Minute)
	check = checker.Check(ctx)
	assert.Equal(t, StatusDegraded, check.Status)
	assert.Equal(t, "HALF_OPEN", check.Metadata["state"])
}

func TestHTTPChecker(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL, "upstream", time.Second)
	ctx := context.Background()

	assert.Equal(t, StatusHealthy, checker.Check(ctx).Status)

	status.Store(http.StatusTooManyRequests)
	assert.Equal(t, StatusDegraded, checker.Check(ctx).Status)

	status.Store(http.StatusBadGateway)
	check := checker.Check(ctx)
	assert.Equal(t, StatusUnhealthy, check.Status)
	assert.Equal(t, "502", check.Metadata["status_code"])

	assert.Equal(t, StatusDegraded, NonCritical(checker).Check(ctx).Status)
}

func TestCustomChecker_ErrorMarksUnhealthy(t *testing.T) {
	checker := NewCustomChecker("scheduler", func(ctx context.Context) (Status, string, error) {
		return StatusHealthy, "running", fmt.Errorf("last run failed")
	}).WithMetadata(map[string]string{"state": "idle"})

	check := checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, check.Status)
	assert.Equal(t, "last run failed", check.Error)
	assert.Equal(t, "idle", check.Metadata["state"])
}
