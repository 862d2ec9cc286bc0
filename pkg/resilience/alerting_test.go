package resilience

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/evalsync/pkg/clock"
	"github.com/NikhilSetiya/evalsync/pkg/errors"
	"github.com/NikhilSetiya/evalsync/pkg/types"
)

type mockAlertHandler struct {
	name string
	fail bool

	mu     sync.Mutex
	alerts []Alert
}

func (m *mockAlertHandler) HandleAlert(ctx context.Context, alert Alert) error {
	if m.fail {
		return stderrors.New("handler failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alert)
	return nil
}

func (m *mockAlertHandler) Name() string {
	return m.name
}

func (m *mockAlertHandler) received() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.alerts...)
}

func TestAlertManager_SendAlert(t *testing.T) {
	am := NewAlertManager(DefaultAlertManagerConfig())
	handler := &mockAlertHandler{name: "test-handler"}
	am.AddHandler(handler)

	assert.Equal(t, []string{"test-handler"}, am.Handlers())

	err := am.SendAlert(context.Background(), Alert{
		Severity: SeverityError,
		Title:    "Test Alert",
		Source:   "test-source",
	})
	require.NoError(t, err)

	alerts := handler.received()
	require.Len(t, alerts, 1)
	assert.Equal(t, "Test Alert", alerts[0].Title)
	assert.NotEmpty(t, alerts[0].ID)
	assert.False(t, alerts[0].Timestamp.IsZero())
}

func TestAlertManager_PartialHandlerFailure(t *testing.T) {
	am := NewAlertManager(DefaultAlertManagerConfig())
	am.AddHandler(&mockAlertHandler{name: "broken", fail: true})
	working := &mockAlertHandler{name: "working"}
	am.AddHandler(working)

	err := am.SendAlert(context.Background(), Alert{Title: "x", Source: "s"})
	assert.NoError(t, err)
	assert.Len(t, working.received(), 1)
}

func TestAlertManager_AllHandlersFail(t *testing.T) {
	am := NewAlertManager(DefaultAlertManagerConfig())
	am.AddHandler(&mockAlertHandler{name: "a", fail: true})
	am.AddHandler(&mockAlertHandler{name: "b", fail: true})

	err := am.SendAlert(context.Background(), Alert{Title: "x", Source: "s"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all alert handlers failed")
}

func TestAlertManager_RateLimit(t *testing.T) {
	fake := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	am := NewAlertManager(AlertManagerConfig{RateLimit: 2, ResetInterval: time.Hour, Clock: fake})
	handler := &mockAlertHandler{name: "h"}
	am.AddHandler(handler)

	ctx := context.Background()
	require.NoError(t, am.SendAlert(ctx, Alert{Source: "scheduler"}))
	require.NoError(t, am.SendAlert(ctx, Alert{Source: "scheduler"}))

	err := am.SendAlert(ctx, Alert{Source: "scheduler"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeRateLimit))

	// other sources are unaffected
	require.NoError(t, am.SendAlert(ctx, Alert{Source: "circuit_breaker"}))

	fake.Advance(time.Hour)
	require.NoError(t, am.SendAlert(ctx, Alert{Source: "scheduler"}))
	assert.Len(t, handler.received(), 4)
}

func TestErrorAlertGenerator_HandleError(t *testing.T) {
	am := NewAlertManager(DefaultAlertManagerConfig())
	handler := &mockAlertHandler{name: "h"}
	am.AddHandler(handler)
	gen := NewErrorAlertGenerator(am)

	gen.HandleError(context.Background(), errors.NewCircuitOpenError("telemetry", "OPEN"), "invoker", nil)
	gen.HandleError(context.Background(), nil, "invoker", nil)
	gen.HandleError(context.Background(), context.Canceled, "invoker", nil)

	alerts := handler.received()
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityError, alerts[0].Severity)
	assert.Equal(t, "Circuit Breaker Open", alerts[0].Title)
	assert.Equal(t, "true", alerts[0].Tags["circuit_breaker"])
}

func TestDetermineSeverity(t *testing.T) {
	assert.Equal(t, SeverityWarning, determineSeverity(errors.NewTimeoutError("fetch")))
	assert.Equal(t, SeverityWarning, determineSeverity(errors.NewRateLimitError("429")))
	assert.Equal(t, SeverityCritical, determineSeverity(errors.NewAuthenticationError("bad key")))
	assert.Equal(t, SeverityInfo, determineSeverity(errors.NewValidationError("bad")))
	assert.Equal(t, SeverityError, determineSeverity(assert.AnError))
}

func TestSyncAlertGenerator_HandleSyncRun(t *testing.T) {
	am := NewAlertManager(DefaultAlertManagerConfig())
	handler := &mockAlertHandler{name: "h"}
	am.AddHandler(handler)
	gen := NewSyncAlertGenerator(am)
	ctx := context.Background()

	clean := &types.SyncRun{ID: uuid.New(), Succeeded: 3}
	assert.False(t, gen.HandleSyncRun(ctx, clean))
	assert.False(t, gen.HandleSyncRun(ctx, nil))

	partial := &types.SyncRun{
		ID:        uuid.New(),
		Trigger:   types.SyncTriggerScheduled,
		Succeeded: 2,
		Failed:    1,
		Failures:  []types.SyncFailure{{DatasetName: "rag-eval", Reason: "timeout"}},
	}
	assert.True(t, gen.HandleSyncRun(ctx, partial))

	alerts := handler.received()
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityWarning, alerts[0].Severity)
	assert.Equal(t, "sync_scheduler", alerts[0].Source)
	assert.Contains(t, alerts[0].Description, "1 of 3 sync targets failed")
	assert.Equal(t, []string{"rag-eval"}, alerts[0].Metadata["failed_datasets"])
}

func TestSyncRunAlert_TotalFailureIsError(t *testing.T) {
	alert := SyncRunAlert(&types.SyncRun{ID: uuid.New(), Trigger: types.SyncTriggerManual, Failed: 2})
	assert.Equal(t, SeverityError, alert.Severity)
	assert.Equal(t, "manual", alert.Tags["trigger"])
}

func TestBreakerAlertHook(t *testing.T) {
	am := NewAlertManager(DefaultAlertManagerConfig())
	handler := &mockAlertHandler{name: "h"}
	am.AddHandler(handler)
	hook := BreakerAlertHook(am)

	hook("telemetry", StateClosed, StateOpen)
	hook("telemetry", StateOpen, StateHalfOpen)
	hook("telemetry", StateHalfOpen, StateClosed)

	assert.Eventually(t, func() bool {
		return len(handler.received()) == 2
	}, time.Second, 5*time.Millisecond)

	titles := map[string]bool{}
	for _, a := range handler.received() {
		titles[a.Title] = true
		assert.Equal(t, "telemetry", a.Tags["breaker"])
	}
	assert.True(t, titles["Circuit Breaker Open"])
	assert.True(t, titles["Circuit Breaker Recovered"])
}
