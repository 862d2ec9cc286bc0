package notifications

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/NikhilSetiya/evalsync/pkg/errors"
	"github.com/NikhilSetiya/evalsync/pkg/resilience"
	"github.com/NikhilSetiya/evalsync/pkg/types"
)

func TestNewSlackHandler_RequiresWebhook(t *testing.T) {
	_, err := NewSlackHandler(SlackConfig{}, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))
}

func TestSlackHandler_HandleAlert(t *testing.T) {
	received := make(chan SlackMessage, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var msg SlackMessage
		if assert.NoError(t, json.NewDecoder(r.Body).Decode(&msg)) {
			received <- msg
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	handler, err := NewSlackHandler(SlackConfig{WebhookURL: server.URL, Channel: "#evals"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "slack", handler.Name())

	run := &types.SyncRun{
		ID:        uuid.New(),
		Trigger:   types.SyncTriggerScheduled,
		Succeeded: 3,
		Failed:    1,
		Failures:  []types.SyncFailure{{DatasetName: "rag-eval", Reason: "timeout"}},
	}
	alert := resilience.SyncRunAlert(run)
	alert.Timestamp = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, handler.HandleAlert(context.Background(), alert))

	msg := <-received
	assert.Equal(t, "[WARNING] Sync Cycle Failures", msg.Text)
	assert.Equal(t, "#evals", msg.Channel)
	assert.Equal(t, "evalsync", msg.Username)
	assert.Equal(t, ":warning:", msg.IconEmoji)
	require.Len(t, msg.Attachments, 1)

	attachment := msg.Attachments[0]
	assert.Equal(t, "warning", attachment.Color)
	assert.Equal(t, alert.Timestamp.Unix(), attachment.Timestamp)
	assert.Contains(t, attachment.Text, "1 of 4 sync targets failed")
	assert.Contains(t, attachment.Fields, SlackField{Title: "Failed", Value: "1", Short: true})
	assert.Contains(t, attachment.Fields, SlackField{Title: "Failed datasets", Value: "rag-eval"})
	assert.Contains(t, attachment.Fields, SlackField{Title: "Source", Value: "sync_scheduler", Short: true})
}

func TestSlackHandler_ClassifiesWebhookErrors(t *testing.T) {
	status := http.StatusServiceUnavailable
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))

	handler, err := NewSlackHandler(SlackConfig{WebhookURL: server.URL}, zaptest.NewLogger(t))
	require.NoError(t, err)

	err = handler.HandleAlert(context.Background(), resilience.Alert{Severity: resilience.SeverityError, Title: "Circuit Breaker Open"})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	server.Close()
	err = handler.HandleAlert(context.Background(), resilience.Alert{Title: "again"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExternal))
}

func TestSlackHandler_WithAlertManager(t *testing.T) {
	calls := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	handler, err := NewSlackHandler(SlackConfig{WebhookURL: server.URL}, nil)
	require.NoError(t, err)

	manager := resilience.NewAlertManager(resilience.DefaultAlertManagerConfig())
	manager.AddHandler(handler)

	sent := resilience.NewSyncAlertGenerator(manager).HandleSyncRun(context.Background(), &types.SyncRun{ID: uuid.New(), Failed: 2})
	assert.True(t, sent)
	assert.Len(t, calls, 1)
}

func TestMaskWebhookURL(t *testing.T) {
	assert.Equal(t, "***", maskWebhookURL("short"))
	assert.Equal(t, "https://hooks.slack.***", maskWebhookURL("https://hooks.slack.com/services/T000/B000/XXXX"))
}
