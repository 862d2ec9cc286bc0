// Package notifications delivers resilience alerts to chat channels.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/NikhilSetiya/evalsync/pkg/errors"
	"github.com/NikhilSetiya/evalsync/pkg/resilience"
)

// SlackConfig configures the Slack incoming webhook
type SlackConfig struct {
	WebhookURL string
	Channel    string
	Username   string
	Timeout    time.Duration
}

// SlackHandler posts alerts to a Slack incoming webhook. It implements
// resilience.AlertHandler.
type SlackHandler struct {
	config     SlackConfig
	logger     *zap.Logger
	httpClient *http.Client
	now        func() time.Time
}

// SlackMessage represents a Slack message payload
type SlackMessage struct {
	Text        string            `json:"text,omitempty"`
	Username    string            `json:"username,omitempty"`
	Channel     string            `json:"channel,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackHandler creates a Slack alert handler
func NewSlackHandler(config SlackConfig, logger *zap.Logger) (*SlackHandler, error) {
	if config.WebhookURL == "" {
		return nil, errors.NewConfigurationError("slack webhook URL not configured")
	}
	if config.Username == "" {
		config.Username = "evalsync"
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SlackHandler{
		config: config,
		logger: logger,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		now: time.Now,
	}, nil
}

// Name returns the handler name
func (h *SlackHandler) Name() string {
	return "slack"
}

// HandleAlert posts alert to the webhook
func (h *SlackHandler) HandleAlert(ctx context.Context, alert resilience.Alert) error {
	payload, err := json.Marshal(h.buildSlackMessage(alert))
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.config.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return errors.NewExternalError("slack", "failed to send slack message").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.FromHTTPStatus("slack", resp.StatusCode, fmt.Sprintf("slack webhook returned status %d", resp.StatusCode))
	}

	h.logger.Info("Sent Slack alert",
		zap.String("alert_id", alert.ID),
		zap.String("severity", alert.Severity.String()),
		zap.String("webhook_url", maskWebhookURL(h.config.WebhookURL)))

	return nil
}

func (h *SlackHandler) buildSlackMessage(alert resilience.Alert) SlackMessage {
	ts := alert.Timestamp
	if ts.IsZero() {
		ts = h.now()
	}

	attachment := SlackAttachment{
		Color:     severityColor(alert.Severity),
		Title:     alert.Title,
		Text:      alert.Description,
		Footer:    "evalsync",
		Timestamp: ts.Unix(),
		Fields: []SlackField{
			{Title: "Severity", Value: alert.Severity.String(), Short: true},
		},
	}
	if alert.Source != "" {
		attachment.Fields = append(attachment.Fields, SlackField{Title: "Source", Value: alert.Source, Short: true})
	}

	for _, key := range []string{"succeeded", "failed", "skipped"} {
		if v, ok := alert.Metadata[key]; ok {
			attachment.Fields = append(attachment.Fields, SlackField{
				Title: strings.ToUpper(key[:1]) + key[1:],
				Value: fmt.Sprintf("%v", v),
				Short: true,
			})
		}
	}
	if datasets, ok := alert.Metadata["failed_datasets"].([]string); ok && len(datasets) > 0 {
		attachment.Fields = append(attachment.Fields, SlackField{
			Title: "Failed datasets",
			Value: strings.Join(datasets, ", "),
		})
	}

	tags := make([]string, 0, len(alert.Tags))
	for k, v := range alert.Tags {
		tags = append(tags, k+"="+v)
	}
	sort.Strings(tags)
	if len(tags) > 0 {
		attachment.Fields = append(attachment.Fields, SlackField{Title: "Tags", Value: strings.Join(tags, " ")})
	}

	return SlackMessage{
		Text:        fmt.Sprintf("[%s] %s", alert.Severity, alert.Title),
		Username:    h.config.Username,
		Channel:     h.config.Channel,
		IconEmoji:   severityEmoji(alert.Severity),
		Attachments: []SlackAttachment{attachment},
	}
}

func severityColor(s resilience.AlertSeverity) string {
	switch s {
	case resilience.SeverityCritical, resilience.SeverityError:
		return "danger"
	case resilience.SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}

func severityEmoji(s resilience.AlertSeverity) string {
	switch s {
	case resilience.SeverityCritical:
		return ":rotating_light:"
	case resilience.SeverityError:
		return ":x:"
	case resilience.SeverityWarning:
		return ":warning:"
	default:
		return ":information_source:"
	}
}

// maskWebhookURL masks the webhook URL for logging
func maskWebhookURL(url string) string {
	if len(url) < 20 {
		return "***"
	}
	return url[:20] + "***"
}
