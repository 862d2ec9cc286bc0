package resilience

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/evalsync/pkg/clock"
	"github.com/NikhilSetiya/evalsync/pkg/errors"
	"github.com/NikhilSetiya/evalsync/pkg/logging"
	"github.com/NikhilSetiya/evalsync/pkg/types"
)

// AlertSeverity represents the severity level of an alert
type AlertSeverity int

const (
	// SeverityInfo - informational alerts
	SeverityInfo AlertSeverity = iota
	// SeverityWarning - warning alerts that need attention
	SeverityWarning
	// SeverityError - error alerts that need immediate attention
	SeverityError
	// SeverityCritical - critical alerts that need urgent attention
	SeverityCritical
)

func (s AlertSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Alert represents an alert that needs to be sent
type Alert struct {
	ID          string                 `json:"id"`
	Severity    AlertSeverity          `json:"severity"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Source      string                 `json:"source"`
	Timestamp   time.Time              `json:"timestamp"`
	Tags        map[string]string      `json:"tags"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// AlertHandler defines the interface for handling alerts
type AlertHandler interface {
	HandleAlert(ctx context.Context, alert Alert) error
	Name() string
}

// AlertManagerConfig holds alert routing limits
type AlertManagerConfig struct {
	// RateLimit is the number of alerts accepted per source and interval
	RateLimit     int
	ResetInterval time.Duration
	Clock         clock.Clock
}

// DefaultAlertManagerConfig returns the default limits
func DefaultAlertManagerConfig() AlertManagerConfig {
	return AlertManagerConfig{
		RateLimit:     100,
		ResetInterval: time.Hour,
	}
}

// AlertManager routes alerts to handlers with a per-source rate limit
type AlertManager struct {
	handlers []AlertHandler
	mutex    sync.Mutex
	logger   *logging.Logger
	clock    clock.Clock

	alertCounts   map[string]int
	lastReset     time.Time
	rateLimit     int
	resetInterval time.Duration
}

// NewAlertManager creates a new alert manager
func NewAlertManager(config AlertManagerConfig) *AlertManager {
	if config.RateLimit <= 0 {
		config.RateLimit = DefaultAlertManagerConfig().RateLimit
	}
	if config.ResetInterval <= 0 {
		config.ResetInterval = DefaultAlertManagerConfig().ResetInterval
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}

	return &AlertManager{
		handlers:      make([]AlertHandler, 0),
		logger:        logging.GetLogger(),
		clock:         config.Clock,
		alertCounts:   make(map[string]int),
		lastReset:     config.Clock.Now(),
		rateLimit:     config.RateLimit,
		resetInterval: config.ResetInterval,
	}
}

// AddHandler adds an alert handler
func (am *AlertManager) AddHandler(handler AlertHandler) {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	am.handlers = append(am.handlers, handler)
	am.logger.Info("Alert handler added", "handler", handler.Name())
}

// Handlers returns the names of registered handlers
func (am *AlertManager) Handlers() []string {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	names := make([]string, 0, len(am.handlers))
	for _, h := range am.handlers {
		names = append(names, h.Name())
	}
	return names
}

// SendAlert sends an alert to all registered handlers. It fails only when
// the source is rate limited or every handler failed.
func (am *AlertManager) SendAlert(ctx context.Context, alert Alert) error {
	am.mutex.Lock()
	allowed := am.checkRateLimit(alert.Source)
	handlers := append([]AlertHandler(nil), am.handlers...)
	now := am.clock.Now()
	am.mutex.Unlock()

	if !allowed {
		am.logger.Warn("Alert rate limit exceeded",
			"source", alert.Source,
			"title", alert.Title,
		)
		return errors.NewRateLimitError(fmt.Sprintf("alert rate limit exceeded for source: %s", alert.Source))
	}

	if alert.Timestamp.IsZero() {
		alert.Timestamp = now
	}
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}

	am.logger.Info("Sending alert",
		"id", alert.ID,
		"severity", alert.Severity.String(),
		"source", alert.Source,
		"title", alert.Title,
	)

	var lastErr error
	successCount := 0

	for _, handler := range handlers {
		if err := handler.HandleAlert(ctx, alert); err != nil {
			am.logger.Error("Alert handler failed",
				"handler", handler.Name(),
				"alert_id", alert.ID,
				"error", err,
			)
			lastErr = err
		} else {
			successCount++
		}
	}

	if successCount == 0 && lastErr != nil {
		return fmt.Errorf("all alert handlers failed: %w", lastErr)
	}

	return nil
}

func (am *AlertManager) checkRateLimit(source string) bool {
	now := am.clock.Now()

	if now.Sub(am.lastReset) >= am.resetInterval {
		am.alertCounts = make(map[string]int)
		am.lastReset = now
	}

	count := am.alertCounts[source]
	if count >= am.rateLimit {
		return false
	}

	am.alertCounts[source] = count + 1
	return true
}

// LoggingAlertHandler logs alerts to the application logger
type LoggingAlertHandler struct {
	logger *logging.Logger
}

// NewLoggingAlertHandler creates a new logging alert handler
func NewLoggingAlertHandler() *LoggingAlertHandler {
	return &LoggingAlertHandler{
		logger: logging.GetLogger(),
	}
}

// HandleAlert handles an alert by logging it
func (h *LoggingAlertHandler) HandleAlert(ctx context.Context, alert Alert) error {
	fields := []interface{}{
		"alert_id", alert.ID,
		"severity", alert.Severity.String(),
		"source", alert.Source,
		"title", alert.Title,
		"description", alert.Description,
		"timestamp", alert.Timestamp,
	}

	for key, value := range alert.Tags {
		fields = append(fields, "tag_"+key, value)
	}
	for key, value := range alert.Metadata {
		fields = append(fields, "meta_"+key, value)
	}

	switch alert.Severity {
	case SeverityInfo:
		h.logger.Info("ALERT: "+alert.Title, fields...)
	case SeverityWarning:
		h.logger.Warn("ALERT: "+alert.Title, fields...)
	case SeverityError:
		h.logger.Error("ALERT: "+alert.Title, fields...)
	case SeverityCritical:
		h.logger.Error("CRITICAL ALERT: "+alert.Title, fields...)
	}

	return nil
}

// Name returns the name of the handler
func (h *LoggingAlertHandler) Name() string {
	return "logging"
}

// ErrorAlertGenerator generates alerts from errors
type ErrorAlertGenerator struct {
	alertManager *AlertManager
	logger       *logging.Logger
}

// NewErrorAlertGenerator creates a new error alert generator
func NewErrorAlertGenerator(alertManager *AlertManager) *ErrorAlertGenerator {
	return &ErrorAlertGenerator{
		alertManager: alertManager,
		logger:       logging.GetLogger(),
	}
}

// HandleError processes an error and generates appropriate alerts
func (eag *ErrorAlertGenerator) HandleError(ctx context.Context, err error, source string, metadata map[string]interface{}) {
	if err == nil || errors.IsCancelled(err) {
		return
	}

	alert := Alert{
		Severity:    determineSeverity(err),
		Title:       generateTitle(err),
		Description: err.Error(),
		Source:      source,
		Tags:        generateTags(err),
		Metadata:    metadata,
	}

	if alertErr := eag.alertManager.SendAlert(ctx, alert); alertErr != nil {
		eag.logger.Error("Failed to send error alert",
			"original_error", err,
			"alert_error", alertErr,
			"source", source,
		)
	}
}

func determineSeverity(err error) AlertSeverity {
	if errors.IsCircuitOpen(err) {
		return SeverityError
	}

	switch errors.GetType(err) {
	case errors.ErrorTypeTimeout, errors.ErrorTypeExternal, errors.ErrorTypeRateLimit:
		return SeverityWarning
	case errors.ErrorTypeValidation, errors.ErrorTypeNotFound:
		return SeverityInfo
	case errors.ErrorTypeAuthentication, errors.ErrorTypeAuthorization, errors.ErrorTypeConfiguration:
		return SeverityCritical
	default:
		return SeverityError
	}
}

func generateTitle(err error) string {
	switch errors.GetType(err) {
	case errors.ErrorTypeCircuitOpen:
		return "Circuit Breaker Open"
	case errors.ErrorTypeTimeout:
		return "Operation Timeout"
	case errors.ErrorTypeExternal:
		return "Upstream Service Error"
	case errors.ErrorTypeRateLimit:
		return "Upstream Rate Limited"
	case errors.ErrorTypeInternal:
		return "Internal System Error"
	case errors.ErrorTypeValidation:
		return "Validation Error"
	case errors.ErrorTypeAuthentication:
		return "Authentication Error"
	case errors.ErrorTypeAuthorization:
		return "Authorization Error"
	default:
		if code := errors.GetCode(err); code != "" {
			return fmt.Sprintf("Error: %s", code)
		}
		return "Unclassified Error"
	}
}

func generateTags(err error) map[string]string {
	tags := map[string]string{
		"error_type": string(errors.GetType(err)),
		"error_code": errors.GetCode(err),
	}
	if errors.IsCircuitOpen(err) {
		tags["circuit_breaker"] = "true"
	}
	return tags
}

// SyncAlertGenerator turns sync runs with failed targets into alerts
type SyncAlertGenerator struct {
	alertManager *AlertManager
	logger       *logging.Logger
}

// NewSyncAlertGenerator creates a sync alert generator
func NewSyncAlertGenerator(alertManager *AlertManager) *SyncAlertGenerator {
	return &SyncAlertGenerator{
		alertManager: alertManager,
		logger:       logging.GetLogger(),
	}
}

// HandleSyncRun sends an alert when run has failed targets. It returns
// whether an alert was sent.
func (g *SyncAlertGenerator) HandleSyncRun(ctx context.Context, run *types.SyncRun) bool {
	if run == nil || run.Failed == 0 {
		return false
	}

	if err := g.alertManager.SendAlert(ctx, SyncRunAlert(run)); err != nil {
		g.logger.Error("Failed to send sync alert",
			"run_id", run.ID.String(),
			"error", err,
		)
		return false
	}
	return true
}

// SyncRunAlert builds the alert describing a partially failed run
func SyncRunAlert(run *types.SyncRun) Alert {
	attempted := run.Succeeded + run.Failed + run.Skipped

	severity := SeverityWarning
	if run.Succeeded == 0 {
		severity = SeverityError
	}

	failed := make([]string, 0, len(run.Failures))
	for _, f := range run.Failures {
		failed = append(failed, f.DatasetName)
	}
	sort.Strings(failed)

	return Alert{
		Severity: severity,
		Title:    "Sync Cycle Failures",
		Description: fmt.Sprintf("%d of %d sync targets failed in %s run %s",
			run.Failed, attempted, run.Trigger, run.ID),
		Source: "sync_scheduler",
		Tags: map[string]string{
			"component": "scheduler",
			"trigger":   string(run.Trigger),
			"run_id":    run.ID.String(),
		},
		Metadata: map[string]interface{}{
			"succeeded":       run.Succeeded,
			"failed":          run.Failed,
			"skipped":         run.Skipped,
			"failed_datasets": failed,
		},
	}
}

// BreakerAlertHook returns an OnStateChange callback that alerts when a
// breaker opens and when it recovers. Alerts are dispatched off the
// breaker's lock.
func BreakerAlertHook(alertManager *AlertManager) func(name string, from, to CircuitState) {
	logger := logging.GetLogger()

	return func(name string, from, to CircuitState) {
		var alert Alert
		switch {
		case to == StateOpen:
			alert = Alert{
				Severity:    SeverityError,
				Title:       "Circuit Breaker Open",
				Description: fmt.Sprintf("Circuit breaker %s opened (was %s)", name, from),
			}
		case to == StateClosed && from == StateHalfOpen:
			alert = Alert{
				Severity:    SeverityInfo,
				Title:       "Circuit Breaker Recovered",
				Description: fmt.Sprintf("Circuit breaker %s closed after successful trials", name),
			}
		default:
			return
		}

		alert.Source = "circuit_breaker"
		alert.Tags = map[string]string{
			"breaker": name,
			"from":    from.String(),
			"to":      to.String(),
		}

		go func() {
			if err := alertManager.SendAlert(context.Background(), alert); err != nil {
				logger.Warn("Failed to send breaker alert", "breaker", name, "error", err)
			}
		}()
	}
}
