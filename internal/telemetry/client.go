package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/NikhilSetiya/evalsync/pkg/errors"
	"github.com/NikhilSetiya/evalsync/pkg/logging"
	"github.com/NikhilSetiya/evalsync/pkg/metrics"
	"github.com/NikhilSetiya/evalsync/pkg/tracing"
	"github.com/NikhilSetiya/evalsync/pkg/types"
)

const (
	serviceName   = "telemetry"
	runItemsPath  = "/api/public/dataset-run-items"
	maxErrorBody  = 4 << 10
	maxPagesFetch = 1000
)

// Client fetches experiment records from the telemetry platform
type Client interface {
	FetchRecords(ctx context.Context, target types.SyncTarget, since time.Time) ([]types.ExperimentRecord, error)
}

// Config holds the platform endpoint and credentials
type Config struct {
	BaseURL        string        `json:"base_url"`
	PublicKey      string        `json:"public_key"`
	SecretKey      string        `json:"-"`
	PageSize       int           `json:"page_size"`
	RequestTimeout time.Duration `json:"request_timeout"`
}

// DefaultConfig returns the hosted platform defaults
func DefaultConfig() Config {
	return Config{
		BaseURL:        "https://cloud.langfuse.com",
		PageSize:       100,
		RequestTimeout: 30 * time.Second,
	}
}

// Option customizes an HTTPClient
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *HTTPClient) {
		c.httpClient = client
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *HTTPClient) {
		c.metrics = m
	}
}

// WithTracer instruments outgoing requests
func WithTracer(t *tracing.TracingService) Option {
	return func(c *HTTPClient) {
		c.tracer = t
	}
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(c *HTTPClient) {
		c.logger = logger
	}
}

// HTTPClient talks to a Langfuse-style public REST API
type HTTPClient struct {
	httpClient *http.Client
	config     Config
	baseURL    *url.URL
	metrics    *metrics.Metrics
	tracer     *tracing.TracingService
	logger     *logging.Logger
}

// NewHTTPClient creates a client. Requests are not retried here; callers
// wrap FetchRecords with a resilience.Invoker.
func NewHTTPClient(config Config, opts ...Option) (*HTTPClient, error) {
	if config.PageSize <= 0 {
		config.PageSize = DefaultConfig().PageSize
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultConfig().RequestTimeout
	}

	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.NewConfigurationError(fmt.Sprintf("invalid telemetry base URL %q", config.BaseURL))
	}

	c := &HTTPClient{
		config:  config,
		baseURL: base,
		logger:  logging.GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: config.RequestTimeout}
	}
	if c.tracer != nil {
		c.httpClient = c.tracer.InstrumentHTTPClient(c.httpClient)
	}

	return c, nil
}

type scoreEntry struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

type runItem struct {
	ID             string                 `json:"id"`
	ExperimentID   string                 `json:"experimentId"`
	DatasetName    string                 `json:"datasetName"`
	CreatedAt      time.Time              `json:"createdAt"`
	Scores         []scoreEntry           `json:"scores"`
	Input          json.RawMessage        `json:"input"`
	ExpectedOutput json.RawMessage        `json:"expectedOutput"`
	Output         json.RawMessage        `json:"output"`
	Metadata       map[string]interface{} `json:"metadata"`
}

type pageMeta struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalItems int `json:"totalItems"`
	TotalPages int `json:"totalPages"`
}

type runItemsPage struct {
	Data []runItem `json:"data"`
	Meta pageMeta  `json:"meta"`
}

// FetchRecords returns every record of target captured at or after since,
// following pagination until the last page
func (c *HTTPClient) FetchRecords(ctx context.Context, target types.SyncTarget, since time.Time) ([]types.ExperimentRecord, error) {
	if target.DatasetName == "" {
		return nil, errors.NewValidationError("dataset name is required")
	}

	var records []types.ExperimentRecord
	for page := 1; page <= maxPagesFetch; page++ {
		resp, err := c.fetchPage(ctx, target.DatasetName, since, page)
		if err != nil {
			return nil, err
		}

		for _, item := range resp.Data {
			record := item.toRecord(target.DatasetName)
			if !since.IsZero() && record.CapturedAt.Before(since) {
				continue
			}
			records = append(records, record)
		}

		if page >= resp.Meta.TotalPages || len(resp.Data) == 0 {
			break
		}
	}

	c.logger.Debug("Fetched telemetry records",
		"dataset", target.DatasetName,
		"since", since.Format(time.RFC3339),
		"records", len(records),
	)

	return records, nil
}

func (c *HTTPClient) fetchPage(ctx context.Context, dataset string, since time.Time, page int) (*runItemsPage, error) {
	query := url.Values{}
	query.Set("datasetName", dataset)
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(c.config.PageSize))
	if !since.IsZero() {
		query.Set("fromTimestamp", since.UTC().Format(time.RFC3339))
	}

	endpoint := c.baseURL.JoinPath(runItemsPath)
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.config.PublicKey != "" || c.config.SecretKey != "" {
		req.SetBasicAuth(c.config.PublicKey, c.config.SecretKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordUpstreamRequest("fetch_records", 0, time.Since(start))
		return nil, fmt.Errorf("failed to fetch %s page %d: %w", dataset, page, err)
	}
	defer resp.Body.Close()
	c.metrics.RecordUpstreamRequest("fetch_records", resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		message := fmt.Sprintf("telemetry API returned status %d for %s: %s",
			resp.StatusCode, dataset, strings.TrimSpace(string(body)))
		return nil, errors.FromHTTPStatus(serviceName, resp.StatusCode, message).
			WithDetail("dataset", dataset)
	}

	var out runItemsPage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// a truncated body is as likely a dropped connection as a bad payload
		return nil, errors.NewExternalError(serviceName, "failed to decode response").WithCause(err)
	}

	return &out, nil
}

func (item runItem) toRecord(dataset string) types.ExperimentRecord {
	record := types.ExperimentRecord{
		ID:             item.ExperimentID,
		DatasetName:    item.DatasetName,
		CapturedAt:     item.CreatedAt,
		EvalScores:     make(map[string]float64, len(item.Scores)),
		Input:          rawText(item.Input),
		ExpectedOutput: rawText(item.ExpectedOutput),
		Output:         rawText(item.Output),
		Metadata:       item.Metadata,
	}
	if record.ID == "" {
		record.ID = item.ID
	}
	if record.DatasetName == "" {
		record.DatasetName = dataset
	}
	for _, score := range item.Scores {
		if score.Name != "" {
			record.EvalScores[score.Name] = score.Value
		}
	}
	return record
}

// rawText unquotes JSON strings and keeps any other JSON value verbatim
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
