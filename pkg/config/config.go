package config

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/NikhilSetiya/evalsync/internal/batch"
	"github.com/NikhilSetiya/evalsync/internal/patterns"
	"github.com/NikhilSetiya/evalsync/internal/telemetry"
	"github.com/NikhilSetiya/evalsync/pkg/errors"
	"github.com/NikhilSetiya/evalsync/pkg/logging"
	"github.com/NikhilSetiya/evalsync/pkg/resilience"
	"github.com/NikhilSetiya/evalsync/pkg/types"
)

// Config holds the application configuration. It is built once by Load
// and treated as read-only afterwards.
type Config struct {
	Sync     SyncConfig     `json:"sync"`
	Retry    RetryConfig    `json:"retry"`
	Circuit  CircuitConfig  `json:"circuit"`
	Batch    BatchConfig    `json:"batch"`
	Pattern  PatternConfig  `json:"pattern"`
	Upstream UpstreamConfig `json:"upstream"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Server   ServerConfig   `json:"server"`
	Logging  LoggingConfig  `json:"logging"`
	Metrics  MetricsConfig  `json:"metrics"`
	Tracing  TracingConfig  `json:"tracing"`
	Alerting AlertingConfig `json:"alerting"`
}

// SyncConfig controls the periodic sync scheduler
type SyncConfig struct {
	Enabled       bool               `json:"enabled"`
	IntervalHours int                `json:"interval_hours"`
	MaxAgeDays    int                `json:"max_age_days"`
	Targets       []types.SyncTarget `json:"targets"`
	TargetsFile   string             `json:"targets_file"`
}

// Interval returns the sync interval as a duration
func (s SyncConfig) Interval() time.Duration {
	return time.Duration(s.IntervalHours) * time.Hour
}

// RetryConfig contains retry policy settings
type RetryConfig struct {
	MaxAttempts      int     `json:"max_attempts"`
	BaseDelaySeconds float64 `json:"base_delay_seconds"`
	MaxDelaySeconds  float64 `json:"max_delay_seconds"`
	ExponentialBase  float64 `json:"exponential_base"`
	Jitter           bool    `json:"jitter"`
}

// CircuitConfig contains circuit breaker settings
type CircuitConfig struct {
	FailureThreshold int     `json:"failure_threshold"`
	SuccessThreshold int     `json:"success_threshold"`
	TimeoutSeconds   float64 `json:"timeout_seconds"`
}

// BatchConfig contains batch processing settings
type BatchConfig struct {
	Size             int     `json:"size"`
	TimeoutSeconds   float64 `json:"timeout_seconds"`
	ProgressInterval int     `json:"progress_interval"`
	ConcurrentLimit  int     `json:"concurrent_limit"`
}

// PatternConfig contains pattern extraction thresholds
type PatternConfig struct {
	QAThreshold         float64 `json:"qa_threshold"`
	RAGThreshold        float64 `json:"rag_threshold"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	MaxPerExperiment    int     `json:"max_per_experiment"`
}

// UpstreamConfig describes the telemetry platform
type UpstreamConfig struct {
	BaseURL        string        `json:"base_url"`
	PublicKey      string        `json:"public_key"`
	SecretKey      string        `json:"-"`
	PageSize       int           `json:"page_size"`
	RequestTimeout time.Duration `json:"request_timeout"`
}

// DatabaseConfig contains database connection configuration
type DatabaseConfig struct {
	Driver          string        `json:"driver"`
	DSN             string        `json:"-"`
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Name            string        `json:"name"`
	User            string        `json:"user"`
	Password        string        `json:"-"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	MigrateOnStart  bool          `json:"migrate_on_start"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"-"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// ServerConfig contains admin HTTP server configuration
type ServerConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	IdleTimeout    time.Duration `json:"idle_timeout"`
	AdminJWTSecret string        `json:"-"`
	AllowedOrigins []string      `json:"allowed_origins"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// MetricsConfig contains Prometheus settings
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// TracingConfig contains OpenTelemetry settings
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name"`
	Environment    string  `json:"environment"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
}

// AlertingConfig contains alert routing settings
type AlertingConfig struct {
	SlackWebhookURL  string `json:"-"`
	SlackChannel     string `json:"slack_channel"`
	RateLimitPerHour int    `json:"rate_limit_per_hour"`
}

// Load reads an optional .env file and then the environment
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile reads the given env file, if it exists, and then the environment.
// Variables already set in the environment win over the file.
func LoadFile(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, errors.NewConfigurationError(fmt.Sprintf("failed to read %s", envFile)).WithCause(err)
		}
	}
	return FromEnv()
}

// FromEnv builds and validates the configuration from environment variables
func FromEnv() (*Config, error) {
	env := &envReader{}

	config := &Config{
		Sync: SyncConfig{
			Enabled:       env.Bool("SYNC_ENABLED", true),
			IntervalHours: env.Int("SYNC_INTERVAL_HOURS", 24),
			MaxAgeDays:    env.Int("SYNC_MAX_AGE_DAYS", 30),
			TargetsFile:   env.String("SYNC_TARGETS_FILE", ""),
		},
		Retry: RetryConfig{
			MaxAttempts:      env.Int("RETRY_MAX_ATTEMPTS", 3),
			BaseDelaySeconds: env.Float("RETRY_BASE_DELAY_SECONDS", 1),
			MaxDelaySeconds:  env.Float("RETRY_MAX_DELAY_SECONDS", 60),
			ExponentialBase:  env.Float("RETRY_EXPONENTIAL_BASE", 2),
			Jitter:           env.Bool("RETRY_JITTER", true),
		},
		Circuit: CircuitConfig{
			FailureThreshold: env.Int("CIRCUIT_FAILURE_THRESHOLD", 5),
			SuccessThreshold: env.Int("CIRCUIT_SUCCESS_THRESHOLD", 2),
			TimeoutSeconds:   env.Float("CIRCUIT_TIMEOUT_SECONDS", 60),
		},
		Batch: BatchConfig{
			Size:             env.Int("BATCH_SIZE", 50),
			TimeoutSeconds:   env.Float("BATCH_TIMEOUT_SECONDS", 300),
			ProgressInterval: env.Int("BATCH_PROGRESS_INTERVAL", 10),
			ConcurrentLimit:  env.Int("BATCH_CONCURRENT_LIMIT", 5),
		},
		Pattern: PatternConfig{
			QAThreshold:         env.Float("PATTERN_QA_THRESHOLD", 0.8),
			RAGThreshold:        env.Float("PATTERN_RAG_THRESHOLD", 0.7),
			ConfidenceThreshold: env.Float("PATTERN_CONFIDENCE_THRESHOLD", 0.6),
			MaxPerExperiment:    env.Int("PATTERN_MAX_PER_EXPERIMENT", 10),
		},
		Upstream: UpstreamConfig{
			BaseURL:        env.String("UPSTREAM_BASE_URL", "https://cloud.langfuse.com"),
			PublicKey:      env.String("UPSTREAM_PUBLIC_KEY", ""),
			SecretKey:      env.String("UPSTREAM_SECRET_KEY", ""),
			PageSize:       env.Int("UPSTREAM_PAGE_SIZE", 100),
			RequestTimeout: env.Duration("UPSTREAM_REQUEST_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Driver:          env.String("DB_DRIVER", "postgres"),
			DSN:             env.String("DATABASE_URL", ""),
			Host:            env.String("DB_HOST", "localhost"),
			Port:            env.Int("DB_PORT", 5432),
			Name:            env.String("DB_NAME", "evalsync"),
			User:            env.String("DB_USER", "evalsync"),
			Password:        env.String("DB_PASSWORD", ""),
			SSLMode:         env.String("DB_SSL_MODE", "disable"),
			MaxOpenConns:    env.Int("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    env.Int("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: env.Duration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrateOnStart:  env.Bool("DB_MIGRATE_ON_START", true),
		},
		Redis: RedisConfig{
			Enabled:  env.Bool("REDIS_ENABLED", false),
			Host:     env.String("REDIS_HOST", "localhost"),
			Port:     env.Int("REDIS_PORT", 6379),
			Password: env.String("REDIS_PASSWORD", ""),
			DB:       env.Int("REDIS_DB", 0),
			PoolSize: env.Int("REDIS_POOL_SIZE", 10),
		},
		Server: ServerConfig{
			Host:           env.String("SERVER_HOST", "0.0.0.0"),
			Port:           env.Int("SERVER_PORT", 8080),
			ReadTimeout:    env.Duration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:   env.Duration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:    env.Duration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			AdminJWTSecret: env.String("ADMIN_JWT_SECRET", ""),
			AllowedOrigins: env.List("SERVER_ALLOWED_ORIGINS", nil),
		},
		Logging: LoggingConfig{
			Level:  env.String("LOG_LEVEL", "info"),
			Format: env.String("LOG_FORMAT", "json"),
			Output: env.String("LOG_OUTPUT", "stdout"),
		},
		Metrics: MetricsConfig{
			Enabled:   env.Bool("METRICS_ENABLED", true),
			Namespace: env.String("METRICS_NAMESPACE", "evalsync"),
		},
		Tracing: TracingConfig{
			Enabled:        env.Bool("TRACING_ENABLED", false),
			ServiceName:    env.String("TRACING_SERVICE_NAME", "evalsync"),
			Environment:    env.String("ENVIRONMENT", "development"),
			JaegerEndpoint: env.String("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SampleRate:     env.Float("TRACING_SAMPLE_RATE", 1.0),
		},
		Alerting: AlertingConfig{
			SlackWebhookURL:  env.String("SLACK_WEBHOOK_URL", ""),
			SlackChannel:     env.String("SLACK_CHANNEL", ""),
			RateLimitPerHour: env.Int("ALERT_RATE_LIMIT_PER_HOUR", 100),
		},
	}

	targets, err := loadTargets(env.String("SYNC_TARGETS", ""), config.Sync.TargetsFile, config.Sync.MaxAgeDays)
	if err != nil {
		env.problem("SYNC_TARGETS", err.Error())
	}
	config.Sync.Targets = targets

	if err := env.err(); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks every range constraint and reports all violations at once
func (c *Config) Validate() error {
	v := &envReader{}

	v.check(c.Sync.IntervalHours > 0, "SYNC_INTERVAL_HOURS", "must be > 0")
	v.check(c.Sync.MaxAgeDays > 0, "SYNC_MAX_AGE_DAYS", "must be > 0")
	for _, t := range c.Sync.Targets {
		v.check(t.MaxAgeDays > 0, "SYNC_TARGETS", fmt.Sprintf("target %q max age must be > 0", t.DatasetName))
	}

	v.check(c.Retry.MaxAttempts >= 1, "RETRY_MAX_ATTEMPTS", "must be >= 1")
	v.check(c.Retry.BaseDelaySeconds > 0, "RETRY_BASE_DELAY_SECONDS", "must be > 0")
	v.check(c.Retry.MaxDelaySeconds >= c.Retry.BaseDelaySeconds, "RETRY_MAX_DELAY_SECONDS", "must be >= RETRY_BASE_DELAY_SECONDS")
	v.check(c.Retry.ExponentialBase > 1, "RETRY_EXPONENTIAL_BASE", "must be > 1")

	v.check(c.Circuit.FailureThreshold >= 1, "CIRCUIT_FAILURE_THRESHOLD", "must be >= 1")
	v.check(c.Circuit.SuccessThreshold >= 1, "CIRCUIT_SUCCESS_THRESHOLD", "must be >= 1")
	v.check(c.Circuit.TimeoutSeconds > 0, "CIRCUIT_TIMEOUT_SECONDS", "must be > 0")

	v.check(c.Batch.Size >= 1, "BATCH_SIZE", "must be >= 1")
	v.check(c.Batch.TimeoutSeconds > 0, "BATCH_TIMEOUT_SECONDS", "must be > 0")
	v.check(c.Batch.ProgressInterval >= 1, "BATCH_PROGRESS_INTERVAL", "must be >= 1")
	v.check(c.Batch.ConcurrentLimit >= 1, "BATCH_CONCURRENT_LIMIT", "must be >= 1")

	v.check(unit(c.Pattern.QAThreshold), "PATTERN_QA_THRESHOLD", "must be within [0,1]")
	v.check(unit(c.Pattern.RAGThreshold), "PATTERN_RAG_THRESHOLD", "must be within [0,1]")
	v.check(unit(c.Pattern.ConfidenceThreshold), "PATTERN_CONFIDENCE_THRESHOLD", "must be within [0,1]")
	v.check(c.Pattern.MaxPerExperiment >= 1, "PATTERN_MAX_PER_EXPERIMENT", "must be >= 1")

	if _, err := url.ParseRequestURI(c.Upstream.BaseURL); err != nil {
		v.problem("UPSTREAM_BASE_URL", "must be an absolute URL")
	}
	v.check(c.Upstream.PageSize >= 1, "UPSTREAM_PAGE_SIZE", "must be >= 1")

	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite3":
	default:
		v.problem("DB_DRIVER", fmt.Sprintf("unsupported driver %q", c.Database.Driver))
	}

	v.check(c.Server.Port > 0 && c.Server.Port < 65536, "SERVER_PORT", "must be a valid port")
	v.check(c.Tracing.SampleRate >= 0 && c.Tracing.SampleRate <= 1, "TRACING_SAMPLE_RATE", "must be within [0,1]")

	return v.err()
}

// RetryConfig converts the retry section into a policy configuration
func (c *Config) RetryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:     c.Retry.MaxAttempts,
		BaseDelay:       seconds(c.Retry.BaseDelaySeconds),
		MaxDelay:        seconds(c.Retry.MaxDelaySeconds),
		ExponentialBase: c.Retry.ExponentialBase,
		JitterEnabled:   c.Retry.Jitter,
	}
}

// CircuitBreakerConfig converts the circuit section for the named endpoint
func (c *Config) CircuitBreakerConfig(name string) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: c.Circuit.FailureThreshold,
		SuccessThreshold: c.Circuit.SuccessThreshold,
		OpenTimeout:      seconds(c.Circuit.TimeoutSeconds),
	}
}

// BatchJobTemplate returns a job with limits set and no items
func (c *Config) BatchJobTemplate() batch.Job {
	return batch.Job{
		BatchSize:        c.Batch.Size,
		ConcurrencyLimit: c.Batch.ConcurrentLimit,
		PerBatchTimeout:  seconds(c.Batch.TimeoutSeconds),
		ProgressInterval: c.Batch.ProgressInterval,
	}
}

// TelemetryConfig converts the upstream section into client settings
func (c *Config) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		BaseURL:        c.Upstream.BaseURL,
		PublicKey:      c.Upstream.PublicKey,
		SecretKey:      c.Upstream.SecretKey,
		PageSize:       c.Upstream.PageSize,
		RequestTimeout: c.Upstream.RequestTimeout,
	}
}

// PatternConfig converts the pattern section into extractor settings
func (c *Config) PatternConfig() patterns.Config {
	return patterns.Config{
		QAThreshold:         c.Pattern.QAThreshold,
		RAGThreshold:        c.Pattern.RAGThreshold,
		ConfidenceThreshold: c.Pattern.ConfidenceThreshold,
		MaxPerExperiment:    c.Pattern.MaxPerExperiment,
	}
}

// LoggerConfig converts the logging section
func (c *Config) LoggerConfig(version string) *logging.Config {
	return &logging.Config{
		Level:       c.Logging.Level,
		Format:      c.Logging.Format,
		Output:      c.Logging.Output,
		ServiceName: "evalsync",
		Version:     version,
	}
}

// DatabaseDSN returns the driver-specific data source name
func (c *Config) DatabaseDSN() string {
	return c.Database.ConnectionString()
}

// ConnectionString returns the driver-specific data source name. An
// explicit DSN wins over the individual fields.
func (d *DatabaseConfig) ConnectionString() string {
	if d.DSN != "" {
		return d.DSN
	}

	switch d.Driver {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
			d.User,
			d.Password,
			d.Host,
			d.Port,
			d.Name,
		)
	case "sqlite3":
		return d.Name + ".db"
	default:
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			url.QueryEscape(d.User),
			url.QueryEscape(d.Password),
			d.Host,
			d.Port,
			d.Name,
			d.SSLMode,
		)
	}
}

// RedisAddr returns the Redis host:port address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// ServerAddr returns the admin API listen address
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

type targetsFile struct {
	Targets []types.SyncTarget `yaml:"targets"`
}

// loadTargets merges inline targets ("name[:maxAgeDays],...") with the
// YAML targets file. A dataset may be listed only once.
func loadTargets(inline, file string, defaultMaxAge int) ([]types.SyncTarget, error) {
	var targets []types.SyncTarget

	for _, entry := range strings.Split(inline, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		target := types.SyncTarget{DatasetName: entry, MaxAgeDays: defaultMaxAge}
		if name, age, ok := strings.Cut(entry, ":"); ok {
			days, err := strconv.Atoi(strings.TrimSpace(age))
			if err != nil {
				return nil, fmt.Errorf("invalid max age in %q", entry)
			}
			target = types.SyncTarget{DatasetName: strings.TrimSpace(name), MaxAgeDays: days}
		}
		targets = append(targets, target)
	}

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read targets file: %w", err)
		}

		var parsed targetsFile
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("failed to parse targets file: %w", err)
		}

		for _, t := range parsed.Targets {
			if t.MaxAgeDays == 0 {
				t.MaxAgeDays = defaultMaxAge
			}
			targets = append(targets, t)
		}
	}

	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		if t.DatasetName == "" {
			return nil, fmt.Errorf("target with empty dataset name")
		}
		if seen[t.DatasetName] {
			return nil, fmt.Errorf("dataset %q listed more than once", t.DatasetName)
		}
		seen[t.DatasetName] = true
	}

	return targets, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func unit(f float64) bool {
	return f >= 0 && f <= 1
}

// envReader reads typed environment variables and collects every
// malformed or out-of-range value instead of stopping at the first one.
type envReader struct {
	problems map[string]string
}

func (r *envReader) problem(key, msg string) {
	if r.problems == nil {
		r.problems = make(map[string]string)
	}
	if _, exists := r.problems[key]; !exists {
		r.problems[key] = msg
	}
}

func (r *envReader) check(ok bool, key, msg string) {
	if !ok {
		r.problem(key, msg)
	}
}

func (r *envReader) err() error {
	if len(r.problems) == 0 {
		return nil
	}

	keys := make([]string, 0, len(r.problems))
	for k := range r.problems {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s %s", k, r.problems[k]))
	}

	appErr := errors.NewConfigurationError("invalid configuration: " + strings.Join(parts, "; "))
	for _, k := range keys {
		appErr = appErr.WithDetail(k, r.problems[k])
	}
	return appErr
}

func (r *envReader) String(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (r *envReader) Int(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		r.problem(key, fmt.Sprintf("is not an integer: %q", value))
		return defaultValue
	}
	return intValue
}

func (r *envReader) Float(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	floatValue, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		r.problem(key, fmt.Sprintf("is not a number: %q", value))
		return defaultValue
	}
	return floatValue
}

func (r *envReader) Bool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolValue, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		r.problem(key, fmt.Sprintf("is not a boolean: %q", value))
		return defaultValue
	}
	return boolValue
}

func (r *envReader) Duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		r.problem(key, fmt.Sprintf("is not a duration: %q", value))
		return defaultValue
	}
	return duration
}

func (r *envReader) List(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
