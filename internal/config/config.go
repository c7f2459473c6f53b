// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	ShutdownTimeout     time.Duration
	MaxRequestBodyBytes int64

	// Storage. The scheme selects the backend: postgres://, sqlite:// or memory://.
	DatabaseURL string
	NotifyURL   string // Direct Postgres URL for LISTEN/NOTIFY; defaults to DatabaseURL.

	// JWT settings. Auth is disabled when no public key is configured.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file (token issuing only).
	JWTExpiration     time.Duration

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Shadow execution.
	Workers        int
	QueueSize      int
	RuleTimeout    time.Duration
	PersistRetries int
	PersistBackoff time.Duration

	// Batch jobs.
	JobInterval            time.Duration
	JobTimeout             time.Duration
	CatalogRefreshInterval time.Duration

	// Confidence adjustment.
	AdjustWindow       time.Duration
	AdjustMinSamples   int
	AdjustLearningRate float64
	FactorTTL          time.Duration

	// Performance monitor.
	MonitorWindow time.Duration
	ReviewCap     int

	// Alert sinks. Each is enabled when its address is set.
	AlertKafkaBrokers string
	AlertKafkaTopic   string
	AlertNATSURL      string
	AlertNATSSubject  string

	// Legacy evaluators reachable over HTTP, as tool=url pairs.
	LegacyEndpoints string

	// Rate limiting on ingest routes. Zero RPS disables it.
	RateLimitRPS   float64
	RateLimitBurst int

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed values are reported rather than silently replaced by defaults.
func Load() (Config, error) {
	var errs []error
	str := envStr
	num := func(key string, def int) int {
		v, err := envInt(key, def)
		errs = append(errs, err)
		return v
	}
	dur := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		errs = append(errs, err)
		return v
	}
	flt := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		errs = append(errs, err)
		return v
	}
	boolean := func(key string, def bool) bool {
		v, err := envBool(key, def)
		errs = append(errs, err)
		return v
	}

	cfg := Config{
		Port:                   num("KAGE_PORT", 8080),
		ReadTimeout:            dur("KAGE_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:           dur("KAGE_WRITE_TIMEOUT", 30*time.Second),
		ShutdownTimeout:        dur("KAGE_SHUTDOWN_TIMEOUT", 15*time.Second),
		MaxRequestBodyBytes:    int64(num("KAGE_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		DatabaseURL:            str("DATABASE_URL", "memory://"),
		NotifyURL:              str("NOTIFY_URL", ""),
		JWTPublicKeyPath:       str("KAGE_JWT_PUBLIC_KEY", ""),
		JWTPrivateKeyPath:      str("KAGE_JWT_PRIVATE_KEY", ""),
		JWTExpiration:          dur("KAGE_JWT_EXPIRATION", 24*time.Hour),
		OTELEndpoint:           str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:           boolean("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:            str("OTEL_SERVICE_NAME", "kage"),
		Workers:                num("KAGE_WORKERS", 8),
		QueueSize:              num("KAGE_QUEUE_SIZE", 10000),
		RuleTimeout:            dur("KAGE_RULE_TIMEOUT", 2*time.Second),
		PersistRetries:         num("KAGE_PERSIST_RETRIES", 3),
		PersistBackoff:         dur("KAGE_PERSIST_BACKOFF", 50*time.Millisecond),
		JobInterval:            dur("KAGE_JOB_INTERVAL", 24*time.Hour),
		JobTimeout:             dur("KAGE_JOB_TIMEOUT", 10*time.Minute),
		CatalogRefreshInterval: dur("KAGE_CATALOG_REFRESH_INTERVAL", time.Minute),
		AdjustWindow:           dur("KAGE_ADJUST_WINDOW", 30*24*time.Hour),
		AdjustMinSamples:       num("KAGE_ADJUST_MIN_SAMPLES", 20),
		AdjustLearningRate:     flt("KAGE_ADJUST_LEARNING_RATE", 0.05),
		FactorTTL:              dur("KAGE_FACTOR_TTL", 25*time.Hour),
		MonitorWindow:          dur("KAGE_MONITOR_WINDOW", 7*24*time.Hour),
		ReviewCap:              num("KAGE_REVIEW_CAP", 50),
		AlertKafkaBrokers:      str("KAGE_ALERT_KAFKA_BROKERS", ""),
		AlertKafkaTopic:        str("KAGE_ALERT_KAFKA_TOPIC", "kage-alerts"),
		AlertNATSURL:           str("KAGE_ALERT_NATS_URL", ""),
		AlertNATSSubject:       str("KAGE_ALERT_NATS_SUBJECT", "kage.alerts"),
		LegacyEndpoints:        str("KAGE_LEGACY_ENDPOINTS", ""),
		RateLimitRPS:           flt("KAGE_RATE_LIMIT_RPS", 0),
		RateLimitBurst:         num("KAGE_RATE_LIMIT_BURST", 100),
		LogLevel:               str("KAGE_LOG_LEVEL", "info"),
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if cfg.NotifyURL == "" && strings.HasPrefix(cfg.DatabaseURL, "postgres") {
		cfg.NotifyURL = cfg.DatabaseURL
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// StoreKind returns the backend named by DatabaseURL's scheme.
func (c Config) StoreKind() string {
	scheme, _, ok := strings.Cut(c.DatabaseURL, "://")
	if !ok {
		return ""
	}
	switch scheme {
	case "postgres", "postgresql":
		return "postgres"
	case "sqlite", "memory":
		return scheme
	}
	return ""
}

// SQLitePath returns the file path of a sqlite:// URL.
func (c Config) SQLitePath() string {
	return strings.TrimPrefix(c.DatabaseURL, "sqlite://")
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	} else if c.StoreKind() == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL must start with postgres://, sqlite:// or memory://"))
	}
	if c.StoreKind() == "sqlite" && c.SQLitePath() == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL sqlite:// needs a file path"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("KAGE_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.Workers <= 0 || c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("KAGE_WORKERS and KAGE_QUEUE_SIZE must be positive"))
	}
	if c.RuleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("KAGE_RULE_TIMEOUT must be positive"))
	}
	if c.PersistRetries < 0 {
		errs = append(errs, fmt.Errorf("KAGE_PERSIST_RETRIES must not be negative"))
	}
	if c.JobInterval <= 0 || c.JobTimeout <= 0 || c.CatalogRefreshInterval <= 0 {
		errs = append(errs, fmt.Errorf("job and refresh intervals must be positive"))
	}
	if c.AdjustLearningRate <= 0 || c.AdjustLearningRate > 1 {
		errs = append(errs, fmt.Errorf("KAGE_ADJUST_LEARNING_RATE must be in (0, 1]"))
	}
	if c.AdjustMinSamples <= 0 || c.ReviewCap <= 0 {
		errs = append(errs, fmt.Errorf("KAGE_ADJUST_MIN_SAMPLES and KAGE_REVIEW_CAP must be positive"))
	}
	if c.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("KAGE_RATE_LIMIT_RPS must not be negative"))
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst <= 0 {
		errs = append(errs, fmt.Errorf("KAGE_RATE_LIMIT_BURST must be positive when rate limiting is enabled"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
