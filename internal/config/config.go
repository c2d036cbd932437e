// Package config loads acctproxy's runtime configuration from the
// environment. Configuration loading and env parsing are an external
// concern to the proxying pipeline; this package only carries the fields
// the core pipeline reads at startup.
package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server
	Host string
	Port int

	// Database
	DBPath string

	// Security
	EncryptionKey string
	AdminToken    string

	// Selector / session affinity
	Strategy          string // only "session" is implemented
	SessionDurationMs time.Duration
	DefaultAgentModel string

	// Retry policy (per candidate)
	RetryAttempts int
	RetryDelayMs  time.Duration
	RetryBackoff  float64

	// Token refresh
	TokenRefreshSkew time.Duration
	OAuthTokenURL    string
	OAuthClientID    string

	// Auto-refresh scheduler
	AutoRefreshInterval    time.Duration
	AutoRefreshThreshold   time.Duration
	AutoRefreshConcurrency int

	// Usage-poll scheduler / usage cache
	UsagePollInterval time.Duration
	UsageCacheTTL     time.Duration

	// Async writer
	WriterQueueCapacity int
	WriterBatchSize     int
	WriterBatchInterval time.Duration

	// Retention / maintenance
	DataRetentionDays    int
	RequestRetentionDays int
	MaintenanceInterval  time.Duration

	// Error pause durations
	ErrorPause401 time.Duration
	ErrorPause403 time.Duration
	ErrorPause429 time.Duration
	ErrorPause529 time.Duration

	// Request handling
	RequestTimeout         time.Duration
	MaxRequestBodyMB       int
	MaxPayloadCaptureBytes int

	// Transport pool
	TransportIdleTimeout      time.Duration
	TransportCleanupInterval  time.Duration
	DNSCacheRefreshInterval   time.Duration

	// Metrics
	MetricsEnabled bool

	// Logging
	LogLevel string
}

func Load() *Config {
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 8089),

		DBPath: envOr("DB_PATH", "./acctproxy.db"),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		AdminToken:    os.Getenv("ADMIN_TOKEN"),

		Strategy:          envOr("STRATEGY", "session"),
		SessionDurationMs: envDuration("SESSION_DURATION_MS", 5*time.Hour),
		DefaultAgentModel: envOr("DEFAULT_AGENT_MODEL", "claude-sonnet-4-5"),

		RetryAttempts: envInt("RETRY_ATTEMPTS", 2),
		RetryDelayMs:  envDuration("RETRY_DELAY_MS", 500*time.Millisecond),
		RetryBackoff:  envFloat("RETRY_BACKOFF", 2.0),

		TokenRefreshSkew: envDuration("TOKEN_REFRESH_SKEW_MS", 60*time.Second),
		OAuthTokenURL:    envOr("OAUTH_TOKEN_URL", "https://console.anthropic.com/v1/oauth/token"),
		OAuthClientID:    envOr("OAUTH_CLIENT_ID", "9d1c250a-e61b-44d9-88ed-5944d1962f5e"),

		AutoRefreshInterval:    envDuration("AUTO_REFRESH_INTERVAL_MS", 30*time.Minute),
		AutoRefreshThreshold:   envDuration("AUTO_REFRESH_THRESHOLD_MS", 5*time.Minute),
		AutoRefreshConcurrency: envInt("AUTO_REFRESH_CONCURRENCY", 4),

		UsagePollInterval: envDuration("USAGE_POLL_INTERVAL_MS", 30*time.Second),
		UsageCacheTTL:     envDuration("USAGE_CACHE_TTL_MS", 30*time.Second),

		WriterQueueCapacity: envInt("WRITER_QUEUE_CAPACITY", 4096),
		WriterBatchSize:     envInt("WRITER_BATCH_SIZE", 32),
		WriterBatchInterval: envDuration("WRITER_BATCH_INTERVAL_MS", 200*time.Millisecond),

		DataRetentionDays:    envInt("DATA_RETENTION_DAYS", 30),
		RequestRetentionDays: envInt("REQUEST_RETENTION_DAYS", 90),
		MaintenanceInterval:  envDuration("MAINTENANCE_INTERVAL_MS", time.Hour),

		ErrorPause401: envDuration("ERROR_PAUSE_401_MS", 30*time.Minute),
		ErrorPause403: envDuration("ERROR_PAUSE_403_MS", 10*time.Minute),
		ErrorPause429: envDuration("ERROR_PAUSE_429_MS", 60*time.Second),
		ErrorPause529: envDuration("ERROR_PAUSE_529_MS", 5*time.Minute),

		RequestTimeout:         envDuration("REQUEST_TIMEOUT_MS", 10*time.Minute),
		MaxRequestBodyMB:       envInt("REQUEST_MAX_SIZE_MB", 60),
		MaxPayloadCaptureBytes: envInt("MAX_PAYLOAD_CAPTURE_BYTES", 256*1024),

		TransportIdleTimeout:     envDuration("TRANSPORT_IDLE_TIMEOUT_MS", 10*time.Minute),
		TransportCleanupInterval: envDuration("TRANSPORT_CLEANUP_INTERVAL_MS", 5*time.Minute),
		DNSCacheRefreshInterval:  envDuration("DNS_CACHE_REFRESH_INTERVAL_MS", 5*time.Minute),

		MetricsEnabled: envBool("METRICS_ENABLED", true),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return errMissing("ENCRYPTION_KEY")
	}
	if c.AdminToken == "" {
		return errMissing("ADMIN_TOKEN")
	}
	if c.Strategy != "session" {
		return &configError{field: "STRATEGY", reason: `only "session" is supported`}
	}
	return nil
}

type configError struct {
	field  string
	reason string
}

func (e *configError) Error() string {
	if e.reason != "" {
		return "config: " + e.field + ": " + e.reason
	}
	return "missing required env: " + e.field
}
func errMissing(f string) error { return &configError{field: f} }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}
