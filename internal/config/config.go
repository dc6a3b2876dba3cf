// Package config validates and loads chatkit's environment configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration.
type Config struct {
	// Required
	JWTSecret string
	Port      string
	StoreAddr string

	// Ambient
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	SkipAuth        bool
	AllowedOrigins  string
	MetricsEnabled  bool
	TracingEnabled  bool
	OTLPEndpoint    string

	// Auth
	AuthIssuer        string
	AuthAudience      string
	AuthTokenTTL      time.Duration

	// Store (C1)
	StorePassword   string
	StorePoolSize   int
	StoreTimeoutMs  int

	// Stream (C3)
	StreamName            string
	StreamConsumerGroup   string
	StreamConsumerName    string
	StreamBatchSize       int
	StreamPollBlockMs     int
	StreamFlushIntervalMs int

	// Rate limit (C4)
	RateLimitMessagesPerMinute   int
	RateLimitMaxConcurrentConns int
	RateLimitAPIGlobal          string
	RateLimitAPIPublic          string
	RateLimitAPIRooms           string
	RateLimitAPIMessages        string
	RateLimitWsIP               string
	RateLimitWsUser             string

	// Broadcast (C6)
	BroadcastLocalBufferSize int

	// Presence (C2)
	PresenceKeyTTLSeconds     int
	PresenceSweepIntervalSecs int

	// Heartbeat (C7)
	HeartbeatIntervalSeconds      int
	HeartbeatTimeoutSeconds       int
	HeartbeatMaxMissed            int
	HeartbeatStatsSampleInterval  int

	// Aggregation (C9) — cron expressions and retention durations.
	AggregationScheduleHourly  string
	AggregationScheduleDaily   string
	AggregationScheduleWeekly  string
	AggregationScheduleMonthly string
	AggregationScheduleYearly  string
	AggregationRetentionHour   time.Duration
	AggregationRetentionDay    time.Duration
	AggregationRetentionWeek   time.Duration
	AggregationRetentionMonth  time.Duration
	AggregationRetentionYear   time.Duration

	// Stats store (C8/C9)
	StatsDatabaseURL string
}

// ValidateEnv validates all required environment variables and returns a
// Config. Every violation is collected before returning a single error, so
// operators see the complete list of what is wrong in one pass.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	cfg.StoreAddr = getEnvOrDefault("STORE_URL", "localhost:6379")
	if !isValidHostPort(cfg.StoreAddr) {
		errs = append(errs, fmt.Sprintf("STORE_URL must be in format 'host:port' (got '%s')", cfg.StoreAddr))
	}
	cfg.StorePassword = os.Getenv("STORE_PASSWORD")
	cfg.StorePoolSize = getEnvIntOrDefault("STORE_POOL_SIZE", 10)
	cfg.StoreTimeoutMs = getEnvIntOrDefault("STORE_TIMEOUT_MS", 1000)

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.MetricsEnabled = os.Getenv("METRICS_ENABLED") != "false"
	cfg.TracingEnabled = os.Getenv("TRACING_ENABLED") == "true"
	cfg.OTLPEndpoint = os.Getenv("TRACING_OTLP_ENDPOINT")

	cfg.AuthIssuer = os.Getenv("AUTH_ISSUER")
	cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")
	cfg.AuthTokenTTL = time.Duration(getEnvIntOrDefault("AUTH_TOKEN_TTL_SECONDS", 3600)) * time.Second

	cfg.StreamName = getEnvOrDefault("STREAM_NAME", "presence_events_stream")
	cfg.StreamConsumerGroup = getEnvOrDefault("STREAM_CONSUMER_GROUP", "stats_consumers")
	cfg.StreamConsumerName = getEnvOrDefault("STREAM_CONSUMER_NAME", defaultConsumerName())
	cfg.StreamBatchSize = getEnvIntOrDefault("STREAM_BATCH_SIZE", 100)
	cfg.StreamPollBlockMs = getEnvIntOrDefault("STREAM_POLL_BLOCK_MS", 1000)
	cfg.StreamFlushIntervalMs = getEnvIntOrDefault("STREAM_FLUSH_INTERVAL_MS", 5000)

	cfg.RateLimitMessagesPerMinute = getEnvIntOrDefault("RATE_LIMIT_MESSAGES_PER_MINUTE", 10)
	cfg.RateLimitMaxConcurrentConns = getEnvIntOrDefault("RATE_LIMIT_MAX_CONCURRENT_CONNECTIONS", 3)
	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")
	cfg.RateLimitAPIRooms = getEnvOrDefault("RATE_LIMIT_API_ROOMS", "100-M")
	cfg.RateLimitAPIMessages = getEnvOrDefault("RATE_LIMIT_API_MESSAGES", "500-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	cfg.BroadcastLocalBufferSize = getEnvIntOrDefault("BROADCAST_LOCAL_BUFFER_SIZE", 64)

	cfg.PresenceKeyTTLSeconds = getEnvIntOrDefault("PRESENCE_KEY_TTL_SECONDS", 86400)
	cfg.PresenceSweepIntervalSecs = getEnvIntOrDefault("PRESENCE_SWEEP_INTERVAL_SECONDS", 300)

	cfg.HeartbeatIntervalSeconds = getEnvIntOrDefault("HEARTBEAT_INTERVAL_SECONDS", 30)
	cfg.HeartbeatTimeoutSeconds = getEnvIntOrDefault("HEARTBEAT_TIMEOUT_SECONDS", 90)
	cfg.HeartbeatMaxMissed = getEnvIntOrDefault("HEARTBEAT_MAX_MISSED", 3)
	cfg.HeartbeatStatsSampleInterval = getEnvIntOrDefault("HEARTBEAT_STATS_SAMPLE_INTERVAL_SECONDS", 300)

	cfg.AggregationScheduleHourly = getEnvOrDefault("AGGREGATION_SCHEDULE_HOURLY", "5 * * * *")
	cfg.AggregationScheduleDaily = getEnvOrDefault("AGGREGATION_SCHEDULE_DAILY", "0 1 * * *")
	cfg.AggregationScheduleWeekly = getEnvOrDefault("AGGREGATION_SCHEDULE_WEEKLY", "0 2 * * 1")
	cfg.AggregationScheduleMonthly = getEnvOrDefault("AGGREGATION_SCHEDULE_MONTHLY", "0 3 1 * *")
	cfg.AggregationScheduleYearly = getEnvOrDefault("AGGREGATION_SCHEDULE_YEARLY", "0 4 1 1 *")
	cfg.AggregationRetentionHour = getEnvDurationOrDefault("AGGREGATION_RETENTION_HOUR", 30*24*time.Hour)
	cfg.AggregationRetentionDay = getEnvDurationOrDefault("AGGREGATION_RETENTION_DAY", 365*24*time.Hour)
	cfg.AggregationRetentionWeek = getEnvDurationOrDefault("AGGREGATION_RETENTION_WEEK", 5*365*24*time.Hour)
	cfg.AggregationRetentionMonth = getEnvDurationOrDefault("AGGREGATION_RETENTION_MONTH", 5*365*24*time.Hour)
	cfg.AggregationRetentionYear = getEnvDurationOrDefault("AGGREGATION_RETENTION_YEAR", 10*365*24*time.Hour)

	cfg.StatsDatabaseURL = os.Getenv("STATS_DATABASE_URL")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	if parts[0] == "" {
		return false
	}
	return true
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated successfully")
	slog.Info("configuration",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"store_addr", cfg.StoreAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"stream_name", cfg.StreamName,
		"stream_consumer_group", cfg.StreamConsumerGroup,
		"rate_limit_messages_per_minute", cfg.RateLimitMessagesPerMinute,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "consumer-1"
	}
	return "consumer-" + host
}

// redactSecret redacts a secret by showing only the first 8 characters.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
