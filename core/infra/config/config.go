package config

import "os"

const (
	defaultNATSURL     = "nats://localhost:4222"
	defaultRedisURL    = "redis://localhost:6379"
	defaultAPIAddr     = ":8080"
	defaultMetricsAddr = ":9090"
	defaultRetryConfig = "config/retry.yaml"
	defaultSendSubject = "email.send.queued"

	envNATSURL         = "NATS_URL"
	envRedisURL        = "REDIS_URL"
	envAPIAddr         = "API_ADDR"
	envMetricsAddr     = "METRICS_ADDR"
	envRetryConfigPath = "RETRY_CONFIG_PATH"
	envSendSubject     = "EMAIL_SEND_SUBJECT"
	envAPITokens       = "API_TOKENS"
)

// Config holds runtime configuration for the driftmail services.
type Config struct {
	NatsURL         string
	RedisURL        string
	APIAddr         string
	MetricsAddr     string
	RetryConfigPath string
	SendSubject     string
	// APITokens is the raw "token:role,token:role" map for the gateway.
	APITokens string
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	return &Config{
		NatsURL:         envOr(envNATSURL, defaultNATSURL),
		RedisURL:        envOr(envRedisURL, defaultRedisURL),
		APIAddr:         envOr(envAPIAddr, defaultAPIAddr),
		MetricsAddr:     envOr(envMetricsAddr, defaultMetricsAddr),
		RetryConfigPath: envOr(envRetryConfigPath, defaultRetryConfig),
		SendSubject:     envOr(envSendSubject, defaultSendSubject),
		APITokens:       os.Getenv(envAPITokens),
	}
}

func envOr(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
