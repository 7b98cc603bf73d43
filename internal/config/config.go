package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	ListenAddr         string
	DatabaseURL        string
	RedisAddr          string
	MergeQueueName     string
	ConsumerName       string
	CORSAllowedOrigins []string
	AdminAPIKey        string

	// SessionDurationMinutes is the idle-timeout buffer: how long a session
	// may sit idle before the next event opens a new one. It doubles as the
	// tolerance window when merged events are matched against existing
	// sessions.
	SessionDurationMinutes int

	MergeMaxAttempts         int
	MergeRetryBackoffSeconds int

	RateLimitRequestsPerSec float64
	RateLimitBurst          int

	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string

	FailureWebhookURL           string
	FailureWebhookAuthHeader    string
	FailureAlertCooldownMinutes int
}

func Load() Config {
	port := envOrDefault("USERSTITCH_PORT", "8080")

	return Config{
		ListenAddr:         ":" + port,
		DatabaseURL:        databaseURL(),
		RedisAddr:          redisAddr(),
		MergeQueueName:     envOrDefault("MERGE_QUEUE_NAME", "identity-merges"),
		ConsumerName:       envOrDefault("MERGE_CONSUMER_NAME", defaultConsumerName()),
		CORSAllowedOrigins: parseCSV(envOrDefault("CORS_ALLOWED_ORIGINS", "*")),
		AdminAPIKey:        os.Getenv("ADMIN_API_KEY"),

		SessionDurationMinutes: envOrDefaultInt("SESSION_DURATION_MINUTES", 30),

		MergeMaxAttempts:         envOrDefaultInt("MERGE_MAX_ATTEMPTS", 3),
		MergeRetryBackoffSeconds: envOrDefaultInt("MERGE_RETRY_BACKOFF_SECONDS", 30),

		RateLimitRequestsPerSec: envOrDefaultFloat("RATE_LIMIT_REQUESTS_PER_SEC", 25),
		RateLimitBurst:          envOrDefaultInt("RATE_LIMIT_BURST", 50),

		S3Region:    envOrDefault("S3_REGION", "us-east-1"),
		S3Endpoint:  os.Getenv("S3_ENDPOINT"),
		S3AccessKey: envOrDefault("S3_ACCESS_KEY", ""),
		S3SecretKey: envOrDefault("S3_SECRET_KEY", ""),
		S3Bucket:    envOrDefault("S3_BUCKET", ""),

		FailureWebhookURL:           os.Getenv("MERGE_FAILURE_WEBHOOK_URL"),
		FailureWebhookAuthHeader:    os.Getenv("MERGE_FAILURE_WEBHOOK_AUTH"),
		FailureAlertCooldownMinutes: envOrDefaultInt("MERGE_FAILURE_ALERT_COOLDOWN_MINUTES", 30),
	}
}

// SessionBuffer is the idle-timeout buffer as a duration, the form the
// merge engine consumes.
func (c Config) SessionBuffer() time.Duration {
	minutes := c.SessionDurationMinutes
	if minutes < 1 {
		minutes = 30
	}
	return time.Duration(minutes) * time.Minute
}

func (c Config) MergeRetryBackoff() time.Duration {
	seconds := c.MergeRetryBackoffSeconds
	if seconds < 1 {
		seconds = 30
	}
	return time.Duration(seconds) * time.Second
}

func defaultConsumerName() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "merge-worker"
	}
	return "merge-worker-" + hostname
}

func databaseURL() string {
	if value := os.Getenv("DATABASE_URL"); value != "" {
		return value
	}

	host := envOrDefault("POSTGRES_HOST", "localhost")
	port := envOrDefault("POSTGRES_PORT", "5432")
	user := envOrDefault("POSTGRES_USER", "userstitch")
	password := envOrDefault("POSTGRES_PASSWORD", "userstitch")
	database := envOrDefault("POSTGRES_DB", "userstitch")

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, database)
}

func redisAddr() string {
	host := envOrDefault("REDIS_HOST", "localhost")
	port := envOrDefault("REDIS_PORT", "6379")
	return fmt.Sprintf("%s:%s", host, port)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseCSV(value string) []string {
	values := strings.Split(value, ",")
	result := make([]string, 0, len(values))
	for _, item := range values {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		result = append(result, trimmed)
	}

	if len(result) == 0 {
		return []string{"*"}
	}
	return result
}

func envOrDefaultInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	var parsed int
	if _, err := fmt.Sscanf(value, "%d", &parsed); err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	var parsed float64
	if _, err := fmt.Sscanf(value, "%f", &parsed); err != nil {
		return fallback
	}
	return parsed
}
