// Package config reads runtime settings from the environment.
package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
)

type Config struct {
	HTTPAddr      string
	PublicBaseURL string

	DatabaseURL        string
	RedisURL           string
	IdempotencyBackend string
	QueueBackend       string
	AsynqQueues        string

	ProviderURL    string
	ProviderAPIKey string

	JWTSecret  string
	SecretsKey string

	DefaultPhoneRegion string
	QRTTL              time.Duration
	IdempotencyTTL     time.Duration

	IngestMaxAttempts    int
	IngestRetryBase      time.Duration
	IngestWorkers        int
	IngestBacklog        int
	ProvisionMaxAttempts int
	MaxBodyBytes         int64

	LogMode string
	LogFile string
}

// Load reads every setting, applying defaults. Only values that make the
// service unusable are errors.
func Load() (*Config, error) {
	c := &Config{
		HTTPAddr:             str("HTTP_ADDR", ":8081"),
		PublicBaseURL:        str("PUBLIC_BASE_URL", "http://localhost:8081"),
		DatabaseURL:          str("DATABASE_URL", ""),
		RedisURL:             str("REDIS_URL", ""),
		IdempotencyBackend:   strings.ToLower(str("IDEMPOTENCY_BACKEND", "")),
		QueueBackend:         strings.ToLower(str("QUEUE_BACKEND", "")),
		AsynqQueues:          str("ASYNQ_QUEUES", "default=1"),
		ProviderURL:          str("PROVIDER_URL", "http://localhost:3000"),
		ProviderAPIKey:       str("PROVIDER_API_KEY", ""),
		JWTSecret:            str("JWT_SECRET", ""),
		SecretsKey:           str("SECRETS_KEY", ""),
		DefaultPhoneRegion:   str("DEFAULT_PHONE_REGION", "BR"),
		QRTTL:                duration("QR_TTL", 20*time.Second),
		IdempotencyTTL:       duration("IDEMPOTENCY_TTL", 24*time.Hour),
		IngestMaxAttempts:    integer("INGEST_MAX_ATTEMPTS", 5),
		IngestRetryBase:      duration("INGEST_RETRY_BASE", 500*time.Millisecond),
		IngestWorkers:        integer("INGEST_WORKERS", 16),
		IngestBacklog:        integer("INGEST_BACKLOG", 4096),
		ProvisionMaxAttempts: integer("PROVISION_MAX_ATTEMPTS", 3),
		MaxBodyBytes:         int64(integer("MAX_BODY_BYTES", 1<<20)),
		LogMode:              str("LOG_MODE", "development"),
		LogFile:              str("LOG_FILE", ""),
	}

	if c.IdempotencyBackend == "" {
		c.IdempotencyBackend = "memory"
		if c.RedisURL != "" {
			c.IdempotencyBackend = "redis"
		}
	}
	if c.QueueBackend == "" {
		c.QueueBackend = "memory"
		if c.RedisURL != "" {
			c.QueueBackend = "asynq"
		}
	}

	if c.JWTSecret == "" {
		return nil, errors.New("config: JWT_SECRET is required")
	}
	switch c.IdempotencyBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return nil, errors.New("config: IDEMPOTENCY_BACKEND=redis needs REDIS_URL")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return nil, errors.New("config: IDEMPOTENCY_BACKEND=postgres needs DATABASE_URL")
		}
	default:
		return nil, errors.New("config: unknown IDEMPOTENCY_BACKEND " + c.IdempotencyBackend)
	}
	switch c.QueueBackend {
	case "memory":
	case "asynq":
		if c.RedisURL == "" {
			return nil, errors.New("config: QUEUE_BACKEND=asynq needs REDIS_URL")
		}
	default:
		return nil, errors.New("config: unknown QUEUE_BACKEND " + c.QueueBackend)
	}
	if c.IngestMaxAttempts < 1 {
		c.IngestMaxAttempts = 1
	}
	return c, nil
}

func str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func integer(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := cast.ToIntE(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := cast.ToDurationE(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
