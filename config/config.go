package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration fields for the application.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	DatabaseDriver string
	DatabaseURL    string

	WebhookSecret string

	RedisURL       string
	IdempotencyTTL time.Duration

	RabbitMQURL             string
	RabbitMQQueue           string
	RabbitMQDeadLetterQueue string
	QueueConcurrency        int

	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration

	StoreTimeout      time.Duration
	BrokerTimeout     time.Duration
	HTTPClientTimeout time.Duration

	EvolutionAPIURL  string
	EvolutionAPIKey  string
	PublicWebhookURL string

	InstancesFile         string
	DefaultChannel        string
	DefaultDepartmentID   string
	DefaultDepartmentName string

	S3 S3Config

	QRTerminal       bool
	AdminAPIKey      string
	WSAllowedOrigins []string
}

// S3Config holds the media archive settings.
type S3Config struct {
	Enabled   bool
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
	PublicURL string
}

// LoadConfig loads configuration from environment variables.
// It attempts to load a .env file if present.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Err(err).Msg("No .env file found or error loading it, relying on environment variables")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{
		Port:      stringOr("PORT", "8080"),
		LogLevel:  os.Getenv("LOG_LEVEL"),
		LogFormat: os.Getenv("LOG_FORMAT"),

		DatabaseDriver: stringOr("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:    stringOr("DATABASE_URL", "file:crm.db?_pragma=busy_timeout(5000)"),

		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),

		RedisURL:       os.Getenv("REDIS_URL"),
		IdempotencyTTL: durationOr("IDEMPOTENCY_TTL", 24*time.Hour),

		RabbitMQURL:             os.Getenv("RABBITMQ_URL"),
		RabbitMQQueue:           stringOr("RABBITMQ_QUEUE", "evolution.events"),
		RabbitMQDeadLetterQueue: stringOr("RABBITMQ_DEAD_LETTER_QUEUE", "evolution.dead-letter"),
		QueueConcurrency:        intOr("QUEUE_CONCURRENCY", 5),

		RetryMaxAttempts:    intOr("RETRY_MAX_ATTEMPTS", 3),
		RetryInitialBackoff: durationOr("RETRY_INITIAL_BACKOFF", time.Second),
		RetryMaxBackoff:     durationOr("RETRY_MAX_BACKOFF", 30*time.Second),

		StoreTimeout:      durationOr("STORE_TIMEOUT", 5*time.Second),
		BrokerTimeout:     durationOr("BROKER_TIMEOUT", 5*time.Second),
		HTTPClientTimeout: durationOr("HTTP_CLIENT_TIMEOUT", 10*time.Second),

		EvolutionAPIURL:  strings.TrimRight(os.Getenv("EVOLUTION_API_URL"), "/"),
		EvolutionAPIKey:  os.Getenv("EVOLUTION_API_KEY"),
		PublicWebhookURL: strings.TrimRight(os.Getenv("PUBLIC_WEBHOOK_URL"), "/"),

		InstancesFile:         os.Getenv("INSTANCES_FILE"),
		DefaultChannel:        stringOr("DEFAULT_CHANNEL", "whatsapp"),
		DefaultDepartmentID:   stringOr("DEFAULT_DEPARTMENT_ID", "00000000-0000-4000-a000-000000000000"),
		DefaultDepartmentName: stringOr("DEFAULT_DEPARTMENT_NAME", "Default"),

		S3: S3Config{
			Enabled:   boolOr("S3_ENABLED", false),
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			Region:    stringOr("S3_REGION", "us-east-1"),
			Bucket:    os.Getenv("S3_BUCKET"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			PathStyle: boolOr("S3_PATH_STYLE", false),
			PublicURL: strings.TrimRight(os.Getenv("S3_PUBLIC_URL"), "/"),
		},

		QRTerminal:       boolOr("QR_TERMINAL", false),
		AdminAPIKey:      os.Getenv("ADMIN_API_KEY"),
		WSAllowedOrigins: splitList(stringOr("WS_ALLOWED_ORIGINS", "*")),
	}

	if cfg.QueueConcurrency < 1 {
		log.Warn().Int("queueConcurrency", cfg.QueueConcurrency).Msg("QUEUE_CONCURRENCY must be positive, using 1")
		cfg.QueueConcurrency = 1
	}
	if cfg.RetryMaxAttempts < 1 {
		log.Warn().Int("retryMaxAttempts", cfg.RetryMaxAttempts).Msg("RETRY_MAX_ATTEMPTS must be positive, using 1")
		cfg.RetryMaxAttempts = 1
	}

	log.Info().
		Str("port", cfg.Port).
		Str("databaseDriver", cfg.DatabaseDriver).
		Bool("signatureEnforced", cfg.WebhookSecret != "").
		Bool("redisEnabled", cfg.RedisURL != "").
		Bool("rabbitEnabled", cfg.RabbitMQURL != "").
		Bool("s3Enabled", cfg.S3.Enabled).
		Msg("Configuration loading complete")
	return cfg, nil
}

func stringOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	log.Debug().Str("key", key).Str("default", fallback).Msg("Variable not set, using default")
	return fallback
}

func intOr(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Int("default", fallback).Msg("Invalid integer, using default")
		return fallback
	}
	return v
}

func boolOr(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Bool("default", fallback).Msg("Invalid boolean, using default")
		return fallback
	}
	return v
}

func durationOr(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Dur("default", fallback).Msg("Invalid duration, using default")
		return fallback
	}
	return v
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
