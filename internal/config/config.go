// Package config loads runtime settings for the Hermes daemon from the
// environment: a flat struct populated by getenv helpers, no file
// parsing.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend selects which storage engine backs the primary outbox.
type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendMongo    Backend = "mongo"
)

// Config holds runtime settings for the Hermes outbox daemon.
type Config struct {
	Backend   Backend
	Consumer  ConsumerConfig
	Postgres  PostgresConfig
	Mongo     MongoConfig
	Webhook   WebhookConfig
	Telemetry TelemetryConfig
}

// ConsumerConfig maps onto outbox.Options.
type ConsumerConfig struct {
	Name                   string
	PartitionKey           string
	Serialization          bool
	PipelineConcurrency    int
	WaitAfterFailedPublish time.Duration
	DisposeOnSignal        bool

	AuxiliaryEnabled       bool
	AuxiliaryCheckInterval time.Duration
	AuxiliaryBatchSize     int
}

// PostgresConfig configures the logical-replication backend. The
// replication slot name is derived from ConsumerConfig.Name/PartitionKey,
// not configured here.
type PostgresConfig struct {
	DSN                string
	OutboxTable        string
	AuxiliaryTable     string
	ConsumerStateTable string
	Publication        string
}

// MongoConfig configures the change-stream backend.
type MongoConfig struct {
	URI                     string
	Database                string
	OutboxCollection        string
	AuxiliaryCollection     string
	ConsumerStateCollection string
}

// WebhookConfig configures the sample HTTP sink the daemon publishes to.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
}

// TelemetryConfig names the service for trace/log attribution.
type TelemetryConfig struct {
	ServiceName string
}

// Load reads the HERMES_ environment and validates the selected backend
// has the fields it needs.
func Load() (*Config, error) {
	cfg := &Config{
		Backend: Backend(getenv("HERMES_BACKEND", string(BackendPostgres))),
		Consumer: ConsumerConfig{
			Name:                   getenv("HERMES_CONSUMER_NAME", "hermes"),
			PartitionKey:           getenv("HERMES_PARTITION_KEY", "default"),
			Serialization:          getenvBool("HERMES_SERIALIZATION", false),
			PipelineConcurrency:    getenvInt("HERMES_PIPELINE_CONCURRENCY", 16),
			WaitAfterFailedPublish: getenvDuration("HERMES_WAIT_AFTER_FAILED_PUBLISH", 30*time.Second),
			DisposeOnSignal:        getenvBool("HERMES_DISPOSE_ON_SIGNAL", true),
			AuxiliaryEnabled:       getenvBool("HERMES_AUXILIARY_ENABLED", false),
			AuxiliaryCheckInterval: getenvDuration("HERMES_AUXILIARY_CHECK_INTERVAL", 15*time.Second),
			AuxiliaryBatchSize:     getenvInt("HERMES_AUXILIARY_BATCH_SIZE", 10),
		},
		Postgres: PostgresConfig{
			DSN:                getenv("HERMES_POSTGRES_DSN", ""),
			OutboxTable:        getenv("HERMES_POSTGRES_OUTBOX_TABLE", "hermes_outbox"),
			AuxiliaryTable:     getenv("HERMES_POSTGRES_AUXILIARY_TABLE", "hermes_outbox_auxiliary"),
			ConsumerStateTable: getenv("HERMES_POSTGRES_CONSUMER_STATE_TABLE", "hermes_consumer_state"),
			Publication:        getenv("HERMES_POSTGRES_PUBLICATION", "hermes_outbox"),
		},
		Mongo: MongoConfig{
			URI:                     getenv("HERMES_MONGO_URI", ""),
			Database:                getenv("HERMES_MONGO_DATABASE", "hermes"),
			OutboxCollection:        getenv("HERMES_MONGO_OUTBOX_COLLECTION", "outbox"),
			AuxiliaryCollection:     getenv("HERMES_MONGO_AUXILIARY_COLLECTION", "outbox_auxiliary"),
			ConsumerStateCollection: getenv("HERMES_MONGO_CONSUMER_STATE_COLLECTION", "consumer_state"),
		},
		Webhook: WebhookConfig{
			URL:     getenv("HERMES_WEBHOOK_URL", ""),
			Timeout: getenvDuration("HERMES_WEBHOOK_TIMEOUT", 30*time.Second),
		},
		Telemetry: TelemetryConfig{
			ServiceName: getenv("HERMES_OTEL_SERVICE", "hermes"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Backend {
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("config: HERMES_POSTGRES_DSN is required for backend %q", c.Backend)
		}
	case BackendMongo:
		if c.Mongo.URI == "" {
			return fmt.Errorf("config: HERMES_MONGO_URI is required for backend %q", c.Backend)
		}
	default:
		return fmt.Errorf("config: unsupported HERMES_BACKEND %q", c.Backend)
	}
	if c.Webhook.URL == "" {
		return fmt.Errorf("config: HERMES_WEBHOOK_URL is required")
	}
	return nil
}

func getenv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(value) {
		case "1", "true", "yes":
			return true
		case "0", "false", "no":
			return false
		}
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
