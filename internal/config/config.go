// Package config loads fanoutd's runtime configuration from the
// environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all engine configuration.
//
// Tags:
//
//	env: environment variable name
//	envDefault: default value if not set
type Config struct {
	// Server basics
	Addr string `env:"FANOUT_ADDR" envDefault:":8443"`

	// Durable transaction log (Postgres)
	PostgresDSN string `env:"FANOUT_POSTGRES_DSN" envDefault:"postgres://localhost:5432/fanout?sslmode=disable"`

	// Snapshot blob cache (Redis)
	RedisAddr string `env:"FANOUT_REDIS_ADDR" envDefault:"localhost:6379"`

	// Commit-notification bus (Kafka/Redpanda)
	KafkaBrokers    string `env:"FANOUT_KAFKA_BROKERS" envDefault:"localhost:19092"`
	KafkaTopic      string `env:"FANOUT_KAFKA_TOPIC" envDefault:"txlog.committed"`
	KafkaGroup      string `env:"FANOUT_KAFKA_GROUP" envDefault:"fanoutd"`

	// Control plane (NATS)
	NATSURL string `env:"FANOUT_NATS_URL" envDefault:"nats://localhost:4222"`

	// Rate limiting defaults (§4.1)
	RequestBucketCapacity     float64 `env:"FANOUT_REQUEST_BUCKET_CAPACITY" envDefault:"25"`
	RequestBucketRefill       float64 `env:"FANOUT_REQUEST_BUCKET_REFILL" envDefault:"1"`
	FileStorageBucketCapacity float64 `env:"FANOUT_FILE_BUCKET_CAPACITY" envDefault:"200"`
	FileStorageBucketRefill   float64 `env:"FANOUT_FILE_BUCKET_REFILL" envDefault:"200"`

	// Engine thresholds (§4.2, §8)
	GapRollbackThreshold  time.Duration `env:"FANOUT_GAP_ROLLBACK_THRESHOLD" envDefault:"10s"`
	SnapshotTriggerBytes  int           `env:"FANOUT_SNAPSHOT_TRIGGER_BYTES" envDefault:"51200"`
	FileIDCacheTTL        time.Duration `env:"FANOUT_FILE_ID_CACHE_TTL" envDefault:"60s"`
	LogQueryPageSize      int           `env:"FANOUT_LOG_QUERY_PAGE_SIZE" envDefault:"200"`
	SnapshotFetchRatePerS float64       `env:"FANOUT_SNAPSHOT_FETCH_RATE" envDefault:"50"`
	SnapshotFetchBurst    int           `env:"FANOUT_SNAPSHOT_FETCH_BURST" envDefault:"100"`

	// Monitoring
	MetricsAddr     string        `env:"FANOUT_METRICS_ADDR" envDefault:":9090"`
	SysmonInterval  time.Duration `env:"FANOUT_SYSMON_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"FANOUT_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"FANOUT_LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a local .env file (if present) and the
// environment. Priority: environment variables > .env file > defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		fmt.Println("no .env file found, using environment variables only")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.RequestBucketCapacity <= 0 || cfg.FileStorageBucketCapacity <= 0 {
		return nil, fmt.Errorf("rate limiter capacities must be positive")
	}
	return cfg, nil
}

// ZerologLevel maps the configured level string to a zerolog.Level.
func (c *Config) ZerologLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
