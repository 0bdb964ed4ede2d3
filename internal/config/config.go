// Package config defines the orchestrator's configuration and loads it from
// a YAML file with environment variable overrides.
package config

import (
	"fmt"
	"time"
)

// Config is the top-level configuration for the orchestrator service.
type Config struct {
	Service        ServiceConfig        `mapstructure:"service"`
	Postgres       PostgresConfig       `mapstructure:"postgres" validate:"required"`
	Kafka          KafkaConfig          `mapstructure:"kafka" validate:"required"`
	Workflow       WorkflowConfig       `mapstructure:"workflow"`
	Checkpoint     CheckpointConfig     `mapstructure:"checkpoint"`
	Chunking       ChunkingConfig       `mapstructure:"chunking"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
}

// ServiceConfig identifies the service and its operational endpoints.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`

	// APIAddr serves the reporting and control API.
	APIAddr string `mapstructure:"api_addr"`
	// HealthAddr serves readiness and liveness probes.
	HealthAddr string `mapstructure:"health_addr"`
	// DebugAddr serves pprof and runtime visualization.
	DebugAddr string `mapstructure:"debug_addr"`

	OTELEndpoint      string  `mapstructure:"otel_endpoint"`
	OTELSamplingRatio float64 `mapstructure:"otel_sampling_ratio" validate:"gte=0,lte=1"`
}

// PostgresConfig holds durable store connection settings.
type PostgresConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required,gt=0,lte=65535"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database" validate:"required"`
	SSLMode  string `mapstructure:"ssl_mode" validate:"oneof=disable require verify-ca verify-full"`

	MaxConns int32 `mapstructure:"max_conns" validate:"gte=0"`
	MinConns int32 `mapstructure:"min_conns" validate:"gte=0"`
}

// DSN renders the connection string for pgx.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// KafkaConfig holds broker addresses and the topics the orchestrator uses.
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers" validate:"required,min=1"`
	GroupID  string   `mapstructure:"group_id" validate:"required"`
	ClientID string   `mapstructure:"client_id" validate:"required"`

	WorkflowTopic   string `mapstructure:"workflow_topic" validate:"required"`
	ChunkTopic      string `mapstructure:"chunk_topic" validate:"required"`
	CheckpointTopic string `mapstructure:"checkpoint_topic" validate:"required"`

	TaskTopic   string `mapstructure:"task_topic" validate:"required"`
	StatusTopic string `mapstructure:"status_topic" validate:"required"`
}

// WorkflowConfig tunes workflow execution.
type WorkflowConfig struct {
	// MaxConcurrent bounds how many workflows execute at once.
	MaxConcurrent int `mapstructure:"max_concurrent" validate:"gt=0"`

	// RetryBaseDelay and RetryMaxDelay shape the step retry backoff.
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" validate:"gt=0"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay" validate:"gt=0"`
}

// CheckpointConfig tunes the checkpoint store.
type CheckpointConfig struct {
	ActiveTTL         time.Duration `mapstructure:"active_ttl" validate:"gt=0"`
	CompletedTTL      time.Duration `mapstructure:"completed_ttl" validate:"gt=0"`
	FailedTTL         time.Duration `mapstructure:"failed_ttl" validate:"gt=0"`
	DegradedTTL       time.Duration `mapstructure:"degraded_ttl" validate:"gt=0"`
	CompressThreshold int           `mapstructure:"compress_threshold" validate:"gte=0"`
	RetryQueueSize    int           `mapstructure:"retry_queue_size" validate:"gt=0"`
}

// ChunkingConfig tunes chunk creation and retry.
type ChunkingConfig struct {
	// DefaultChunkSize is the quantity per chunk when a job does not
	// specify one.
	DefaultChunkSize int `mapstructure:"default_chunk_size" validate:"gt=0"`

	// MaxRetries bounds how many times a failed chunk may be re-queued.
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0"`
}

// ReconciliationConfig tunes the reconciliation engine.
type ReconciliationConfig struct {
	// StalenessThreshold is how long a non-terminal chunk may go without
	// activity before it is classified stale.
	StalenessThreshold time.Duration `mapstructure:"staleness_threshold" validate:"gt=0"`

	// MaxChunkRetries bounds resume attempts per chunk.
	MaxChunkRetries int `mapstructure:"max_chunk_retries" validate:"gte=0"`

	// RunnerRPS and RunnerBurst rate-limit status queries to the runner.
	RunnerRPS   float64 `mapstructure:"runner_rps" validate:"gt=0"`
	RunnerBurst int     `mapstructure:"runner_burst" validate:"gt=0"`
}
