package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "GATHERD"

// Load reads configuration from the YAML file at path, applies environment
// variable overrides (GATHERD_SECTION_KEY form), fills defaults, and
// validates the result. An empty path skips the file and uses defaults plus
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "gatherd-orchestrator")
	v.SetDefault("service.environment", "development")
	v.SetDefault("service.api_addr", ":8090")
	v.SetDefault("service.health_addr", ":8080")
	v.SetDefault("service.debug_addr", ":6060")
	v.SetDefault("service.otel_sampling_ratio", 1.0)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.database", "gatherd")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 16)
	v.SetDefault("postgres.min_conns", 2)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "gatherd-orchestrator")
	v.SetDefault("kafka.client_id", "gatherd-orchestrator")
	v.SetDefault("kafka.workflow_topic", "workflow-events")
	v.SetDefault("kafka.chunk_topic", "chunk-events")
	v.SetDefault("kafka.checkpoint_topic", "checkpoint-events")
	v.SetDefault("kafka.task_topic", "scrape-tasks")
	v.SetDefault("kafka.status_topic", "scrape-task-status")

	v.SetDefault("workflow.max_concurrent", 16)
	v.SetDefault("workflow.retry_base_delay", time.Second)
	v.SetDefault("workflow.retry_max_delay", 2*time.Minute)

	v.SetDefault("checkpoint.active_ttl", 24*time.Hour)
	v.SetDefault("checkpoint.completed_ttl", time.Hour)
	v.SetDefault("checkpoint.failed_ttl", 72*time.Hour)
	v.SetDefault("checkpoint.degraded_ttl", 72*time.Hour)
	v.SetDefault("checkpoint.compress_threshold", 0)
	v.SetDefault("checkpoint.retry_queue_size", 1024)

	v.SetDefault("chunking.default_chunk_size", 100)
	v.SetDefault("chunking.max_retries", 3)

	v.SetDefault("reconciliation.staleness_threshold", 30*time.Minute)
	v.SetDefault("reconciliation.max_chunk_retries", 3)
	v.SetDefault("reconciliation.runner_rps", 25.0)
	v.SetDefault("reconciliation.runner_burst", 5)
}

func validate(cfg *Config) error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
	}
	return fmt.Errorf("invalid configuration: %w", err)
}
