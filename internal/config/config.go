package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/SteelMorgan/log-shipper/internal/batcher"
	"github.com/SteelMorgan/log-shipper/internal/checkpoint"
	"github.com/SteelMorgan/log-shipper/internal/shipper"
	"github.com/SteelMorgan/log-shipper/internal/sink"
	"github.com/SteelMorgan/log-shipper/internal/tailer"
	"github.com/SteelMorgan/log-shipper/internal/watcher"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// envPrefix prefixes every environment override
const envPrefix = "LOGSHIPPER_"

// Config holds all configuration for the agent
type Config struct {
	Watcher    watcher.Config   `yaml:"watcher"`
	Tailer     tailer.Config    `yaml:"tailer"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Buffer     batcher.Config   `yaml:"buffer"`
	Shipper    shipper.Config   `yaml:"shipper"`
	Sink       sink.Config      `yaml:"sink"`
	HTTP       HTTPConfig       `yaml:"http"`
	Log        LogConfig        `yaml:"log"`
	Tracing    TracingConfig    `yaml:"tracing"`

	// Optional YAML file attaching labels to records by source path
	SourceMap string `yaml:"source_map"`

	// Bound on draining tailers and the shipper at shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// CheckpointConfig configures the offset store
type CheckpointConfig struct {
	Path       string                `yaml:"path" validate:"required"`
	CommitMode checkpoint.CommitMode `yaml:"commit_mode" validate:"oneof=per_record periodic"`
}

// HTTPConfig configures the network ingress and health endpoints
type HTTPConfig struct {
	Addr         string `yaml:"addr"` // Empty disables the server
	MaxBodyBytes int64  `yaml:"max_body_bytes" validate:"min=1"`
}

// LogConfig configures the agent's own logging
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn warning error"`
	File   string `yaml:"file"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// TracingConfig configures OpenTelemetry export
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Protocol    string  `yaml:"protocol" validate:"oneof=grpc http"`
	SampleRatio float64 `yaml:"sample_ratio" validate:"gte=0,lte=1"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Watcher: watcher.DefaultConfig(),
		Tailer:  tailer.DefaultConfig(),
		Checkpoint: CheckpointConfig{
			Path:       "data/checkpoints.db",
			CommitMode: checkpoint.CommitPerRecord,
		},
		Buffer:  batcher.DefaultConfig(),
		Shipper: shipper.DefaultConfig(),
		Sink:    sink.DefaultConfig(),
		HTTP: HTTPConfig{
			Addr:         ":8080",
			MaxBodyBytes: 8 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Tracing: TracingConfig{
			Protocol:    "grpc",
			Endpoint:    "localhost:4317",
			SampleRatio: 1,
		},
		ShutdownTimeout: 15 * time.Second,
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (if path is not empty), then LOGSHIPPER_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides the values operators most often change per host
func (c *Config) applyEnv() error {
	c.Watcher.Root = getEnv("WATCH_ROOT", c.Watcher.Root)
	c.Watcher.Recursive = getEnvBool("WATCH_RECURSIVE", c.Watcher.Recursive)
	if include := parseList(getEnv("WATCH_INCLUDE", "")); include != nil {
		c.Watcher.Include = include
	}

	c.Checkpoint.Path = getEnv("CHECKPOINT_PATH", c.Checkpoint.Path)
	c.Checkpoint.CommitMode = checkpoint.CommitMode(getEnv("CHECKPOINT_COMMIT_MODE", string(c.Checkpoint.CommitMode)))

	c.Buffer.Capacity = getEnvInt("BUFFER_CAPACITY", c.Buffer.Capacity)
	c.Buffer.BatchSize = getEnvInt("BUFFER_BATCH_SIZE", c.Buffer.BatchSize)
	c.Buffer.OverflowPolicy = getEnv("BUFFER_OVERFLOW_POLICY", c.Buffer.OverflowPolicy)
	c.Buffer.StagingPath = getEnv("BUFFER_STAGING_PATH", c.Buffer.StagingPath)

	c.Sink.Type = getEnv("SINK_TYPE", c.Sink.Type)
	if addrs := parseList(getEnv("CLICKHOUSE_ADDR", "")); addrs != nil {
		c.Sink.ClickHouse.Addr = addrs
	}
	c.Sink.ClickHouse.Database = getEnv("CLICKHOUSE_DB", c.Sink.ClickHouse.Database)
	c.Sink.ClickHouse.Password = getEnv("CLICKHOUSE_PASSWORD", c.Sink.ClickHouse.Password)
	c.Sink.NATS.URL = getEnv("NATS_URL", c.Sink.NATS.URL)
	if brokers := parseList(getEnv("KAFKA_BROKERS", "")); brokers != nil {
		c.Sink.Kafka.Brokers = brokers
	}

	c.SourceMap = getEnv("SOURCE_MAP", c.SourceMap)
	c.HTTP.Addr = getEnv("HTTP_ADDR", c.HTTP.Addr)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)
	c.Tracing.Enabled = getEnvBool("TRACING_ENABLED", c.Tracing.Enabled)
	c.Tracing.Endpoint = getEnv("TRACING_ENDPOINT", c.Tracing.Endpoint)

	var err error
	if c.ShutdownTimeout, err = getEnvDuration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout); err != nil {
		return err
	}
	if c.Shipper.SendTimeout, err = getEnvDuration("SEND_TIMEOUT", c.Shipper.SendTimeout); err != nil {
		return err
	}
	return nil
}

var validate = validator.New()

// Validate checks struct tags and the rules that span several sections
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	switch c.Sink.Type {
	case sink.TypeClickHouse:
		if len(c.Sink.ClickHouse.Addr) == 0 || c.Sink.ClickHouse.Table == "" {
			return fmt.Errorf("sink.clickhouse.addr and sink.clickhouse.table are required")
		}
	case sink.TypeNATS:
		if c.Sink.NATS.URL == "" || c.Sink.NATS.Subject == "" || c.Sink.NATS.Stream == "" {
			return fmt.Errorf("sink.nats.url, stream and subject are required")
		}
	case sink.TypeKafka:
		if len(c.Sink.Kafka.Brokers) == 0 || c.Sink.Kafka.Topic == "" {
			return fmt.Errorf("sink.kafka.brokers and sink.kafka.topic are required")
		}
	}

	if c.Buffer.CapacityMode == batcher.Bounded && c.Buffer.Capacity < c.Buffer.BatchSize {
		return fmt.Errorf("buffer.capacity (%d) must be at least buffer.batch_size (%d)", c.Buffer.Capacity, c.Buffer.BatchSize)
	}
	if c.Watcher.StopTimeout > c.ShutdownTimeout {
		return fmt.Errorf("watcher.stop_timeout (%s) exceeds shutdown_timeout (%s)", c.Watcher.StopTimeout, c.ShutdownTimeout)
	}
	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(envPrefix + key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(envPrefix + key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration parses a duration such as "500ms"; malformed values are an error
func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	return d, nil
}

// parseList parses a comma or semicolon separated list
func parseList(s string) []string {
	if s == "" {
		return nil
	}

	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	result := make([]string, 0, len(parts))

	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
