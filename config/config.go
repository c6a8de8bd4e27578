package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Ladderflow LadderflowConfig `yaml:"ladderflow"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Session    SessionConfig    `yaml:"session"`
	Stream     StreamConfig     `yaml:"stream"`
	Sink       SinkConfig       `yaml:"sink"`
	Export     ExportConfig     `yaml:"export"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
}

type LadderflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MetricsConfig struct {
	CloudWatch bool   `yaml:"cloudwatch"`
	Namespace  string `yaml:"namespace"`
	Region     string `yaml:"region"`
}

// SessionConfig tunes the subscription lifecycle of one stream session.
type SessionConfig struct {
	ConflateMs        int           `yaml:"conflate_ms"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeouts int           `yaml:"heartbeat_timeouts"`
	PendingBuffer     int           `yaml:"pending_buffer"`
	DialMinInterval   time.Duration `yaml:"dial_min_interval"`
	Retry             RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier int           `yaml:"backoff_multiplier"`
}

// StreamConfig names the exchange endpoints. The app key is injected from
// the environment, never from the file.
type StreamConfig struct {
	URL          string        `yaml:"url"`
	LoginURL     string        `yaml:"login_url"`
	CatalogueURL string        `yaml:"catalogue_url"`
	Timeout      time.Duration `yaml:"timeout"`
	FullLadder   bool          `yaml:"full_ladder"`
	LadderLevels int           `yaml:"ladder_levels"`
	AppKey       string        `yaml:"-"`
}

type SinkConfig struct {
	Dir   string      `yaml:"dir"`
	Kafka KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type ExportConfig struct {
	OutputDir   string `yaml:"output_dir"`
	Compression string `yaml:"compression"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, "config/config.yml", map[string]string{
		environmentProduction: "config/config.production.yml",
		environmentStaging:    "config/config.staging.yml",
	})

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Session: SessionConfig{
			ConflateMs:        50,
			HeartbeatInterval: 5 * time.Second,
			HeartbeatTimeouts: 3,
			PendingBuffer:     256,
			DialMinInterval:   time.Second,
			Retry: RetryConfig{
				BaseDelay:         time.Second,
				MaxDelay:          time.Minute,
				BackoffMultiplier: 2,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Session.ConflateMs < 0 || cfg.Session.ConflateMs > 120000 {
		return fmt.Errorf("session.conflate_ms out of bounds [0, 120000]: %d", cfg.Session.ConflateMs)
	}
	if cfg.Session.HeartbeatInterval <= 0 {
		return fmt.Errorf("session.heartbeat_interval must be positive")
	}
	if cfg.Session.HeartbeatTimeouts < 1 {
		return fmt.Errorf("session.heartbeat_timeouts must be at least 1")
	}
	if cfg.Session.Retry.BaseDelay <= 0 || cfg.Session.Retry.MaxDelay < cfg.Session.Retry.BaseDelay {
		return fmt.Errorf("session.retry delays invalid: base=%s max=%s", cfg.Session.Retry.BaseDelay, cfg.Session.Retry.MaxDelay)
	}
	if cfg.Session.Retry.BackoffMultiplier < 2 {
		cfg.Session.Retry.BackoffMultiplier = 2
	}
	if cfg.Stream.LadderLevels < 0 || cfg.Stream.LadderLevels > 10 {
		return fmt.Errorf("stream.ladder_levels out of bounds [0, 10]: %d", cfg.Stream.LadderLevels)
	}
	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket %q is not a valid bucket name", cfg.Storage.S3.Bucket)
		}
	}
	if cfg.Sink.Kafka.Enabled && len(cfg.Sink.Kafka.Brokers) == 0 {
		return fmt.Errorf("sink.kafka.brokers is required when kafka is enabled")
	}
	return nil
}

var s3BucketRe = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if !s3BucketRe.MatchString(name) {
		return false
	}
	return !strings.Contains(name, "..")
}

// HeartbeatTimeout is the read deadline for the stream transport: the
// heartbeat interval times the configured number of tolerated misses.
func (c *Config) HeartbeatTimeout() time.Duration {
	return c.Session.HeartbeatInterval * time.Duration(c.Session.HeartbeatTimeouts)
}
