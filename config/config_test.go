package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
ladderflow:
  name: ladderflow
  version: "1.0.0"
stream:
  url: wss://stream.example.com/exchange
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Session.ConflateMs != 50 {
		t.Fatalf("conflate default = %d, want 50", cfg.Session.ConflateMs)
	}
	if cfg.Session.HeartbeatInterval != 5*time.Second || cfg.Session.HeartbeatTimeouts != 3 {
		t.Fatalf("heartbeat defaults wrong: %+v", cfg.Session)
	}
	if cfg.Session.PendingBuffer != 256 {
		t.Fatalf("pending buffer default = %d, want 256", cfg.Session.PendingBuffer)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("logging defaults wrong: %+v", cfg.Logging)
	}
	if got := cfg.HeartbeatTimeout(); got != 15*time.Second {
		t.Fatalf("heartbeat timeout = %s, want 15s", got)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
session:
  conflate_ms: 120
  heartbeat_interval: 10s
  heartbeat_timeouts: 2
  retry:
    max_attempts: 5
    base_delay: 2s
    max_delay: 30s
stream:
  full_ladder: true
  ladder_levels: 5
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Session.ConflateMs != 120 {
		t.Fatalf("conflate = %d, want 120", cfg.Session.ConflateMs)
	}
	if !cfg.Stream.FullLadder || cfg.Stream.LadderLevels != 5 {
		t.Fatalf("stream overrides wrong: %+v", cfg.Stream)
	}
	if cfg.Session.Retry.MaxAttempts != 5 || cfg.Session.Retry.BaseDelay != 2*time.Second {
		t.Fatalf("retry overrides wrong: %+v", cfg.Session.Retry)
	}
	if got := cfg.HeartbeatTimeout(); got != 20*time.Second {
		t.Fatalf("heartbeat timeout = %s, want 20s", got)
	}
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"conflate out of bounds", "session:\n  conflate_ms: 200000\n"},
		{"zero heartbeat interval", "session:\n  heartbeat_interval: 0s\n"},
		{"ladder levels too deep", "stream:\n  ladder_levels: 11\n"},
		{"s3 enabled without bucket", "storage:\n  s3:\n    enabled: true\n"},
		{"invalid bucket name", "storage:\n  s3:\n    enabled: true\n    bucket: Invalid_Bucket\n"},
		{"kafka enabled without brokers", "sink:\n  kafka:\n    enabled: true\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.body)
			if _, err := LoadConfig(path); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadConfigS3EnvOverrides(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "env-key")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "env-secret")
	t.Setenv("S3_BUCKET", "env-bucket")

	path := writeConfig(t, `
storage:
  s3:
    enabled: true
    bucket: file-bucket
    region: eu-west-1
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.S3.AccessKeyID != "env-key" || cfg.Storage.S3.SecretAccessKey != "env-secret" {
		t.Fatalf("credentials not taken from environment: %+v", cfg.Storage.S3)
	}
	if cfg.Storage.S3.Bucket != "env-bucket" {
		t.Fatalf("bucket = %q, want env-bucket", cfg.Storage.S3.Bucket)
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	valid := []string{"market-data", "ladderflow.archive", "a1b"}
	for _, name := range valid {
		if !isValidS3Bucket(name) {
			t.Fatalf("%q should be valid", name)
		}
	}
	invalid := []string{"", "AB", "Upper-Case", "double..dot", "-leading", "trailing-"}
	for _, name := range invalid {
		if isValidS3Bucket(name) {
			t.Fatalf("%q should be invalid", name)
		}
	}
}

func TestAppEnvironmentAliases(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	if got := AppEnvironment(); got != "production" {
		t.Fatalf("prod alias = %q, want production", got)
	}
	t.Setenv("APP_ENV", "stagging")
	if got := AppEnvironment(); got != "staging" {
		t.Fatalf("stagging alias = %q, want staging", got)
	}
	t.Setenv("APP_ENV", "")
	if got := AppEnvironment(); got != "development" {
		t.Fatalf("default env = %q, want development", got)
	}
}
