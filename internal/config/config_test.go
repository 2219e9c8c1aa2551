package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Broker.Kind != BrokerMemory {
		t.Fatalf("expected memory broker by default, got %q", cfg.Broker.Kind)
	}
	if cfg.Subscriber.IdleTimeout != 5*time.Minute {
		t.Fatalf("expected 5m idle timeout, got %v", cfg.Subscriber.IdleTimeout)
	}
	if cfg.Subscriber.MaxDecodeErrors != 5 {
		t.Fatalf("expected 5 decode errors, got %d", cfg.Subscriber.MaxDecodeErrors)
	}
	if cfg.Namespace() != "ai_story" {
		t.Fatalf("expected ai_story namespace, got %q", cfg.Namespace())
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  request_timeout: 5s
broker:
  kind: redis
redis:
  addr: redis:6379
  pool_size: 20
channel:
  namespace: staging
subscriber:
  idle_timeout: 90s
  max_decode_errors: 3
bridge:
  heartbeat_interval: 0s
  allowed_origins: ["https://app.example.com"]
db:
  dsn: postgres://user:pass@db/stages
logging:
  development: false
  level: debug
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.RequestTimeout != 5*time.Second {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if cfg.Broker.Kind != BrokerRedis || cfg.Redis.Addr != "redis:6379" || cfg.Redis.PoolSize != 20 {
		t.Fatalf("expected redis overrides, got %+v %+v", cfg.Broker, cfg.Redis)
	}
	if cfg.Namespace() != "staging" {
		t.Fatalf("expected staging namespace, got %q", cfg.Namespace())
	}
	if cfg.Subscriber.IdleTimeout != 90*time.Second || cfg.Subscriber.MaxDecodeErrors != 3 {
		t.Fatalf("expected subscriber overrides, got %+v", cfg.Subscriber)
	}
	if cfg.Bridge.HeartbeatInterval != 0 || len(cfg.Bridge.AllowedOrigins) != 1 {
		t.Fatalf("expected bridge overrides, got %+v", cfg.Bridge)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides, got %+v", cfg.Logging)
	}
	if cfg.Redis.MinIdleConns != 2 {
		t.Fatalf("expected untouched defaults to survive, got %d", cfg.Redis.MinIdleConns)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("STAGESTREAM_SERVER_PORT", "7070")
	t.Setenv("STAGESTREAM_SUBSCRIBER_IDLE_TIMEOUT", "2m")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected env port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Subscriber.IdleTimeout != 2*time.Minute {
		t.Fatalf("expected env idle timeout, got %v", cfg.Subscriber.IdleTimeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"admission", func(c *Config) { c.Server.AdmissionRPS = -1 }, "server.admission_rps"},
		{"broker kind", func(c *Config) { c.Broker.Kind = "kafka" }, "broker.kind"},
		{"redis addr", func(c *Config) { c.Broker.Kind = BrokerRedis; c.Redis.Addr = "" }, "redis.addr"},
		{"namespace", func(c *Config) { c.Channel.Namespace = "a:b" }, "channel.namespace"},
		{"namespace glob", func(c *Config) { c.Channel.Namespace = "ns[1]" }, "channel.namespace"},
		{"idle timeout", func(c *Config) { c.Subscriber.IdleTimeout = 0 }, "subscriber.idle_timeout"},
		{"decode errors", func(c *Config) { c.Subscriber.MaxDecodeErrors = -1 }, "subscriber.max_decode_errors"},
		{"queue", func(c *Config) { c.Publisher.QueueSize = 0 }, "publisher.queue_size"},
		{"sample ratio", func(c *Config) { c.Telemetry.SampleRatio = 2 }, "telemetry.sample_ratio"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}
