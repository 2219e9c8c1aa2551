// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/stagestream/internal/channel"
)

// Broker kinds accepted by broker.kind.
const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Channel    ChannelConfig    `mapstructure:"channel"`
	Publisher  PublisherConfig  `mapstructure:"publisher"`
	Subscriber SubscriberConfig `mapstructure:"subscriber"`
	Bridge     BridgeConfig     `mapstructure:"bridge"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	DB         DBConfig         `mapstructure:"db"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Simulate   SimulateConfig   `mapstructure:"simulate"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	// RequestTimeout applies to non-streaming routes only.
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// AdmissionRPS limits new streams and simulated runs per client IP.
	// Zero disables the limit.
	AdmissionRPS   float64 `mapstructure:"admission_rps"`
	AdmissionBurst int     `mapstructure:"admission_burst"`
}

// BrokerConfig selects the pub/sub transport.
type BrokerConfig struct {
	Kind             string `mapstructure:"kind"`
	SubscriberBuffer int    `mapstructure:"subscriber_buffer"`
}

// RedisConfig configures the shared Redis connection pool.
type RedisConfig struct {
	Addr           string        `mapstructure:"addr"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	PoolSize       int           `mapstructure:"pool_size"`
	MinIdleConns   int           `mapstructure:"min_idle_conns"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// ChannelConfig scopes channel names.
type ChannelConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// PublisherConfig mirrors publisher.Config.
type PublisherConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout"`
}

// SubscriberConfig mirrors subscriber.Config. MaxDecodeErrors of 0 disables
// decode-error escalation.
type SubscriberConfig struct {
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	MaxDecodeErrors int           `mapstructure:"max_decode_errors"`
}

// BridgeConfig controls client stream sessions.
type BridgeConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
}

// ProgressConfig mirrors progress.Config plus sink toggles.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	LogEvents      bool          `mapstructure:"log_events"`
}

// DBConfig controls the stage status database. An empty DSN keeps statuses in memory.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// SimulateConfig controls the demo executor route.
type SimulateConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	StepDelay time.Duration `mapstructure:"step_delay"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STAGESTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.admission_rps", 5.0)
	v.SetDefault("server.admission_burst", 20)
	v.SetDefault("broker.kind", BrokerMemory)
	v.SetDefault("broker.subscriber_buffer", 256)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.connect_timeout", "15s")
	v.SetDefault("channel.namespace", string(channel.DefaultNamespace))
	v.SetDefault("publisher.queue_size", 1024)
	v.SetDefault("publisher.publish_timeout", "2s")
	v.SetDefault("publisher.drain_timeout", "5s")
	v.SetDefault("subscriber.idle_timeout", "5m")
	v.SetDefault("subscriber.max_decode_errors", 5)
	v.SetDefault("bridge.heartbeat_interval", "15s")
	v.SetDefault("bridge.write_timeout", "10s")
	v.SetDefault("bridge.allowed_origins", []string{})
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 500)
	v.SetDefault("progress.max_batch_wait", "250ms")
	v.SetDefault("progress.sink_timeout", "5s")
	v.SetDefault("progress.log_events", false)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.auto_migrate", true)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "stagestream")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("simulate.enabled", true)
	v.SetDefault("simulate.step_delay", "150ms")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Server.AdmissionRPS < 0 || c.Server.AdmissionBurst < 0 {
		return errors.New("server.admission_rps and server.admission_burst must be >= 0")
	}
	switch c.Broker.Kind {
	case BrokerMemory:
	case BrokerRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis.addr must be set when broker.kind is redis")
		}
		if c.Redis.PoolSize <= 0 {
			return errors.New("redis.pool_size must be > 0")
		}
	default:
		return fmt.Errorf("broker.kind must be %q or %q, got %q", BrokerMemory, BrokerRedis, c.Broker.Kind)
	}
	if err := channel.Namespace(c.Channel.Namespace).Validate(); err != nil {
		return fmt.Errorf("channel.namespace: %w", err)
	}
	if c.Subscriber.IdleTimeout <= 0 {
		return errors.New("subscriber.idle_timeout must be > 0")
	}
	if c.Subscriber.MaxDecodeErrors < 0 {
		return errors.New("subscriber.max_decode_errors must be >= 0")
	}
	if c.Bridge.HeartbeatInterval < 0 {
		return errors.New("bridge.heartbeat_interval must be >= 0")
	}
	if c.Publisher.QueueSize <= 0 {
		return errors.New("publisher.queue_size must be > 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return errors.New("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

// Namespace returns the configured channel namespace.
func (c Config) Namespace() channel.Namespace {
	return channel.Namespace(c.Channel.Namespace)
}
