package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Scylla    ScyllaConfig    `mapstructure:"scylla"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Switch    SwitchConfig    `mapstructure:"switch"`
	Fallback  FallbackConfig  `mapstructure:"fallback"`
	AI        AIConfig        `mapstructure:"ai"`
}

// AIConfig holds credentials for the optional enrichment capabilities.
type AIConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	HuggingFaceAPIKey string `mapstructure:"huggingface_api_key"`
	OpenAIAPIKey      string `mapstructure:"openai_api_key"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type ScyllaConfig struct {
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers         []string      `mapstructure:"brokers"`
	ClientID        string        `mapstructure:"client_id"`
	LifecycleTopic  string        `mapstructure:"lifecycle_topic"`
	ConsumerGroupID string        `mapstructure:"consumer_group_id"`
	CommitInterval  time.Duration `mapstructure:"commit_interval"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SwitchConfig describes the telephony control-plane connection.
type SwitchConfig struct {
	Host                  string        `mapstructure:"host"`
	Port                  int           `mapstructure:"port"`
	Username              string        `mapstructure:"username"`
	Password              string        `mapstructure:"password"`
	Context               string        `mapstructure:"context"`
	Simulated             bool          `mapstructure:"simulated"`
	MaxReconnectAttempts  int           `mapstructure:"max_reconnect_attempts"`
	ReconnectBaseInterval time.Duration `mapstructure:"reconnect_base_interval"`
	OriginationTimeout    time.Duration `mapstructure:"origination_timeout"`
	ActionTimeout         time.Duration `mapstructure:"action_timeout"`
}

// FallbackConfig tunes the trunk fallback orchestrator.
type FallbackConfig struct {
	AssumedDuration time.Duration `mapstructure:"assumed_duration"`
	DefaultTariff   float64       `mapstructure:"default_tariff"`
	CapacitySlotTTL time.Duration `mapstructure:"capacity_slot_ttl"`
	EchoDestination string        `mapstructure:"echo_destination"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("TRUNKGW")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Switch.MaxReconnectAttempts <= 0 {
		c.Switch.MaxReconnectAttempts = 5
	}
	if c.Switch.ReconnectBaseInterval <= 0 {
		c.Switch.ReconnectBaseInterval = 5 * time.Second
	}
	if c.Switch.OriginationTimeout <= 0 {
		c.Switch.OriginationTimeout = 30 * time.Second
	}
	if c.Switch.ActionTimeout <= 0 {
		c.Switch.ActionTimeout = 10 * time.Second
	}
	if c.Switch.Context == "" {
		c.Switch.Context = "outbound"
	}
	if c.Fallback.AssumedDuration <= 0 {
		c.Fallback.AssumedDuration = time.Minute
	}
	if c.Fallback.DefaultTariff <= 0 {
		c.Fallback.DefaultTariff = 0.10
	}
	if c.Fallback.EchoDestination == "" {
		c.Fallback.EchoDestination = "echo@conference.sip2sip.info"
	}
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
