// Package config loads the server configuration from file and
// environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete service configuration
type Config struct {
	Service    ServiceConfig    `mapstructure:"service"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Engine     EngineConfig     `mapstructure:"engine"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServiceConfig contains service identification
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// HTTPConfig contains HTTP server settings
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// EngineConfig contains publish-engine limits
type EngineConfig struct {
	// MaxRetransmissionQueueSize bounds unacknowledged messages per
	// subscription; 0 means unbounded
	MaxRetransmissionQueueSize int `mapstructure:"max_retransmission_queue_size"`

	// MaxNotificationsPerPublish caps a single publish response
	MaxNotificationsPerPublish uint32 `mapstructure:"max_notifications_per_publish"`

	// MinPublishingInterval and MaxPublishingInterval clamp requested intervals
	MinPublishingInterval time.Duration `mapstructure:"min_publishing_interval"`
	MaxPublishingInterval time.Duration `mapstructure:"max_publishing_interval"`

	// MaxKeepAliveCount and MaxLifetimeCount clamp requested counters
	MaxKeepAliveCount uint32 `mapstructure:"max_keepalive_count"`
	MaxLifetimeCount  uint32 `mapstructure:"max_lifetime_count"`

	// SchedulerQueueSize bounds the dispatch backlog
	SchedulerQueueSize int `mapstructure:"scheduler_queue_size"`
}

// MQTTConfig contains the northbound bridge settings
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            uint          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

// SimulationConfig drives the built-in sampling simulator and demo
// session
type SimulationConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	SignalsFile         string        `mapstructure:"signals_file"`
	PublishingInterval  time.Duration `mapstructure:"publishing_interval"`
	MaxKeepAliveCount   uint32        `mapstructure:"max_keepalive_count"`
	LifetimeCount       uint32        `mapstructure:"lifetime_count"`
	BankedRequests      int           `mapstructure:"banked_requests"`
	AcknowledgeReceived bool          `mapstructure:"acknowledge_received"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from the optional file path and OPCUA_*
// environment variables, applies defaults and validates.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("service.name", "opcua-server")
	v.SetDefault("service.environment", "development")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	v.SetDefault("engine.max_retransmission_queue_size", 32)
	v.SetDefault("engine.max_notifications_per_publish", 1000)
	v.SetDefault("engine.min_publishing_interval", 50*time.Millisecond)
	v.SetDefault("engine.max_publishing_interval", time.Hour)
	v.SetDefault("engine.max_keepalive_count", 10000)
	v.SetDefault("engine.max_lifetime_count", 30000)
	v.SetDefault("engine.scheduler_queue_size", 1024)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "opcua-server")
	v.SetDefault("mqtt.topic_prefix", "opcua/publish")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 30*time.Second)
	v.SetDefault("mqtt.publish_timeout", 5*time.Second)
	v.SetDefault("mqtt.reconnect_delay", 5*time.Second)

	v.SetDefault("simulation.enabled", true)
	v.SetDefault("simulation.publishing_interval", time.Second)
	v.SetDefault("simulation.max_keepalive_count", 10)
	v.SetDefault("simulation.lifetime_count", 30)
	v.SetDefault("simulation.banked_requests", 3)
	v.SetDefault("simulation.acknowledge_received", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("OPCUA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Engine.MaxRetransmissionQueueSize < 0 {
		return fmt.Errorf("max_retransmission_queue_size must be non-negative")
	}
	if cfg.Engine.MinPublishingInterval <= 0 {
		return fmt.Errorf("min_publishing_interval must be positive")
	}
	if cfg.Engine.MaxPublishingInterval < cfg.Engine.MinPublishingInterval {
		return fmt.Errorf("max_publishing_interval cannot be below min_publishing_interval")
	}
	if cfg.Engine.MaxLifetimeCount < 3*cfg.Engine.MaxKeepAliveCount {
		return fmt.Errorf("max_lifetime_count must be at least three times max_keepalive_count")
	}
	if cfg.MQTT.Enabled && cfg.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt broker_url is required when the bridge is enabled")
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}
	if cfg.Simulation.Enabled && cfg.Simulation.PublishingInterval < cfg.Engine.MinPublishingInterval {
		return fmt.Errorf("simulation publishing_interval cannot be below min_publishing_interval")
	}
	return nil
}
