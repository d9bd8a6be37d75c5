package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds everything the relay server needs at startup.
type ServerConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	EnableCORS bool   `mapstructure:"enable_cors"`
	Debug      bool   `mapstructure:"debug"`

	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// SubscriberBuffer is the per-subscriber queue depth.
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`

	// SessionMaxIdle is how long a session with no subscribers and no
	// pending generation survives before the reaper removes it.
	SessionMaxIdle time.Duration `mapstructure:"session_max_idle"`

	// SweepInterval is how often the reaper runs.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// Default returns the built-in configuration.
func Default() *ServerConfig {
	return &ServerConfig{
		Host:             "localhost",
		Port:             8080,
		EnableCORS:       true,
		Debug:            false,
		ReadTimeout:      30 * time.Second,
		IdleTimeout:      120 * time.Second,
		SubscriberBuffer: 100,
		SessionMaxIdle:   5 * time.Minute,
		SweepInterval:    30 * time.Second,
	}
}

// Load builds the configuration from defaults, an optional yaml file and
// RELAY_* environment variables, in increasing precedence.
func Load(path string) (*ServerConfig, error) {
	v := viper.New()

	defaults := Default()
	v.SetDefault("host", defaults.Host)
	v.SetDefault("port", defaults.Port)
	v.SetDefault("enable_cors", defaults.EnableCORS)
	v.SetDefault("debug", defaults.Debug)
	v.SetDefault("read_timeout", defaults.ReadTimeout)
	v.SetDefault("idle_timeout", defaults.IdleTimeout)
	v.SetDefault("subscriber_buffer", defaults.SubscriberBuffer)
	v.SetDefault("session_max_idle", defaults.SessionMaxIdle)
	v.SetDefault("sweep_interval", defaults.SweepInterval)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &ServerConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("subscriber_buffer must be positive, got %d", c.SubscriberBuffer)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive, got %s", c.SweepInterval)
	}
	if c.SessionMaxIdle <= 0 {
		return fmt.Errorf("session_max_idle must be positive, got %s", c.SessionMaxIdle)
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
