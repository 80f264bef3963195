package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the system-wide settings tree. Defaults come from
// DefaultConfig; SHADOWBOARD_* environment variables override them.
type Config struct {
	Database DatabaseConfig `envPrefix:"SHADOWBOARD_DATABASE_"`
	HTTP     HTTPConfig     `envPrefix:"SHADOWBOARD_HTTP_"`
	Gateway  GatewayConfig  `envPrefix:"SHADOWBOARD_GATEWAY_"`
	Presence PresenceConfig `envPrefix:"SHADOWBOARD_PRESENCE_"`
	Sync     SyncConfig     `envPrefix:"SHADOWBOARD_SYNC_"`
}

type DatabaseConfig struct {
	Path            string        `env:"PATH"`
	MaxConnections  int           `env:"MAX_CONNECTIONS"`
	WriteRetryDelay time.Duration `env:"WRITE_RETRY_DELAY"`
}

type HTTPConfig struct {
	Host         string        `env:"HOST"`
	Port         int           `env:"PORT"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT"`
}

type GatewayConfig struct {
	PingInterval time.Duration `env:"PING_INTERVAL"`
	PongTimeout  time.Duration `env:"PONG_TIMEOUT"`
	WriteLimit   int           `env:"WRITE_LIMIT"`
}

type PresenceConfig struct {
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL"`
	TimeoutFactor     int           `env:"TIMEOUT_FACTOR"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL"`
	AllowSupersede    bool          `env:"ALLOW_SUPERSEDE"`
}

type SyncConfig struct {
	StalenessThreshold time.Duration `env:"STALENESS_THRESHOLD"`
	FeedBuffer         int           `env:"FEED_BUFFER"`
	RetryAttempts      int           `env:"RETRY_ATTEMPTS"`
	RetryBaseDelay     time.Duration `env:"RETRY_BASE_DELAY"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:            "./data/shadowboard.db",
			MaxConnections:  10,
			WriteRetryDelay: time.Second,
		},
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Gateway: GatewayConfig{
			PingInterval: 30 * time.Second,
			PongTimeout:  60 * time.Second,
			WriteLimit:   120,
		},
		Presence: PresenceConfig{
			HeartbeatInterval: 10 * time.Second,
			TimeoutFactor:     3,
			SweepInterval:     10 * time.Second,
			AllowSupersede:    true,
		},
		Sync: SyncConfig{
			StalenessThreshold: 5 * time.Second,
			FeedBuffer:         64,
			RetryAttempts:      3,
			RetryBaseDelay:     100 * time.Millisecond,
		},
	}
}

// Load builds the effective configuration: defaults overlaid with
// environment variables, then validated.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("database max connections must be positive")
	}
	if c.Database.WriteRetryDelay <= 0 {
		return fmt.Errorf("database write retry delay must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if c.Gateway.PingInterval <= 0 {
		return fmt.Errorf("gateway ping interval must be positive")
	}
	if c.Gateway.PongTimeout <= c.Gateway.PingInterval {
		return fmt.Errorf("gateway pong timeout must exceed the ping interval")
	}
	if c.Gateway.WriteLimit <= 0 {
		return fmt.Errorf("gateway write limit must be positive")
	}
	if c.Presence.HeartbeatInterval <= 0 {
		return fmt.Errorf("presence heartbeat interval must be positive")
	}
	if c.Presence.TimeoutFactor < 2 {
		return fmt.Errorf("presence timeout factor must be at least 2")
	}
	if c.Presence.SweepInterval <= 0 {
		return fmt.Errorf("presence sweep interval must be positive")
	}
	if c.Sync.StalenessThreshold <= 0 {
		return fmt.Errorf("sync staleness threshold must be positive")
	}
	if c.Sync.FeedBuffer <= 0 {
		return fmt.Errorf("sync feed buffer must be positive")
	}
	if c.Sync.RetryAttempts <= 0 {
		return fmt.Errorf("sync retry attempts must be positive")
	}
	if c.Sync.RetryBaseDelay <= 0 {
		return fmt.Errorf("sync retry base delay must be positive")
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}
