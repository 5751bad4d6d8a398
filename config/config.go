// Package config provides YAML configuration loading and validation for the
// AugmentOS cloud server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/errors"
)

// Config is the root server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	NATS   NATSConfig   `yaml:"nats"`
	Broker BrokerConfig `yaml:"broker"`
	Inbox  InboxConfig  `yaml:"inbox"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// NATSConfig configures the NATS connection. An empty URL disables NATS:
// the server then runs with the in-memory store and no relay, which is the
// development mode.
type NATSConfig struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

// BrokerConfig configures the app connection registry.
type BrokerConfig struct {
	// ConnectAttempts bounds how many times EnsureConnected checks for an
	// accepted channel after firing the webhook.
	ConnectAttempts int `yaml:"connect_attempts"`
	// ConnectDelay is the fixed backoff between those checks.
	ConnectDelay time.Duration `yaml:"connect_delay"`
	// WebhookTimeout bounds the outbound "please connect" HTTP request.
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
}

// InboxConfig configures the per-user result inbox.
type InboxConfig struct {
	// Bucket is the JetStream KV bucket holding user records.
	Bucket string `yaml:"bucket"`
	// LocationWindow is the sliding-window size for the locations category.
	LocationWindow int `yaml:"location_window"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		NATS: NATSConfig{
			URL:  "",
			Name: "augmentos-cloud",
		},
		Broker: BrokerConfig{
			ConnectAttempts: 5,
			ConnectDelay:    time.Second,
			WebhookTimeout:  5 * time.Second,
		},
		Inbox: InboxConfig{
			Bucket:         "augmentos-inbox",
			LocationWindow: 50,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML configuration file over the defaults. A missing path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.WrapInvalid(err, "Config", "Load", "read config file")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.WrapInvalid(err, "Config", "Load", "parse yaml")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for usable values.
func (c Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"server.listen_addr is required")
	}
	if c.Broker.ConnectAttempts <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"broker.connect_attempts must be positive")
	}
	if c.Broker.ConnectDelay <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"broker.connect_delay must be positive")
	}
	if c.Broker.WebhookTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"broker.webhook_timeout must be positive")
	}
	if c.Inbox.LocationWindow <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"inbox.location_window must be positive")
	}
	if c.NATS.URL != "" && c.Inbox.Bucket == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"inbox.bucket is required when nats is configured")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("unknown log level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("unknown log format %q", c.Log.Format))
	}
	return nil
}
