// Package config loads service configuration from TOML files with
// environment overrides. Transport presets deserialize into the same
// structs the builder APIs produce, so file-driven and programmatic
// setup stay interchangeable.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/jocax/qollective-sub006/errors"
	"github.com/jocax/qollective-sub006/pkg/tlsutil"
	"github.com/jocax/qollective-sub006/transport"
)

// Environment variable overrides applied after file loading.
const (
	EnvNATSURL     = "QOLLECTIVE_NATS_URL"
	EnvLogLevel    = "QOLLECTIVE_LOG_LEVEL"
	EnvMetricsPort = "QOLLECTIVE_METRICS_PORT"
)

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string `toml:"name"`
	Environment string `toml:"environment"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level      string `toml:"level"`
	MirrorNATS bool   `toml:"mirror_nats"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Port    int    `toml:"port"`
	Path    string `toml:"path"`
}

// NATSConfig carries connection settings for the NATS client.
type NATSConfig struct {
	URL          string          `toml:"url"`
	Name         string          `toml:"name"`
	Username     string          `toml:"username"`
	Password     string          `toml:"password"`
	Token        string          `toml:"token"`
	NKeySeedFile string          `toml:"nkey_seed_file"`
	TLS          *tlsutil.Config `toml:"tls"`
}

// Config is the complete service configuration. Servers and Clients
// hold named transport presets, e.g. [servers.public] or
// [clients.default].
type Config struct {
	Version string                            `toml:"version"`
	Service ServiceConfig                     `toml:"service"`
	Logging LoggingConfig                     `toml:"logging"`
	Metrics MetricsConfig                     `toml:"metrics"`
	NATS    NATSConfig                        `toml:"nats"`
	TLS     *tlsutil.Config                   `toml:"tls"`
	Servers map[string]transport.ServerConfig `toml:"servers"`
	Clients map[string]transport.ClientConfig `toml:"clients"`
}

// Default returns a configuration with working defaults for local
// development.
func Default() *Config {
	return &Config{
		Version: "1.0.0",
		Service: ServiceConfig{Name: "qollective", Environment: "development"},
		Logging: LoggingConfig{Level: "info"},
		Metrics: MetricsConfig{Enabled: true, Port: 9090, Path: "/metrics"},
		NATS:    NATSConfig{URL: "nats://localhost:4222"},
		Servers: map[string]transport.ServerConfig{
			"default": transport.DefaultServerConfig(),
		},
		Clients: map[string]transport.ClientConfig{
			"default": transport.DefaultClientConfig(),
		},
	}
}

// Load reads a TOML file, applies environment overrides, fills
// defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "config", "Load",
			fmt.Sprintf("read %s", path))
	}
	return Parse(data)
}

// Parse decodes TOML bytes with the same defaulting and validation as
// Load.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "config", "Parse", "decode TOML")
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays QOLLECTIVE_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvNATSURL); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvMetricsPort); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			c.Metrics.Port = port
		}
	}
}

// applyDefaults fills zero values in transport presets so partial TOML
// sections behave like the builder defaults.
func (c *Config) applyDefaults() {
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	for name, sc := range c.Servers {
		if sc.BindAddress == "" {
			sc.BindAddress = transport.DefaultBindAddress
		}
		if sc.Port == 0 {
			sc.Port = transport.DefaultPort
		}
		if sc.MaxConnections == 0 {
			sc.MaxConnections = transport.DefaultMaxConnections
		}
		if sc.RequestTimeout == 0 {
			sc.RequestTimeout = transport.DefaultRequestTimeout
		}
		if sc.MaxRequestSize == 0 {
			sc.MaxRequestSize = transport.DefaultMaxRequestSize
		}
		c.Servers[name] = sc
	}
	for name, cc := range c.Clients {
		if cc.Timeout == 0 {
			cc.Timeout = transport.DefaultClientTimeout
		}
		if cc.MaxHeaderSize == 0 {
			cc.MaxHeaderSize = transport.DefaultMaxHeaderSize
		}
		c.Clients[name] = cc
	}
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return errors.New(errors.KindConfig, "config", "Validate", "service.name is required")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.Newf(errors.KindConfig, "config", "Validate",
			"unknown logging.level %q", c.Logging.Level)
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.Newf(errors.KindConfig, "config", "Validate",
			"metrics.port %d out of range", c.Metrics.Port)
	}
	if c.NATS.URL == "" {
		return errors.New(errors.KindConfig, "config", "Validate", "nats.url is required")
	}
	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return err
		}
	}
	if c.NATS.TLS != nil {
		if err := c.NATS.TLS.Validate(); err != nil {
			return err
		}
	}
	for name, sc := range c.Servers {
		if err := sc.Validate(); err != nil {
			return errors.Wrap(err, errors.KindConfig, "config", "Validate",
				fmt.Sprintf("servers.%s", name))
		}
	}
	for name, cc := range c.Clients {
		if err := cc.Validate(); err != nil {
			return errors.Wrap(err, errors.KindConfig, "config", "Validate",
				fmt.Sprintf("clients.%s", name))
		}
	}
	return nil
}

// Server returns a named server preset.
func (c *Config) Server(name string) (transport.ServerConfig, error) {
	sc, ok := c.Servers[name]
	if !ok {
		return transport.ServerConfig{}, errors.Newf(errors.KindConfig, "config", "Server",
			"no server preset named %q", name)
	}
	return sc, nil
}

// Client returns a named client preset.
func (c *Config) Client(name string) (transport.ClientConfig, error) {
	cc, ok := c.Clients[name]
	if !ok {
		return transport.ClientConfig{}, errors.Newf(errors.KindConfig, "config", "Client",
			"no client preset named %q", name)
	}
	return cc, nil
}
