package transport

import (
	"time"

	"github.com/jocax/qollective-sub006/errors"
	"github.com/jocax/qollective-sub006/pkg/tlsutil"
)

// Defaults shared by the server and client presets.
const (
	DefaultPort           = 8080
	DefaultBindAddress    = "0.0.0.0"
	DefaultMaxConnections = 1024
	DefaultRequestTimeout = 30 * time.Second
	DefaultClientTimeout  = 30 * time.Second
	// DefaultMaxHeaderSize bounds the base64 envelope header on GET
	// requests.
	DefaultMaxHeaderSize = 4 * 1024
	// DefaultMaxRequestSize bounds request bodies.
	DefaultMaxRequestSize = 4 * 1024 * 1024
)

// ServerConfig configures a transport server. All transports share this
// shape; protocol-specific knobs live in the transport subpackages.
type ServerConfig struct {
	BindAddress    string          `json:"bind_address"    toml:"bind_address"`
	Port           int             `json:"port"            toml:"port"`
	MaxConnections int             `json:"max_connections" toml:"max_connections"`
	RequestTimeout time.Duration   `json:"request_timeout" toml:"request_timeout"`
	MaxRequestSize int64           `json:"max_request_size" toml:"max_request_size"`
	TLS            *tlsutil.Config `json:"tls,omitempty"   toml:"tls"`
}

// DefaultServerConfig returns the server preset.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		BindAddress:    DefaultBindAddress,
		Port:           DefaultPort,
		MaxConnections: DefaultMaxConnections,
		RequestTimeout: DefaultRequestTimeout,
		MaxRequestSize: DefaultMaxRequestSize,
	}
}

// Validate checks the configuration for use. Port 0 is accepted and
// asks the listener for an ephemeral port.
func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.Newf(errors.KindConfig, "ServerConfig", "Validate",
			"invalid port %d (out of range 0-65535)", c.Port)
	}
	if c.MaxConnections < 1 {
		return errors.Newf(errors.KindConfig, "ServerConfig", "Validate",
			"max_connections must be positive, got %d", c.MaxConnections)
	}
	if c.RequestTimeout <= 0 {
		return errors.New(errors.KindConfig, "ServerConfig", "Validate",
			"request_timeout must be positive")
	}
	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ClientConfig configures a transport client.
type ClientConfig struct {
	Timeout       time.Duration   `json:"timeout"         toml:"timeout"`
	MaxHeaderSize int             `json:"max_header_size" toml:"max_header_size"`
	TLS           *tlsutil.Config `json:"tls,omitempty"   toml:"tls"`
}

// DefaultClientConfig returns the client preset.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:       DefaultClientTimeout,
		MaxHeaderSize: DefaultMaxHeaderSize,
	}
}

// Validate checks the configuration for use.
func (c *ClientConfig) Validate() error {
	if c.Timeout <= 0 {
		return errors.New(errors.KindConfig, "ClientConfig", "Validate",
			"timeout must be positive")
	}
	if c.MaxHeaderSize < 1 {
		return errors.Newf(errors.KindConfig, "ClientConfig", "Validate",
			"max_header_size must be positive, got %d", c.MaxHeaderSize)
	}
	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return err
		}
	}
	return nil
}
