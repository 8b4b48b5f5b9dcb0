package config

import (
	"sync"

	"github.com/jocax/qollective-sub006/transport"
)

// SafeConfig wraps a Config for concurrent access. Readers get a
// snapshot copy; updates swap the whole configuration after
// validation.
type SafeConfig struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewSafeConfig wraps cfg. A nil cfg starts from Default().
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{cfg: cfg}
}

// Get returns a snapshot of the current configuration. Map fields are
// copied so callers can read them without holding a lock.
func (s *SafeConfig) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.snapshot()
}

// Update validates and installs a new configuration.
func (s *SafeConfig) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

// Server returns a named server preset from the current snapshot.
func (s *SafeConfig) Server(name string) (transport.ServerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Server(name)
}

// Client returns a named client preset from the current snapshot.
func (s *SafeConfig) Client(name string) (transport.ClientConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Client(name)
}

func (c *Config) snapshot() Config {
	out := *c
	if c.Servers != nil {
		out.Servers = make(map[string]transport.ServerConfig, len(c.Servers))
		for k, v := range c.Servers {
			out.Servers[k] = v
		}
	}
	if c.Clients != nil {
		out.Clients = make(map[string]transport.ClientConfig, len(c.Clients))
		for k, v := range c.Clients {
			out.Clients[k] = v
		}
	}
	return out
}
