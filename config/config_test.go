package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jocax/qollective-sub006/errors"
	"github.com/jocax/qollective-sub006/transport"
)

const sampleTOML = `
version = "2.1.0"

[service]
name = "inventory"
environment = "staging"

[logging]
level = "debug"
mirror_nats = true

[metrics]
enabled = true
port = 9191
path = "/stats"

[nats]
url = "nats://nats.internal:4222"
name = "inventory-svc"

[servers.public]
bind_address = "127.0.0.1"
port = 8443

[clients.default]
max_header_size = 2048
`

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qollective.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleTOML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "2.1.0", cfg.Version)
	assert.Equal(t, "inventory", cfg.Service.Name)
	assert.Equal(t, "staging", cfg.Service.Environment)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.MirrorNATS)
	assert.Equal(t, 9191, cfg.Metrics.Port)
	assert.Equal(t, "/stats", cfg.Metrics.Path)
	assert.Equal(t, "nats://nats.internal:4222", cfg.NATS.URL)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
	assert.Equal(t, errors.KindConfig, errors.KindOf(err))
}

func TestParse_InvalidTOML(t *testing.T) {
	_, err := Parse([]byte("[service\nname = broken"))
	require.Error(t, err)
	assert.Equal(t, errors.KindConfig, errors.KindOf(err))
}

func TestParse_PartialPresetGetsDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleTOML))
	require.NoError(t, err)

	sc, err := cfg.Server("public")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", sc.BindAddress)
	assert.Equal(t, 8443, sc.Port)
	assert.Equal(t, transport.DefaultMaxConnections, sc.MaxConnections)
	assert.Equal(t, transport.DefaultRequestTimeout, sc.RequestTimeout)
	assert.Equal(t, int64(transport.DefaultMaxRequestSize), sc.MaxRequestSize)

	cc, err := cfg.Client("default")
	require.NoError(t, err)
	assert.Equal(t, 2048, cc.MaxHeaderSize)
	assert.Equal(t, transport.DefaultClientTimeout, cc.Timeout)
}

func TestParse_UnknownPreset(t *testing.T) {
	cfg, err := Parse([]byte(sampleTOML))
	require.NoError(t, err)

	_, err = cfg.Server("nope")
	assert.Equal(t, errors.KindConfig, errors.KindOf(err))
	_, err = cfg.Client("nope")
	assert.Equal(t, errors.KindConfig, errors.KindOf(err))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing service name", func(c *Config) { c.Service.Name = "" }},
		{"unknown log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"metrics port out of range", func(c *Config) { c.Metrics.Port = 70000 }},
		{"missing nats url", func(c *Config) { c.NATS.URL = "" }},
		{"bad server preset", func(c *Config) {
			sc := c.Servers["default"]
			sc.Port = -1
			c.Servers["default"] = sc
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, errors.KindConfig, errors.KindOf(err))
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvNATSURL, "nats://override:4222")
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvMetricsPort, "9999")

	cfg, err := Parse([]byte(sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "nats://override:4222", cfg.NATS.URL)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 9999, cfg.Metrics.Port)
}

func TestSafeConfig_SnapshotIsolation(t *testing.T) {
	safe := NewSafeConfig(Default())

	snap := safe.Get()
	snap.Servers["default"] = transport.ServerConfig{Port: 1}
	snap.Service.Name = "mutated"

	fresh := safe.Get()
	assert.Equal(t, "qollective", fresh.Service.Name)
	assert.Equal(t, transport.DefaultPort, fresh.Servers["default"].Port)
}

func TestSafeConfig_UpdateValidates(t *testing.T) {
	safe := NewSafeConfig(Default())

	bad := Default()
	bad.Service.Name = ""
	err := safe.Update(bad)
	require.Error(t, err)
	assert.Equal(t, "qollective", safe.Get().Service.Name)

	good := Default()
	good.Service.Name = "replacement"
	require.NoError(t, safe.Update(good))
	assert.Equal(t, "replacement", safe.Get().Service.Name)
}

func TestSafeConfig_ConcurrentAccess(t *testing.T) {
	safe := NewSafeConfig(Default())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = safe.Get()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				next := Default()
				next.Service.Name = "worker"
				_ = safe.Update(next)
			}
		}()
	}
	wg.Wait()
}
