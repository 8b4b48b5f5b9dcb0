package tlsutil

import (
	"os"
	"strconv"
	"strings"

	"github.com/jocax/qollective-sub006/errors"
)

// Environment variable names for the TLS loader.
const (
	EnvEnabled    = "QOLLECTIVE_TLS_ENABLED"
	EnvCertPath   = "QOLLECTIVE_TLS_CERT_PATH"
	EnvKeyPath    = "QOLLECTIVE_TLS_KEY_PATH"
	EnvCAPath     = "QOLLECTIVE_TLS_CA_PATH"
	EnvVerifyMode = "QOLLECTIVE_TLS_VERIFY_MODE"
)

// Builder assembles a validated Config. Paths are expanded (home tilde,
// ${VAR}) at build time, so builder and environment loader produce
// identical configs.
type Builder struct {
	cfg Config
}

// NewBuilder starts an empty builder (TLS disabled, system CA).
func NewBuilder() *Builder {
	return &Builder{cfg: Config{VerificationMode: VerifySystemCA}}
}

// Enabled toggles TLS.
func (b *Builder) Enabled(enabled bool) *Builder {
	b.cfg.Enabled = enabled
	return b
}

// CertPath sets the certificate path.
func (b *Builder) CertPath(path string) *Builder {
	b.cfg.CertPath = path
	return b
}

// KeyPath sets the private key path.
func (b *Builder) KeyPath(path string) *Builder {
	b.cfg.KeyPath = path
	return b
}

// CACertPath sets the CA bundle path.
func (b *Builder) CACertPath(path string) *Builder {
	b.cfg.CACertPath = path
	return b
}

// VerificationMode sets the trust posture.
func (b *Builder) VerificationMode(mode VerificationMode) *Builder {
	b.cfg.VerificationMode = mode
	return b
}

// Build expands paths, validates, and returns the config.
func (b *Builder) Build() (Config, error) {
	cfg := b.cfg
	cfg.CertPath = ExpandPath(cfg.CertPath)
	cfg.KeyPath = ExpandPath(cfg.KeyPath)
	cfg.CACertPath = ExpandPath(cfg.CACertPath)
	if cfg.VerificationMode == "" {
		cfg.VerificationMode = VerifySystemCA
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv loads a Config from the QOLLECTIVE_TLS_* environment variables.
// Unset variables leave zero values; the result passes through the same
// expansion and validation as the builder.
func FromEnv() (Config, error) {
	b := NewBuilder()

	if v := os.Getenv(EnvEnabled); v != "" {
		enabled, err := parseBool(v)
		if err != nil {
			return Config{}, errors.Wrap(err, errors.KindConfig, "tlsutil", "FromEnv", "parse "+EnvEnabled)
		}
		b.Enabled(enabled)
	}
	if v := os.Getenv(EnvCertPath); v != "" {
		b.CertPath(v)
	}
	if v := os.Getenv(EnvKeyPath); v != "" {
		b.KeyPath(v)
	}
	if v := os.Getenv(EnvCAPath); v != "" {
		b.CACertPath(v)
	}
	if v := os.Getenv(EnvVerifyMode); v != "" {
		mode, err := ParseVerificationMode(v)
		if err != nil {
			return Config{}, err
		}
		b.VerificationMode(mode)
	}

	return b.Build()
}

// parseBool accepts the usual boolean spellings plus yes/no and on/off.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	default:
		return strconv.ParseBool(s)
	}
}
