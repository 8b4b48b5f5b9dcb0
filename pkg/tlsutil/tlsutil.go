// Package tlsutil provides the unified TLS description shared by every
// transport. One Config type covers server and client sides; builders and
// the QOLLECTIVE_TLS_* environment loader produce identical configs.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"strings"

	"github.com/jocax/qollective-sub006/errors"
)

// VerificationMode describes the TLS trust posture.
type VerificationMode string

// Verification modes.
const (
	// VerifySystemCA trusts the system CA bundle.
	VerifySystemCA VerificationMode = "system_ca"
	// VerifyCustomCA trusts a custom CA bundle (CACertPath required).
	VerifyCustomCA VerificationMode = "custom_ca"
	// VerifySkip disables certificate verification.
	VerifySkip VerificationMode = "skip"
	// VerifyMutualTLS requires both sides to present certificates.
	VerifyMutualTLS VerificationMode = "mutual_tls"
)

// ParseVerificationMode parses a mode name case-insensitively, accepting
// dashes or underscores as separators ("Mutual-TLS" == "mutual_tls").
func ParseVerificationMode(s string) (VerificationMode, error) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	switch norm {
	case "system_ca", "systemca", "":
		return VerifySystemCA, nil
	case "custom_ca", "customca":
		return VerifyCustomCA, nil
	case "skip":
		return VerifySkip, nil
	case "mutual_tls", "mutualtls", "mtls":
		return VerifyMutualTLS, nil
	default:
		return "", errors.Newf(errors.KindConfig, "tlsutil", "ParseVerificationMode",
			"unknown verification mode %q", s)
	}
}

// Config is the unified TLS description used by all transports.
type Config struct {
	Enabled          bool             `json:"enabled" toml:"enabled"`
	CertPath         string           `json:"cert_path,omitempty" toml:"cert_path"`
	KeyPath          string           `json:"key_path,omitempty" toml:"key_path"`
	CACertPath       string           `json:"ca_cert_path,omitempty" toml:"ca_cert_path"`
	VerificationMode VerificationMode `json:"verification_mode,omitempty" toml:"verification_mode"`
}

// Validate enforces the config invariants: enabled requires cert and key,
// custom CA requires a CA bundle.
func (c *Config) Validate() error {
	if c.Enabled && (c.CertPath == "" || c.KeyPath == "") {
		return errors.New(errors.KindConfig, "tlsutil", "Validate",
			"enabled TLS requires cert_path and key_path")
	}
	if c.VerificationMode == VerifyCustomCA && c.CACertPath == "" {
		return errors.New(errors.KindConfig, "tlsutil", "Validate",
			"custom_ca verification requires ca_cert_path")
	}
	if c.VerificationMode != "" {
		if _, err := ParseVerificationMode(string(c.VerificationMode)); err != nil {
			return err
		}
	}
	return nil
}

// IsMutualTLS reports whether both sides must present certificates.
func (c *Config) IsMutualTLS() bool {
	return c.VerificationMode == VerifyMutualTLS
}

// ServerTLSConfig produces the tls.Config for a listening transport.
// Returns (nil, nil) when TLS is disabled. Under MutualTLS the server
// terminates handshakes from clients without a verifiable certificate.
func (c *Config) ServerTLSConfig() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(c.CertPath, c.KeyPath)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "tlsutil", "ServerTLSConfig", "load certificate")
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if c.IsMutualTLS() {
		pool, err := c.caPool()
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}

// ClientTLSConfig produces the tls.Config for a dialing transport.
// Returns (nil, nil) when TLS is disabled.
func (c *Config) ClientTLSConfig() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	switch c.VerificationMode {
	case VerifySkip:
		cfg.InsecureSkipVerify = true
	case VerifyCustomCA:
		pool, err := c.caPool()
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	case VerifyMutualTLS:
		if c.CACertPath != "" {
			pool, err := c.caPool()
			if err != nil {
				return nil, err
			}
			cfg.RootCAs = pool
		}
	}

	// Mutual TLS clients present their own certificate.
	if c.IsMutualTLS() || (c.CertPath != "" && c.KeyPath != "") {
		cert, err := tls.LoadX509KeyPair(c.CertPath, c.KeyPath)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindConfig, "tlsutil", "ClientTLSConfig", "load client certificate")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// caPool builds a certificate pool from CACertPath, falling back to the
// system bundle when no custom CA is configured.
func (c *Config) caPool() (*x509.CertPool, error) {
	if c.CACertPath == "" {
		pool, err := x509.SystemCertPool()
		if err != nil {
			return x509.NewCertPool(), nil
		}
		return pool, nil
	}

	pem, err := os.ReadFile(c.CACertPath)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "tlsutil", "caPool", "read CA bundle")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.Newf(errors.KindConfig, "tlsutil", "caPool",
			"no valid PEM certificates in %s", filepath.Base(c.CACertPath))
	}
	return pool, nil
}

// ExpandPath resolves a leading home tilde and ${VAR} references.
func ExpandPath(path string) string {
	if path == "" {
		return path
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return os.ExpandEnv(path)
}
