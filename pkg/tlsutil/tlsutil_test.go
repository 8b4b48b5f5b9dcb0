package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVerificationMode(t *testing.T) {
	tests := []struct {
		in      string
		want    VerificationMode
		wantErr bool
	}{
		{"system_ca", VerifySystemCA, false},
		{"SYSTEM-CA", VerifySystemCA, false},
		{"SystemCa", VerifySystemCA, false},
		{"custom_ca", VerifyCustomCA, false},
		{"Custom-CA", VerifyCustomCA, false},
		{"skip", VerifySkip, false},
		{"SKIP", VerifySkip, false},
		{"mutual_tls", VerifyMutualTLS, false},
		{"Mutual-TLS", VerifyMutualTLS, false},
		{"mtls", VerifyMutualTLS, false},
		{"", VerifySystemCA, false},
		{"bogus", "", true},
	}

	for _, test := range tests {
		t.Run(test.in, func(t *testing.T) {
			got, err := ParseVerificationMode(test.in)
			if test.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.want, got)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled empty", Config{}, false},
		{"enabled with paths", Config{Enabled: true, CertPath: "c.pem", KeyPath: "k.pem"}, false},
		{"enabled missing key", Config{Enabled: true, CertPath: "c.pem"}, true},
		{"enabled missing cert", Config{Enabled: true, KeyPath: "k.pem"}, true},
		{"custom ca without bundle", Config{VerificationMode: VerifyCustomCA}, true},
		{"custom ca with bundle", Config{VerificationMode: VerifyCustomCA, CACertPath: "ca.pem"}, false},
		{"mutual tls disabled", Config{VerificationMode: VerifyMutualTLS}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.cfg.Validate()
			if test.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBuilder_ExpandsPaths(t *testing.T) {
	t.Setenv("QTEST_CERT_DIR", "/opt/certs")

	cfg, err := NewBuilder().
		Enabled(true).
		CertPath("${QTEST_CERT_DIR}/server.pem").
		KeyPath("${QTEST_CERT_DIR}/server.key").
		Build()
	require.NoError(t, err)

	assert.Equal(t, "/opt/certs/server.pem", cfg.CertPath)
	assert.Equal(t, "/opt/certs/server.key", cfg.KeyPath)
}

func TestFromEnv_MatchesBuilder(t *testing.T) {
	t.Setenv(EnvEnabled, "true")
	t.Setenv(EnvCertPath, "/certs/server.pem")
	t.Setenv(EnvKeyPath, "/certs/server.key")
	t.Setenv(EnvCAPath, "/certs/ca.pem")
	t.Setenv(EnvVerifyMode, "Mutual-TLS")

	fromEnv, err := FromEnv()
	require.NoError(t, err)

	fromBuilder, err := NewBuilder().
		Enabled(true).
		CertPath("/certs/server.pem").
		KeyPath("/certs/server.key").
		CACertPath("/certs/ca.pem").
		VerificationMode(VerifyMutualTLS).
		Build()
	require.NoError(t, err)

	assert.Equal(t, fromBuilder, fromEnv)
}

func TestFromEnv_BooleanSpellings(t *testing.T) {
	for _, spelling := range []string{"true", "1", "yes", "on"} {
		t.Setenv(EnvEnabled, spelling)
		t.Setenv(EnvCertPath, "/c.pem")
		t.Setenv(EnvKeyPath, "/k.pem")
		cfg, err := FromEnv()
		require.NoError(t, err, spelling)
		assert.True(t, cfg.Enabled, spelling)
	}
}

func TestFromEnv_InvalidMode(t *testing.T) {
	t.Setenv(EnvVerifyMode, "carrier_pigeon")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestServerTLSConfig_Disabled(t *testing.T) {
	cfg := Config{}
	tlsCfg, err := cfg.ServerTLSConfig()
	require.NoError(t, err)
	assert.Nil(t, tlsCfg)
}

func TestServerTLSConfig_MutualTLSRequiresClientCert(t *testing.T) {
	certPath, keyPath := writeSelfSignedCert(t)

	cfg := Config{
		Enabled:          true,
		CertPath:         certPath,
		KeyPath:          keyPath,
		CACertPath:       certPath,
		VerificationMode: VerifyMutualTLS,
	}

	tlsCfg, err := cfg.ServerTLSConfig()
	require.NoError(t, err)
	require.NotNil(t, tlsCfg)
	assert.Equal(t, tls.RequireAndVerifyClientCert, tlsCfg.ClientAuth)
	assert.NotNil(t, tlsCfg.ClientCAs)
}

func TestClientTLSConfig_Skip(t *testing.T) {
	cfg := Config{Enabled: true, VerificationMode: VerifySkip}

	tlsCfg, err := cfg.ClientTLSConfig()
	require.NoError(t, err)
	assert.True(t, tlsCfg.InsecureSkipVerify)
}

func TestClientTLSConfig_CustomCA(t *testing.T) {
	certPath, _ := writeSelfSignedCert(t)

	cfg := Config{Enabled: true, VerificationMode: VerifyCustomCA, CACertPath: certPath}
	tlsCfg, err := cfg.ClientTLSConfig()
	require.NoError(t, err)
	assert.NotNil(t, tlsCfg.RootCAs)
}

func TestExpandPath_Tilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "certs"), ExpandPath("~/certs"))
	assert.Equal(t, "", ExpandPath(""))
}

// writeSelfSignedCert writes a throwaway certificate and key to temp files.
func writeSelfSignedCert(t *testing.T) (certPath, keyPath string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		IsCA:                  true,
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	dir := t.TempDir()
	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")

	certOut, err := os.Create(certPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, certOut.Close())

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyOut, err := os.Create(keyPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	require.NoError(t, keyOut.Close())

	return certPath, keyPath
}
