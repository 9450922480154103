package cliconfig

import (
	"bytes"
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

	"github.com/vitalvas/emq"
)

type sample struct {
	Addr  string `yaml:"addr"`
	Users []struct {
		Name string `yaml:"name"`
	} `yaml:"users"`
	TLS *TLS `yaml:"tls"`
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func writeCert(t *testing.T) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "emq test"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile = writeFile(t, "cert.pem", string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})))
	keyFile = writeFile(t, "key.pem", string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})))
	return certFile, keyFile
}

func TestLoad(t *testing.T) {
	t.Run("empty path", func(t *testing.T) {
		cfg := sample{Addr: "keep"}
		require.NoError(t, Load("", &cfg))
		assert.Equal(t, "keep", cfg.Addr)
	})

	t.Run("decodes values", func(t *testing.T) {
		path := writeFile(t, "emq.yaml", `
addr: tcp://broker:7851
users:
  - name: alice
  - name: bob
tls:
  server_name: broker
  insecure_skip_verify: true
`)
		var cfg sample
		require.NoError(t, Load(path, &cfg))
		assert.Equal(t, "tcp://broker:7851", cfg.Addr)
		require.Len(t, cfg.Users, 2)
		assert.Equal(t, "bob", cfg.Users[1].Name)
		require.NotNil(t, cfg.TLS)
		assert.Equal(t, "broker", cfg.TLS.ServerName)
		assert.True(t, cfg.TLS.InsecureSkipVerify)
	})

	t.Run("empty file keeps defaults", func(t *testing.T) {
		path := writeFile(t, "empty.yaml", "")
		cfg := sample{Addr: "default"}
		require.NoError(t, Load(path, &cfg))
		assert.Equal(t, "default", cfg.Addr)
	})

	t.Run("unknown key", func(t *testing.T) {
		path := writeFile(t, "bad.yaml", "adr: typo\n")
		var cfg sample
		err := Load(path, &cfg)
		assert.ErrorContains(t, err, "failed to parse config")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeFile(t, "broken.yaml", "addr: [unterminated\n")
		var cfg sample
		assert.Error(t, Load(path, &cfg))
	})

	t.Run("missing file", func(t *testing.T) {
		var cfg sample
		err := Load(filepath.Join(t.TempDir(), "absent.yaml"), &cfg)
		assert.ErrorContains(t, err, "failed to read config")
	})
}

func TestTLSBuild(t *testing.T) {
	t.Run("nil block", func(t *testing.T) {
		var block *TLS
		config, err := block.Build()
		require.NoError(t, err)
		assert.Nil(t, config)
	})

	t.Run("defaults", func(t *testing.T) {
		config, err := (&TLS{ServerName: "broker"}).Build()
		require.NoError(t, err)
		assert.Equal(t, uint16(tls.VersionTLS12), config.MinVersion)
		assert.Equal(t, "broker", config.ServerName)
		assert.Empty(t, config.Certificates)
		assert.Nil(t, config.RootCAs)
	})

	t.Run("certificate and CA", func(t *testing.T) {
		certFile, keyFile := writeCert(t)

		config, err := (&TLS{CertFile: certFile, KeyFile: keyFile, CAFile: certFile}).Build()
		require.NoError(t, err)
		assert.Len(t, config.Certificates, 1)
		assert.NotNil(t, config.RootCAs)
		assert.Same(t, config.RootCAs, config.ClientCAs)
	})

	t.Run("missing key", func(t *testing.T) {
		certFile, _ := writeCert(t)
		_, err := (&TLS{CertFile: certFile}).Build()
		assert.ErrorContains(t, err, "failed to load certificate")
	})

	t.Run("missing CA file", func(t *testing.T) {
		_, err := (&TLS{CAFile: filepath.Join(t.TempDir(), "ca.pem")}).Build()
		assert.ErrorContains(t, err, "failed to read CA file")
	})

	t.Run("CA file without certificates", func(t *testing.T) {
		path := writeFile(t, "ca.pem", "not a certificate")
		_, err := (&TLS{CAFile: path}).Build()
		assert.ErrorContains(t, err, "no certificates found")
	})
}

func TestLogger(t *testing.T) {
	t.Run("levels", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := Logger(&buf, "warn")
		require.NoError(t, err)

		logger.Info("hidden", nil)
		logger.Warn("shown", emq.LogFields{"queue": "jobs"})
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
		assert.Contains(t, buf.String(), "queue=jobs")
	})

	t.Run("default is info", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := Logger(&buf, "")
		require.NoError(t, err)
		assert.IsType(t, &emq.StdLogger{}, logger)

		logger.Debug("quiet", nil)
		logger.Info("loud", nil)
		assert.NotContains(t, buf.String(), "quiet")
		assert.Contains(t, buf.String(), "loud")
	})

	t.Run("none", func(t *testing.T) {
		logger, err := Logger(&bytes.Buffer{}, "off")
		require.NoError(t, err)
		assert.IsType(t, &emq.NoOpLogger{}, logger)
	})

	t.Run("unknown level", func(t *testing.T) {
		_, err := Logger(&bytes.Buffer{}, "verbose")
		assert.ErrorContains(t, err, "unknown log level")
	})
}
