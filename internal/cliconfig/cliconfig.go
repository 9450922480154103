// Package cliconfig holds the YAML configuration pieces shared by the emq
// command-line programs.
package cliconfig

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vitalvas/emq"
)

// Load decodes the YAML file at path into v. Unknown keys are rejected.
// An empty path leaves v untouched.
func Load(path string, v any) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// TLS is the YAML form of a TLS configuration.
type TLS struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// Build returns the crypto/tls configuration, or nil for a nil block.
func (t *TLS) Build() (*tls.Config, error) {
	if t == nil {
		return nil, nil
	}

	config := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify, //nolint:gosec // operator opt-in
	}

	if t.CertFile != "" || t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", t.CAFile)
		}
		config.RootCAs = pool
		config.ClientCAs = pool
	}

	return config, nil
}

// Logger returns a StdLogger writing to w at the named level.
func Logger(w io.Writer, level string) (emq.Logger, error) {
	l, err := emq.ParseLogLevel(level)
	if err != nil {
		return nil, err
	}
	if l == emq.LogLevelNone {
		return emq.NewNoOpLogger(), nil
	}
	return emq.NewStdLogger(w, l), nil
}
