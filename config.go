package netbroker

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// TLSSection mirrors the teacher's cmd/config.go ServerTLSConfig shape
// (cert/key by file or inline text, optional client-cert requirement)
// generalized from the tunnel's RPC/CTL listeners to the Manager's
// single listening socket.
type TLSSection struct {
	Enabled          bool   `yaml:"enabled"`
	CertFile         string `yaml:"cert-file"`
	KeyFile          string `yaml:"key-file"`
	CertText         string `yaml:"cert-text"`
	KeyText          string `yaml:"key-text"`
	ClientAuthType   string `yaml:"client-auth-type"` // "", "request", "require"
	ClientCACertFile string `yaml:"client-ca-cert-file"`
	ClientCACertText string `yaml:"client-ca-cert-text"`
}

// AuthSection configures which Backend the Manager authenticates peers
// with (spec.md §4.3 "certificate mode" / "hostname mode" / "login mode").
type AuthSection struct {
	Mode         string   `yaml:"mode"` // "none", "hostname", "password", "fingerprint"
	Hostnames    []string `yaml:"hostnames"`
	Fingerprints []string `yaml:"fingerprints"`
	DatabasePath string   `yaml:"database-path"`
}

// Config is the top-level Manager configuration, loaded from YAML the
// way the teacher's cmd/config.go loads ServerConfig.
type Config struct {
	Listen             string      `yaml:"listen"`
	MaxConnections     int         `yaml:"max-connections"`
	MaxFrameSize       int         `yaml:"max-frame-size"`
	HandshakeTimeoutS  int         `yaml:"handshake-timeout-seconds"`
	ShutdownGraceS     int         `yaml:"shutdown-grace-seconds"`
	TLS                TLSSection  `yaml:"tls"`
	Auth               AuthSection `yaml:"auth"`
	LogFile            string      `yaml:"log-file"`
	LogMaxSize         int64       `yaml:"log-max-size"`
	LogRotate          int         `yaml:"log-rotate"`
}

func DefaultConfig() *Config {
	return &Config{
		Listen:            fmt.Sprintf(":%d", DefaultPort),
		MaxConnections:    0,
		MaxFrameSize:      DefaultMaxFrameSize,
		HandshakeTimeoutS: DefaultHandshakeTimeout,
		ShutdownGraceS:    DefaultShutdownGrace,
	}
}

// LoadConfig reads and decodes a YAML config file on top of
// DefaultConfig(), so any field the file leaves unset keeps its
// default value.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) HandshakeTimeout() time.Duration {
	if c.HandshakeTimeoutS <= 0 {
		return DefaultHandshakeTimeout * time.Second
	}
	return time.Duration(c.HandshakeTimeoutS) * time.Second
}

func (c *Config) ShutdownGrace() time.Duration {
	if c.ShutdownGraceS <= 0 {
		return DefaultShutdownGrace * time.Second
	}
	return time.Duration(c.ShutdownGraceS) * time.Second
}

// TLSConfig builds a *tls.Config from the TLS section, or nil if TLS
// is disabled or the certificate/key pair cannot be loaded (Manager.Listen
// reports the latter as an error). Supports certificates supplied either as file paths or
// as inline PEM text, matching the teacher's ServerTLSConfig fields.
func (c *Config) TLSConfig() *tls.Config {
	if !c.TLS.Enabled {
		return nil
	}

	cert, err := loadKeyPair(c.TLS.CertFile, c.TLS.KeyFile, c.TLS.CertText, c.TLS.KeyText)
	if err != nil {
		return nil
	}

	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}}

	switch c.TLS.ClientAuthType {
	case "require":
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	case "request":
		tlsConfig.ClientAuth = tls.RequestClientCert
	default:
		tlsConfig.ClientAuth = tls.NoClientCert
	}

	if pool := loadCAPool(c.TLS.ClientCACertFile, c.TLS.ClientCACertText); pool != nil {
		tlsConfig.ClientCAs = pool
	}

	return tlsConfig
}

func loadKeyPair(certFile, keyFile, certText, keyText string) (tls.Certificate, error) {
	if certFile != "" && keyFile != "" {
		return tls.LoadX509KeyPair(certFile, keyFile)
	}
	return tls.X509KeyPair([]byte(certText), []byte(keyText))
}

func loadCAPool(certFile, certText string) *x509.CertPool {
	var pem []byte
	var err error

	if certFile != "" {
		pem, err = os.ReadFile(certFile)
		if err != nil {
			return nil
		}
	} else if certText != "" {
		pem = []byte(certText)
	} else {
		return nil
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil
	}
	return pool
}

// NewCredentialBackend constructs the Backend named by the config's
// auth section.
func NewCredentialBackend(cfg *Config) (Backend, error) {
	switch cfg.Auth.Mode {
	case "hostname":
		return NewHostnameBackend(cfg.Auth.Hostnames), nil
	case "fingerprint":
		return NewFingerprintBackend(cfg.Auth.Fingerprints), nil
	case "password":
		return OpenSqliteBackend(cfg.Auth.DatabasePath)
	default:
		return NoAuthBackend{}, nil
	}
}
