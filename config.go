// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package meshgate holds the process configuration of the gateway.
package meshgate

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Modes of operation.
const (
	ModeProxy  = "proxy"
	ModeBroker = "broker"
)

var (
	errCertKeyPair = errors.New("cert file and key file must be set together")
	errNoCerts     = errors.New("no certificates found in CA file")
)

// Config is the configuration of one proxy listener, parsed with an env
// prefix such as MESHGATE_MQTT_.
type Config struct {
	Host           string `env:"HOST"            envDefault:""`
	Port           string `env:"PORT"            envDefault:""`
	TargetHost     string `env:"TARGET_HOST"     envDefault:"localhost"`
	TargetPort     string `env:"TARGET_PORT"     envDefault:"1883"`
	TargetProtocol string `env:"TARGET_PROTOCOL" envDefault:""`
	TargetPath     string `env:"TARGET_PATH"     envDefault:""`
	CertFile       string `env:"CERT_FILE"       envDefault:""`
	KeyFile        string `env:"KEY_FILE"        envDefault:""`
	ServerCAFile   string `env:"SERVER_CA_FILE"  envDefault:""`
	ClientCAFile   string `env:"CLIENT_CA_FILE"  envDefault:""`

	TLSConfig *tls.Config `env:"-"`
}

// NewConfig parses a listener configuration and builds its TLS config.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	cfg, err := LoadTLSConfig(c.CertFile, c.KeyFile, c.ServerCAFile, c.ClientCAFile)
	if err != nil {
		return Config{}, err
	}
	c.TLSConfig = cfg
	return c, nil
}

// Enabled reports whether the listener has a port.
func (c Config) Enabled() bool {
	return c.Port != ""
}

// LoadTLSConfig returns nil when no certificate is configured. A client CA
// file turns on mutual TLS. A server CA file sets the roots used to verify
// the upstream broker.
func LoadTLSConfig(certFile, keyFile, serverCAFile, clientCAFile string) (*tls.Config, error) {
	if certFile == "" && keyFile == "" {
		if clientCAFile != "" {
			return nil, fmt.Errorf("client CA file set without a server certificate")
		}
		return nil, nil
	}
	if certFile == "" || keyFile == "" {
		return nil, errCertKeyPair
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if serverCAFile != "" {
		pool, err := loadPool(serverCAFile)
		if err != nil {
			return nil, fmt.Errorf("server CA: %w", err)
		}
		cfg.RootCAs = pool
	}
	if clientCAFile != "" {
		pool, err := loadPool(clientCAFile)
		if err != nil {
			return nil, fmt.Errorf("client CA: %w", err)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(b) {
		return nil, errNoCerts
	}
	return pool, nil
}

// ServiceConfig is the process-wide configuration, parsed with the
// MESHGATE_ prefix.
type ServiceConfig struct {
	Mode            string        `env:"MODE"             envDefault:"proxy"`
	PolicyFile      string        `env:"POLICY_FILE,required"`
	HTTPAddress     string        `env:"HTTP_ADDRESS"     envDefault:":8080"`
	JWTSecret       string        `env:"JWT_SECRET"       envDefault:""`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	LogLevel        string        `env:"LOG_LEVEL"        envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT"       envDefault:"json"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL"   envDefault:"1m"`
	AlertQueueSize  int           `env:"ALERT_QUEUE_SIZE" envDefault:"256"`
	MaxConnections  int           `env:"MAX_CONNECTIONS"  envDefault:"10000"`
	TCPKeepAlive    time.Duration `env:"TCP_KEEPALIVE"    envDefault:"30s"`

	// Per remote IP and global connect throttling. Zero bursts disable a limiter.
	ConnectBurst       int64   `env:"CONNECT_BURST"        envDefault:"20"`
	ConnectRate        float64 `env:"CONNECT_RATE"         envDefault:"1"`
	GlobalConnectBurst int64   `env:"GLOBAL_CONNECT_BURST" envDefault:"500"`
	GlobalConnectRate  float64 `env:"GLOBAL_CONNECT_RATE"  envDefault:"100"`

	WSAllowedOrigins []string `env:"WS_ALLOWED_ORIGINS" envSeparator:","`

	BrokerAddress      string `env:"BROKER_ADDRESS"        envDefault:":1883"`
	BrokerTLSAddress   string `env:"BROKER_TLS_ADDRESS"    envDefault:""`
	BrokerWSAddress    string `env:"BROKER_WS_ADDRESS"     envDefault:""`
	BrokerCertFile     string `env:"BROKER_CERT_FILE"      envDefault:""`
	BrokerKeyFile      string `env:"BROKER_KEY_FILE"       envDefault:""`
	BrokerClientCAFile string `env:"BROKER_CLIENT_CA_FILE" envDefault:""`
}

// NewServiceConfig parses and checks the process configuration.
func NewServiceConfig(opts env.Options) (ServiceConfig, error) {
	c := ServiceConfig{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return ServiceConfig{}, err
	}
	switch c.Mode {
	case ModeProxy, ModeBroker:
	default:
		return ServiceConfig{}, fmt.Errorf("invalid mode %q, want %s or %s", c.Mode, ModeProxy, ModeBroker)
	}
	if c.SweepInterval <= 0 {
		return ServiceConfig{}, errors.New("sweep interval must be positive")
	}
	return c, nil
}

// BrokerTLS builds the TLS config of the embedded broker's TLS listener.
func (c ServiceConfig) BrokerTLS() (*tls.Config, error) {
	return LoadTLSConfig(c.BrokerCertFile, c.BrokerKeyFile, "", c.BrokerClientCAFile)
}

// OriginChecker returns a WebSocket origin filter, or nil to accept any
// origin when no allowed origins are configured.
func (c ServiceConfig) OriginChecker() func(origin string) bool {
	if len(c.WSAllowedOrigins) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(c.WSAllowedOrigins))
	for _, o := range c.WSAllowedOrigins {
		allowed[o] = struct{}{}
	}
	return func(origin string) bool {
		_, ok := allowed[origin]
		return ok
	}
}
