// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/meshgate/pkg/handler"
	"github.com/absmach/meshgate/pkg/parser/mqtt"
	"github.com/absmach/meshgate/pkg/server/tcp"
)

// MQTTConfig holds configuration for the MQTT proxy.
type MQTTConfig struct {
	Host            string
	Port            string
	TargetHost      string
	TargetPort      string
	TLSConfig       *tls.Config
	MaxConnections  int
	DialTimeout     time.Duration
	TCPKeepAlive    time.Duration
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// MQTTProxy coordinates the MQTT TCP server and parser.
type MQTTProxy struct {
	server *tcp.Server
}

// NewMQTT creates an MQTT proxy in front of the broker at TargetHost:TargetPort.
func NewMQTT(cfg MQTTConfig, h handler.Handler) (*MQTTProxy, error) {
	protocol := "mqtt"
	if cfg.TLSConfig != nil {
		protocol = "mqtts"
	}

	serverCfg := tcp.Config{
		Address:         net.JoinHostPort(cfg.Host, cfg.Port),
		TargetAddress:   net.JoinHostPort(cfg.TargetHost, cfg.TargetPort),
		TLSConfig:       cfg.TLSConfig,
		Protocol:        protocol,
		MaxConnections:  cfg.MaxConnections,
		DialTimeout:     cfg.DialTimeout,
		TCPKeepAlive:    cfg.TCPKeepAlive,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          cfg.Logger,
	}

	return &MQTTProxy{
		server: tcp.New(serverCfg, mqtt.New(), h),
	}, nil
}

// Ready is closed once the listener is bound.
func (p *MQTTProxy) Ready() <-chan struct{} {
	return p.server.Ready()
}

// Addr returns the bound address once listening.
func (p *MQTTProxy) Addr() net.Addr {
	return p.server.Addr()
}

// Listen starts the MQTT proxy server and blocks until context is cancelled.
func (p *MQTTProxy) Listen(ctx context.Context) error {
	return p.server.Listen(ctx)
}
