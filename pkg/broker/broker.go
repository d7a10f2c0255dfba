// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker embeds a mochi-mqtt broker whose clients are authenticated,
// authorized and filtered by the gateway.
package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/meshgate/pkg/gateway"
	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"
)

// Config holds the embedded broker listeners. Empty addresses are disabled.
type Config struct {
	Address    string
	TLSAddress string
	TLSConfig  *tls.Config
	WSAddress  string
	Logger     *slog.Logger
}

// Broker is the embedded MQTT broker.
type Broker struct {
	server *mqtt.Server
	hook   *Hook
	logger *slog.Logger
}

// New creates the broker and attaches the gateway hook and listeners.
func New(cfg Config, svc *gateway.Service) (*Broker, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" && cfg.TLSAddress == "" && cfg.WSAddress == "" {
		return nil, errors.New("broker needs at least one listener address")
	}
	if cfg.TLSAddress != "" && cfg.TLSConfig == nil {
		return nil, errors.New("broker tls listener needs a tls config")
	}

	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
		Logger:       cfg.Logger.With(slog.String("component", "broker")),
	})
	hook := NewHook(svc, cfg.Logger)
	if err := server.AddHook(hook, nil); err != nil {
		return nil, fmt.Errorf("failed to add gateway hook: %w", err)
	}

	ls := []listeners.Listener{}
	if cfg.Address != "" {
		ls = append(ls, listeners.NewTCP(listeners.Config{ID: "tcp", Address: cfg.Address}))
	}
	if cfg.TLSAddress != "" {
		ls = append(ls, listeners.NewTCP(listeners.Config{ID: "tls", Address: cfg.TLSAddress, TLSConfig: cfg.TLSConfig}))
	}
	if cfg.WSAddress != "" {
		ls = append(ls, listeners.NewWebsocket(listeners.Config{ID: "ws", Address: cfg.WSAddress}))
	}
	for _, l := range ls {
		if err := server.AddListener(l); err != nil {
			return nil, fmt.Errorf("failed to add listener %s: %w", l.ID(), err)
		}
	}

	return &Broker{server: server, hook: hook, logger: cfg.Logger}, nil
}

// Listen serves until ctx is cancelled, then closes every listener and
// client.
func (b *Broker) Listen(ctx context.Context) error {
	if err := b.server.Serve(); err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}
	b.logger.Info("embedded broker started")

	<-ctx.Done()
	b.logger.Info("shutdown signal received, closing broker")
	if err := b.server.Close(); err != nil {
		return fmt.Errorf("failed to close broker: %w", err)
	}
	return nil
}
