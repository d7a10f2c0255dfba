// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/meshgate/pkg/handler"
	"github.com/absmach/meshgate/pkg/parser/mqtt"
	"github.com/absmach/meshgate/pkg/parser/websocket"
)

// WebSocketConfig holds configuration for the MQTT over WebSocket proxy.
type WebSocketConfig struct {
	Host      string
	Port      string
	Path      string
	TargetURL string
	TLSConfig *tls.Config
	// CheckOrigin filters upgrade requests. Nil accepts every origin.
	CheckOrigin     func(*http.Request) bool
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// WebSocketProxy coordinates the HTTP server and WebSocket parser.
type WebSocketProxy struct {
	server  *http.Server
	timeout time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	addr  net.Addr
	ready chan struct{}
}

// NewWebSocket creates a WebSocket proxy forwarding MQTT sessions to TargetURL.
func NewWebSocket(cfg WebSocketConfig, h handler.Handler) (*WebSocketProxy, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TargetURL == "" {
		return nil, errors.New("websocket target url is required")
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, websocket.NewParser(cfg.TargetURL, mqtt.New(), h, cfg.CheckOrigin, cfg.Logger))

	return &WebSocketProxy{
		server: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, cfg.Port),
			Handler:           mux,
			TLSConfig:         cfg.TLSConfig,
			ReadHeaderTimeout: 10 * time.Second,
		},
		timeout: cfg.ShutdownTimeout,
		logger:  cfg.Logger,
		ready:   make(chan struct{}),
	}, nil
}

// Ready is closed once the listener is bound.
func (p *WebSocketProxy) Ready() <-chan struct{} {
	return p.ready
}

// Addr returns the bound address once listening.
func (p *WebSocketProxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr
}

// Listen starts the WebSocket proxy server and blocks until context is cancelled.
func (p *WebSocketProxy) Listen(ctx context.Context) error {
	l, err := net.Listen("tcp", p.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.server.Addr, err)
	}
	if p.server.TLSConfig != nil {
		l = tls.NewListener(l, p.server.TLSConfig)
	}
	p.mu.Lock()
	p.addr = l.Addr()
	p.mu.Unlock()
	close(p.ready)

	// Hijacked sessions are not tracked by Shutdown; they end with this context.
	sessCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()
	p.server.BaseContext = func(net.Listener) context.Context { return sessCtx }

	p.logger.Info("websocket server started",
		slog.String("address", l.Addr().String()),
		slog.Bool("tls", p.server.TLSConfig != nil))

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.server.Serve(l)
	}()

	select {
	case <-ctx.Done():
		p.logger.Info("shutdown signal received, closing websocket server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()

		cancelSessions()
		if err := p.server.Shutdown(shutdownCtx); err != nil {
			p.logger.Error("error during shutdown", slog.String("error", err.Error()))
			return err
		}

		p.logger.Info("websocket server shutdown complete")
		return nil

	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
