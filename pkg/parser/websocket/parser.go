// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/absmach/meshgate/pkg/handler"
	"github.com/absmach/meshgate/pkg/parser"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Subprotocol is the WebSocket subprotocol of MQTT.
const Subprotocol = "mqtt"

// Parser upgrades HTTP requests to WebSocket, dials the broker's WebSocket
// endpoint and runs an underlying parser over both connections.
type Parser struct {
	upgrader         websocket.Upgrader
	dialer           *websocket.Dialer
	targetURL        string
	underlyingParser parser.Parser
	handler          handler.Handler
	logger           *slog.Logger
}

var _ http.Handler = (*Parser)(nil)

// NewParser creates a WebSocket parser. A nil checkOrigin accepts every origin.
func NewParser(targetURL string, underlyingParser parser.Parser, h handler.Handler, checkOrigin func(*http.Request) bool, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Parser{
		upgrader: websocket.Upgrader{
			Subprotocols: []string{Subprotocol},
			CheckOrigin:  checkOrigin,
		},
		dialer: &websocket.Dialer{
			Proxy:        http.ProxyFromEnvironment,
			Subprotocols: []string{Subprotocol},
		},
		targetURL:        targetURL,
		underlyingParser: underlyingParser,
		handler:          h,
		logger:           logger,
	}
}

// ServeHTTP proxies one WebSocket session until either side closes or the
// request context is done.
func (p *Parser) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	targetURL, err := p.buildTargetURL(r)
	if err != nil {
		p.logger.Error("failed to build target url", slog.String("error", err.Error()))
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	ws, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Warn("failed to upgrade client connection",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}
	client := NewConn(ws)
	defer client.Close()

	bws, _, err := p.dialer.DialContext(r.Context(), targetURL, nil)
	if err != nil {
		p.logger.Error("failed to dial broker websocket",
			slog.String("target", targetURL),
			slog.String("error", err.Error()))
		return
	}
	broker := NewConn(bws)
	defer broker.Close()

	hctx := &handler.Context{
		SessionID:  uuid.New().String(),
		RemoteAddr: r.RemoteAddr,
		Protocol:   "ws",
	}
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		hctx.Cert = r.TLS.PeerCertificates[0]
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			client.Close()
			broker.Close()
		})
	}
	go func() {
		<-ctx.Done()
		closeBoth()
	}()

	errCh := make(chan error, 2)
	go func() {
		errCh <- p.stream(ctx, client, broker, client, parser.Upstream, hctx)
		closeBoth()
	}()
	go func() {
		errCh <- p.stream(ctx, broker, client, broker, parser.Downstream, hctx)
		closeBoth()
	}()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
			p.logger.Debug("stream error",
				slog.String("session", hctx.SessionID),
				slog.String("error", err.Error()))
		}
	}

	if err := p.handler.OnDisconnect(context.Background(), hctx); err != nil {
		p.logger.Error("disconnect handler error",
			slog.String("session", hctx.SessionID),
			slog.String("error", err.Error()))
	}
	if rel, ok := p.underlyingParser.(parser.Releaser); ok {
		rel.Release(hctx.SessionID)
	}
}

// stream parses packets in one direction until an error or cancellation.
func (p *Parser) stream(ctx context.Context, r io.Reader, w, back io.Writer, dir parser.Direction, hctx *handler.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := p.underlyingParser.Parse(ctx, r, w, back, dir, p.handler, hctx); err != nil {
			return err
		}
	}
}

// buildTargetURL keeps the request's path and query on the broker URL.
func (p *Parser) buildTargetURL(r *http.Request) (string, error) {
	target, err := url.Parse(p.targetURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse target URL: %w", err)
	}
	if target.Path == "" {
		target.Path = r.URL.Path
	}
	target.RawQuery = r.URL.RawQuery
	return target.String(), nil
}
