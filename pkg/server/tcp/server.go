// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/meshgate/pkg/handler"
	"github.com/absmach/meshgate/pkg/parser"
	"github.com/google/uuid"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// Config holds the TCP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// TargetAddress is the broker address to proxy to (host:port)
	TargetAddress string

	// TLSConfig is optional TLS configuration for the listener
	TLSConfig *tls.Config

	// Protocol is reported to the handler in handler.Context
	Protocol string

	// MaxConnections caps concurrent client connections. Zero means no cap.
	MaxConnections int

	// DialTimeout bounds connecting to the broker.
	DialTimeout time.Duration

	// TCPKeepAlive is the keep-alive period of client connections.
	TCPKeepAlive time.Duration

	// ShutdownTimeout is the maximum time to wait for active connections to drain
	// during graceful shutdown. After this timeout, remaining connections are
	// forcefully closed.
	ShutdownTimeout time.Duration

	// Logger for server events
	Logger *slog.Logger
}

// Server accepts client connections and pairs each with a broker connection,
// running the parser over both directions.
type Server struct {
	config  Config
	parser  parser.Parser
	handler handler.Handler
	connSem chan struct{}
	wg      sync.WaitGroup

	mu   sync.Mutex
	addr net.Addr
	// ready is closed once the listener is bound.
	ready chan struct{}
}

// New creates a new TCP server with the given configuration, parser, and handler.
func New(cfg Config, p parser.Parser, h handler.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "mqtt"
	}

	s := &Server{
		config:  cfg,
		parser:  p,
		handler: h,
		ready:   make(chan struct{}),
	}
	if cfg.MaxConnections > 0 {
		s.connSem = make(chan struct{}, cfg.MaxConnections)
	}
	return s
}

// Addr returns the bound listen address once Listen has started, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Listen starts the TCP server and blocks until the context is cancelled.
// It implements graceful shutdown with connection draining.
func (s *Server) Listen(ctx context.Context) error {
	lc := net.ListenConfig{KeepAlive: s.config.TCPKeepAlive}
	listener, err := lc.Listen(ctx, "tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
	}
	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()
	close(s.ready)

	s.config.Logger.Info("tcp server started",
		slog.String("address", listener.Addr().String()),
		slog.String("protocol", s.config.Protocol),
		slog.Bool("tls", s.config.TLSConfig != nil))

	// Connections outlive ctx until the drain timeout.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
				continue
			}

			if s.connSem != nil {
				select {
				case s.connSem <- struct{}{}:
				default:
					s.config.Logger.Warn("connection limit reached, rejecting client",
						slog.String("remote", conn.RemoteAddr().String()))
					conn.Close()
					continue
				}
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if s.connSem != nil {
					defer func() { <-s.connSem }()
				}
				if err := s.handleConn(connCtx, conn); err != nil && !errors.Is(err, io.EOF) {
					s.config.Logger.Debug("connection handler error",
						slog.String("remote", conn.RemoteAddr().String()),
						slog.String("error", err.Error()))
				}
			}()
		}
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener",
		slog.String("address", listener.Addr().String()))

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all connections closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure")
		connCancel()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return ErrShutdownTimeout
	}
}

// lockedWriter serializes writes from the two stream goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// handleConn dials the broker and streams both directions until either side
// closes or ctx is cancelled.
func (s *Server) handleConn(ctx context.Context, inbound net.Conn) error {
	defer inbound.Close()

	hctx := &handler.Context{
		SessionID:  uuid.New().String(),
		RemoteAddr: inbound.RemoteAddr().String(),
		Protocol:   s.config.Protocol,
	}

	if tlsConn, ok := inbound.(*tls.Conn); ok {
		hsCtx, cancel := context.WithTimeout(ctx, s.config.DialTimeout)
		err := tlsConn.HandshakeContext(hsCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("TLS handshake failed: %w", err)
		}
		state := tlsConn.ConnectionState()
		if len(state.PeerCertificates) > 0 {
			hctx.Cert = state.PeerCertificates[0]
		}
	}

	d := net.Dialer{Timeout: s.config.DialTimeout}
	outbound, err := d.DialContext(ctx, "tcp", s.config.TargetAddress)
	if err != nil {
		return fmt.Errorf("failed to dial broker %s: %w", s.config.TargetAddress, err)
	}
	defer outbound.Close()

	s.config.Logger.Debug("connection established",
		slog.String("session", hctx.SessionID),
		slog.String("client", hctx.RemoteAddr),
		slog.String("broker", s.config.TargetAddress))

	client := &lockedWriter{w: inbound}
	broker := &lockedWriter{w: outbound}

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			inbound.Close()
			outbound.Close()
		})
	}
	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		errCh <- s.stream(ctx, inbound, broker, client, parser.Upstream, hctx)
		closeBoth()
	}()
	go func() {
		errCh <- s.stream(ctx, outbound, client, broker, parser.Downstream, hctx)
		closeBoth()
	}()

	var streamErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			if streamErr == nil {
				streamErr = err
			}
		}
	}

	if err := s.handler.OnDisconnect(context.Background(), hctx); err != nil {
		s.config.Logger.Error("disconnect handler error",
			slog.String("session", hctx.SessionID),
			slog.String("error", err.Error()))
	}
	if rel, ok := s.parser.(parser.Releaser); ok {
		rel.Release(hctx.SessionID)
	}

	s.config.Logger.Debug("connection closed", slog.String("session", hctx.SessionID))
	return streamErr
}

// stream parses packets in one direction until an error or context cancellation.
func (s *Server) stream(ctx context.Context, r io.Reader, w, back io.Writer, dir parser.Direction, hctx *handler.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := s.parser.Parse(ctx, r, w, back, dir, s.handler, hctx); err != nil {
			return err
		}
	}
}
