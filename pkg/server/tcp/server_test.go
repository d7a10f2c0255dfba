// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/meshgate/pkg/handler"
	"github.com/absmach/meshgate/pkg/parser"
)

type mockParser struct {
	parseErr error
	calls    atomic.Int32
	released atomic.Value

	mu   sync.Mutex
	dirs map[parser.Direction]int
}

func (m *mockParser) Parse(ctx context.Context, r io.Reader, w, back io.Writer, dir parser.Direction, h handler.Handler, hctx *handler.Context) error {
	m.calls.Add(1)
	if m.parseErr != nil {
		return m.parseErr
	}

	buf := make([]byte, 1024)
	n, err := r.Read(buf)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.dirs == nil {
		m.dirs = map[parser.Direction]int{}
	}
	m.dirs[dir]++
	m.mu.Unlock()

	_, err = w.Write(buf[:n])
	return err
}

func (m *mockParser) Release(sessionID string) {
	m.released.Store(sessionID)
}

type mockHandler struct {
	handler.NoopHandler

	mu          sync.Mutex
	disconnects []*handler.Context
}

func (m *mockHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects = append(m.disconnects, hctx)
	return nil
}

func (m *mockHandler) disconnected() []*handler.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*handler.Context(nil), m.disconnects...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// echoBroker accepts connections and echoes everything back.
func echoBroker(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start broker: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return l
}

func startServer(t *testing.T, cfg Config, p parser.Parser, h handler.Handler) (*Server, context.CancelFunc, chan error) {
	t.Helper()
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:0"
	}
	cfg.Logger = testLogger()
	s := New(cfg, p, h)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Listen(ctx) }()

	select {
	case <-s.Ready():
	case err := <-errCh:
		cancel()
		t.Fatalf("Server failed to start: %v", err)
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("Server did not start")
	}
	return s, cancel, errCh
}

func TestTCPServer_ListenAndAccept(t *testing.T) {
	broker := echoBroker(t)
	p := &mockParser{}
	h := &mockHandler{}
	s, cancel, errCh := startServer(t, Config{TargetAddress: broker.Addr().String()}, p, h)

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	msg := []byte("hello mesh")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	// Upstream forwards to the echo broker, downstream brings it back.
	buf := make([]byte, len(msg))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("Failed to read echo: %v", err)
	}
	if string(buf) != string(msg) {
		t.Errorf("Expected %q, got %q", msg, buf)
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for len(h.disconnected()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	ds := h.disconnected()
	if len(ds) != 1 {
		t.Fatalf("Expected one disconnect, got %d", len(ds))
	}
	if ds[0].Protocol != "mqtt" {
		t.Errorf("Expected protocol mqtt, got %q", ds[0].Protocol)
	}
	if got, _ := p.released.Load().(string); got != ds[0].SessionID {
		t.Errorf("Expected parser release for %q, got %q", ds[0].SessionID, got)
	}

	p.mu.Lock()
	up, down := p.dirs[parser.Upstream], p.dirs[parser.Downstream]
	p.mu.Unlock()
	if up == 0 || down == 0 {
		t.Errorf("Expected both directions parsed, got up=%d down=%d", up, down)
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Expected clean shutdown, got %v", err)
	}
}

func TestTCPServer_InvalidAddress(t *testing.T) {
	s := New(Config{Address: "invalid::address::format", Logger: testLogger()}, &mockParser{}, &mockHandler{})
	if err := s.Listen(context.Background()); err == nil {
		t.Error("Expected error for invalid address")
	}
}

func TestTCPServer_BackendDialFailure(t *testing.T) {
	// Reserve a port and release it so nothing listens there.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	target := l.Addr().String()
	l.Close()

	h := &mockHandler{}
	s, cancel, errCh := startServer(t, Config{TargetAddress: target, DialTimeout: time.Second}, &mockParser{}, h)
	defer func() {
		cancel()
		<-errCh
	}()

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("Expected client connection to be closed")
	}
	if len(h.disconnected()) != 0 {
		t.Error("OnDisconnect must not run for a session that never reached the broker")
	}
}

func TestNew_DefaultConfig(t *testing.T) {
	s := New(Config{Address: ":0", TargetAddress: "localhost:1883"}, &mockParser{}, &mockHandler{})

	if s.config.Logger == nil {
		t.Error("Expected default logger")
	}
	if s.config.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown timeout 30s, got %v", s.config.ShutdownTimeout)
	}
	if s.config.DialTimeout != 10*time.Second {
		t.Errorf("Expected default dial timeout 10s, got %v", s.config.DialTimeout)
	}
	if s.config.Protocol != "mqtt" {
		t.Errorf("Expected default protocol mqtt, got %q", s.config.Protocol)
	}
	if s.connSem != nil {
		t.Error("Expected no connection cap by default")
	}
}

func TestTCPServer_ParseError(t *testing.T) {
	broker := echoBroker(t)
	p := &mockParser{parseErr: errors.New("parse failed")}
	h := &mockHandler{}
	s, cancel, errCh := startServer(t, Config{TargetAddress: broker.Addr().String()}, p, h)
	defer func() {
		cancel()
		<-errCh
	}()

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("Expected connection to close after parse error")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(h.disconnected()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(h.disconnected()) != 1 {
		t.Error("Expected OnDisconnect after parse error")
	}
}

func TestTCPServer_ShutdownTimeout(t *testing.T) {
	// A broker that never answers keeps the session open.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()

	s, cancel, errCh := startServer(t, Config{
		TargetAddress:   l.Addr().String(),
		ShutdownTimeout: 100 * time.Millisecond,
	}, &mockParser{}, &mockHandler{})

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()
	time.Sleep(100 * time.Millisecond)

	// Hold the connection open past the drain timeout.
	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrShutdownTimeout) {
			t.Errorf("Expected ErrShutdownTimeout, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Listen did not return after shutdown timeout")
	}
}

func TestTCPServer_ConnectionLimit(t *testing.T) {
	broker := echoBroker(t)
	s, cancel, errCh := startServer(t, Config{
		TargetAddress:   broker.Addr().String(),
		MaxConnections:  1,
		ShutdownTimeout: 100 * time.Millisecond,
	}, &mockParser{}, &mockHandler{})
	defer func() {
		cancel()
		<-errCh
	}()

	first, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer first.Close()

	// Make sure the first session is established before the second dial.
	if _, err := first.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(first, make([]byte, 1)); err != nil {
		t.Fatalf("First connection not served: %v", err)
	}

	second, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Error("Expected second connection to be rejected")
	}
}

func TestLockedWriter(t *testing.T) {
	var mu sync.Mutex
	var total int
	w := &lockedWriter{w: writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		total += len(p)
		mu.Unlock()
		return len(p), nil
	})}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = w.Write([]byte("abc"))
		}()
	}
	wg.Wait()
	if total != 30 {
		t.Errorf("Expected 30 bytes written, got %d", total)
	}
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
