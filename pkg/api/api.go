// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package api serves the management endpoints of the gateway together with
// health probes and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/absmach/meshgate/pkg/config"
	"github.com/absmach/meshgate/pkg/gateway"
	"github.com/absmach/meshgate/pkg/health"
	"github.com/absmach/meshgate/pkg/metrics"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service is the part of the gateway the API exposes.
type Service interface {
	Nodes() []gateway.NodeView
	Node(id string) (gateway.NodeView, bool)
	Ban(id, reason string) (bool, error)
	Unban(id string) (bool, error)
	Stats() gateway.Stats
}

// PolicySource returns the policy snapshot currently in effect.
type PolicySource interface {
	Current() *config.Snapshot
}

// Config holds the API listener settings.
type Config struct {
	Address string
	// JWTSecret enables bearer token auth on /api routes when set.
	JWTSecret       string
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Server is the management HTTP server.
type Server struct {
	svc     Service
	policy  PolicySource
	checker *health.Checker
	metrics *metrics.Metrics
	gather  prometheus.Gatherer
	authn   *authenticator
	logger  *slog.Logger
	timeout time.Duration
	srv     *http.Server

	mu    sync.Mutex
	addr  net.Addr
	ready chan struct{}
}

// New builds the server. A nil gatherer serves the default registry.
func New(cfg Config, svc Service, policy PolicySource, checker *health.Checker, m *metrics.Metrics, gather prometheus.Gatherer) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if gather == nil {
		gather = prometheus.DefaultGatherer
	}
	if checker == nil {
		checker = health.NewChecker(0)
	}

	s := &Server{
		svc:     svc,
		policy:  policy,
		checker: checker,
		metrics: m,
		gather:  gather,
		logger:  cfg.Logger,
		timeout: cfg.ShutdownTimeout,
		ready:   make(chan struct{}),
	}
	if cfg.JWTSecret != "" {
		s.authn = &authenticator{secret: []byte(cfg.JWTSecret)}
	}
	s.srv = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.recovery, s.logging)

	r.Handle("/health", s.checker.HTTPHandler()).Methods(http.MethodGet)
	r.Handle("/ready", s.checker.ReadinessHandler()).Methods(http.MethodGet)
	r.Handle("/live", health.LivenessHandler()).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	a := r.PathPrefix("/api").Subrouter()
	a.Use(s.auth)
	a.HandleFunc("/nodes", s.listNodes).Methods(http.MethodGet)
	a.HandleFunc("/nodes/{id}", s.getNode).Methods(http.MethodGet)
	a.HandleFunc("/nodes/{id}/ban", s.banNode).Methods(http.MethodPost)
	a.HandleFunc("/nodes/{id}/ban", s.unbanNode).Methods(http.MethodDelete)
	a.HandleFunc("/stats", s.stats).Methods(http.MethodGet)
	a.HandleFunc("/config", s.configView).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address once listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Listen serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Listen(ctx context.Context) error {
	l, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}
	s.mu.Lock()
	s.addr = l.Addr()
	s.mu.Unlock()
	close(s.ready)
	s.logger.Info("api server started", slog.String("address", l.Addr().String()), slog.Bool("auth", s.authn != nil))

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down api server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type banRequest struct {
	Reason string `json:"reason"`
}

type banResponse struct {
	ID      string `json:"id"`
	Banned  bool   `json:"banned"`
	Changed bool   `json:"changed"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.svc.Nodes()
	if active := r.URL.Query().Get("active"); active != "" {
		want := active == "true"
		filtered := nodes[:0:0]
		for _, n := range nodes {
			if n.Active == want {
				filtered = append(filtered, n)
			}
		}
		nodes = filtered
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	n, ok := s.svc.Node(id)
	if !ok {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) banNode(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(mux.Vars(r)["id"])
	if id == "" {
		writeError(w, http.StatusBadRequest, "node id is required")
		return
	}

	var req banRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = "banned via api"
	}
	if sub := Subject(r.Context()); sub != "" {
		req.Reason += " by " + sub
	}

	changed, err := s.svc.Ban(id, req.Reason)
	if err != nil {
		s.logger.Error("failed to persist ban", slog.String("node", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "ban applied but not persisted")
		return
	}
	status := http.StatusOK
	if changed {
		status = http.StatusCreated
	}
	writeJSON(w, status, banResponse{ID: id, Banned: true, Changed: changed})
}

func (s *Server) unbanNode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	changed, err := s.svc.Unban(id)
	if err != nil {
		s.logger.Error("failed to persist unban", slog.String("node", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "unban applied but not persisted")
		return
	}
	writeJSON(w, http.StatusOK, banResponse{ID: id, Banned: false, Changed: changed})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats())
}

func (s *Server) configView(w http.ResponseWriter, _ *http.Request) {
	snap := s.policy.Current()
	writeJSON(w, http.StatusOK, struct {
		Version  uint64         `json:"version"`
		LoadedAt time.Time      `json:"loadedAt"`
		Policy   *config.Policy `json:"policy"`
	}{snap.Version, snap.LoadedAt, snap.Policy.Redacted()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
