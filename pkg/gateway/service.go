// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package gateway validates MQTT connections and inspects every publish
// before the broker sees it.
package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/meshgate/pkg/acl"
	"github.com/absmach/meshgate/pkg/alert"
	"github.com/absmach/meshgate/pkg/config"
	"github.com/absmach/meshgate/pkg/dispatch"
	perrors "github.com/absmach/meshgate/pkg/errors"
	"github.com/absmach/meshgate/pkg/handler"
	"github.com/absmach/meshgate/pkg/mesh"
	"github.com/absmach/meshgate/pkg/metrics"
	"github.com/absmach/meshgate/pkg/nodes"
	"github.com/absmach/meshgate/pkg/ratelimit"
	"github.com/absmach/meshgate/pkg/topic"
)

// PolicySource returns the policy snapshot currently in effect.
type PolicySource interface {
	Current() *config.Snapshot
}

// Deps are the collaborators of a Service. Policy is required; nil Registry,
// Banlist and Alerts get empty defaults.
type Deps struct {
	Policy   PolicySource
	Registry *nodes.Registry
	Banlist  *nodes.Banlist
	Alerts   *alert.Engine
	Metrics  *metrics.Metrics
	Throttle *ratelimit.Throttle
	Logger   *slog.Logger
	Now      func() time.Time

	// SaveBanlist persists the banlist after Ban and Unban change it.
	SaveBanlist func(ids []string) error
}

// ConnectRequest is one client CONNECT.
type ConnectRequest struct {
	SessionID  string
	ClientID   string
	Username   string
	Password   []byte
	RemoteAddr string
}

// ConnectResult is the outcome of ValidateConnection.
type ConnectResult struct {
	Accepted bool
	Code     byte
	Reason   string
	User     string
}

// Err returns nil for accepted connections and a *handler.ConnectError otherwise.
func (r ConnectResult) Err() error {
	if r.Accepted {
		return nil
	}
	return &handler.ConnectError{Code: r.Code, Err: errors.New(r.Reason)}
}

// PublishRequest is one inbound PUBLISH.
type PublishRequest struct {
	SessionID string
	ClientID  string
	Topic     string
	Payload   []byte
}

// Verdict is the outcome of InterceptPublish. Err is set for filtered
// publishes and for fail-open cases; Deliver is what the host must honour.
type Verdict struct {
	Deliver bool
	Err     error
	NodeID  string
	Port    mesh.PortNum
}

type session struct {
	ClientID    string
	User        string
	RemoteAddr  string
	ConnectedAt time.Time
}

// Service is the ingress pipeline. It is safe for concurrent use.
type Service struct {
	policy      PolicySource
	registry    *nodes.Registry
	banlist     *nodes.Banlist
	alerts      *alert.Engine
	metrics     *metrics.Metrics
	throttle    *ratelimit.Throttle
	logger      *slog.Logger
	now         func() time.Time
	saveBanlist func(ids []string) error

	resolver   *acl.Resolver
	decrypter  *mesh.Decrypter
	dispatcher *dispatch.Dispatcher

	mu       sync.RWMutex
	sessions map[string]session

	// banMu serializes banlist changes with their persistence.
	banMu sync.Mutex

	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup

	received  atomic.Uint64
	delivered atomic.Uint64
	statsMu   sync.Mutex
	filtered  map[string]uint64
}

// New returns a Service. The registry's join and leave callbacks are pointed
// at the alert engine.
func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Registry == nil {
		d.Registry = nodes.NewRegistry(d.Now)
	}
	if d.Banlist == nil {
		d.Banlist = nodes.NewBanlist()
	}
	if d.Alerts == nil {
		d.Alerts = alert.NewEngine(alert.DefaultConfig(), nil, d.Logger, d.Now, 0)
	}

	s := &Service{
		policy:      d.Policy,
		registry:    d.Registry,
		banlist:     d.Banlist,
		alerts:      d.Alerts,
		metrics:     d.Metrics,
		throttle:    d.Throttle,
		logger:      d.Logger,
		now:         d.Now,
		saveBanlist: d.SaveBanlist,
		resolver:    acl.NewResolver(d.Now),
		decrypter:   mesh.NewDecrypter(d.Logger),
		dispatcher:  dispatch.New(d.Registry, d.Logger),
		sessions:    make(map[string]session),
		filtered:    make(map[string]uint64),
	}
	s.decrypter.OnAttempt = func(err error) { s.metrics.Decrypt(err == nil) }
	s.registry.OnJoin = func(id string) {
		s.logger.Info("node joined", slog.String("node", id))
		s.alerts.RecordNodeJoin(id)
	}
	s.registry.OnLeave = func(id string) {
		s.logger.Info("node went inactive", slog.String("node", id))
		s.alerts.RecordNodeLeave(id)
	}
	return s
}

func (s *Service) enter() bool {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

// ValidateConnection checks the CONNECT credentials against the current
// policy and, when accepted, binds the user to the session.
func (s *Service) ValidateConnection(ctx context.Context, req ConnectRequest) ConnectResult {
	if !s.enter() {
		return ConnectResult{Code: handler.CodeServerUnavailable, Reason: "gateway shutting down"}
	}
	defer s.wg.Done()

	if ok, limiter := s.throttle.Allow(host(req.RemoteAddr)); !ok {
		s.metrics.Throttled(limiter)
		err := fmt.Errorf("%w (%s)", perrors.ErrRateLimited, limiter)
		return s.refuse(req, handler.CodeNotAuthorized, perrors.Reason(err), err.Error())
	}

	snap := s.policy.Current()
	if strings.TrimSpace(req.Username) == "" {
		return s.refuse(req, handler.CodeBadCredentials, "empty_username", "empty username")
	}
	u, ok := snap.User(req.Username)
	if !ok {
		return s.refuse(req, handler.CodeBadCredentials, "unknown_user", "user not found")
	}
	if u.UserName != req.Username {
		return s.refuse(req, handler.CodeBadCredentials, "unknown_user", "user not authorized")
	}
	if subtle.ConstantTimeCompare([]byte(u.Password), req.Password) != 1 {
		return s.refuse(req, handler.CodeBadCredentials, "bad_password", "invalid password")
	}
	if u.ValidateClientID {
		if u.ClientIDPrefix != "" {
			if !strings.HasPrefix(req.ClientID, u.ClientIDPrefix) {
				return s.refuse(req, handler.CodeIdentifierRejected, "bad_client_id", "client id does not match prefix")
			}
		} else if req.ClientID != u.ClientID {
			return s.refuse(req, handler.CodeIdentifierRejected, "bad_client_id", "client id is not valid")
		}
	}

	s.mu.Lock()
	_, existed := s.sessions[req.SessionID]
	s.sessions[req.SessionID] = session{
		ClientID:    req.ClientID,
		User:        u.UserName,
		RemoteAddr:  req.RemoteAddr,
		ConnectedAt: s.now(),
	}
	s.mu.Unlock()
	if !existed {
		s.metrics.Connected(1)
	}

	s.logger.Info("client connected",
		slog.String("user", u.UserName),
		slog.String("client_id", req.ClientID),
		slog.String("remote", req.RemoteAddr))
	return ConnectResult{Accepted: true, Code: handler.CodeAccepted, User: u.UserName}
}

func (s *Service) refuse(req ConnectRequest, code byte, label, reason string) ConnectResult {
	s.metrics.AuthFailure(label)
	s.alerts.RecordFailedLogin(req.RemoteAddr, req.Username, reason)
	s.logger.Warn("failed login",
		slog.String("remote", req.RemoteAddr),
		slog.String("user", req.Username),
		slog.String("client_id", req.ClientID),
		slog.String("reason", reason))
	return ConnectResult{Code: code, Reason: reason}
}

// Disconnect forgets the session.
func (s *Service) Disconnect(sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.metrics.Connected(-1)
	s.logger.Info("client disconnected",
		slog.String("user", sess.User),
		slog.String("client_id", sess.ClientID),
		slog.String("remote", sess.RemoteAddr))
}

// user resolves the session's user from the current snapshot, so policy
// reloads apply to live sessions.
func (s *Service) user(snap *config.Snapshot, sessionID string) (*acl.User, bool, bool) {
	s.mu.RLock()
	sess, bound := s.sessions[sessionID]
	s.mu.RUnlock()
	if !bound {
		return nil, false, false
	}
	u, ok := snap.User(sess.User)
	return u, true, ok
}

// Authorize reports whether the session's user holds kind on topicName.
// Unknown sessions and users removed by a reload are denied.
func (s *Service) Authorize(sessionID, topicName string, kind acl.Permission) bool {
	snap := s.policy.Current()
	u, bound, ok := s.user(snap, sessionID)
	if !bound || !ok {
		return false
	}
	return s.resolver.HasPermission(u, topicName, kind, snap.Directory())
}

// AuthorizeSubscribe checks Read on every filter and returns ErrUnauthorized
// naming the first denied one.
func (s *Service) AuthorizeSubscribe(ctx context.Context, sessionID string, filters []string) error {
	for _, f := range filters {
		if !s.Authorize(sessionID, f, acl.Read) {
			s.logger.Warn("subscription denied",
				slog.String("session", sessionID),
				slog.String("topic", f))
			return fmt.Errorf("%w: subscribe %q", perrors.ErrUnauthorized, f)
		}
	}
	return nil
}

// InterceptPublish runs a publish through the pipeline. Filtered publishes
// return Deliver false. Failures inside the pipeline, and calls after Close,
// deliver the publish untouched.
func (s *Service) InterceptPublish(ctx context.Context, req PublishRequest) Verdict {
	if !s.enter() {
		return Verdict{Deliver: true, Err: perrors.ErrClosed}
	}
	defer s.wg.Done()

	s.received.Add(1)
	s.metrics.Received()

	v := s.inspect(req)
	if v.Err != nil && perrors.IsFiltered(v.Err) {
		v.Deliver = false
		reason := perrors.Reason(v.Err)
		s.statsMu.Lock()
		s.filtered[reason]++
		s.statsMu.Unlock()
		s.metrics.Filtered(reason)
		s.logger.Debug("publish filtered",
			slog.String("client_id", req.ClientID),
			slog.String("topic", req.Topic),
			slog.String("reason", reason))
		return v
	}

	v.Deliver = true
	s.delivered.Add(1)
	s.metrics.Delivered()
	return v
}

func (s *Service) inspect(req PublishRequest) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", perrors.ErrInternal, r)
			s.logger.Error("failed to process publish, delivering unfiltered",
				slog.String("client_id", req.ClientID),
				slog.String("topic", req.Topic),
				slog.String("error", err.Error()))
			s.alerts.RecordError("pipeline", err)
			v = Verdict{Deliver: true, Err: perrors.New("intercept", req.ClientID, req.Topic, err)}
		}
	}()

	snap := s.policy.Current()
	fail := func(op string, err error) Verdict {
		return Verdict{Err: perrors.New(op, req.ClientID, req.Topic, err)}
	}

	if u, bound, ok := s.user(snap, req.SessionID); bound {
		if !ok || !s.resolver.HasPermission(u, req.Topic, acl.Write, snap.Directory()) {
			name := ""
			if u != nil {
				name = u.UserName
			}
			s.logger.Warn("publish denied",
				slog.String("user", name),
				slog.String("client_id", req.ClientID),
				slog.String("topic", req.Topic))
			s.alerts.RecordError("authorization",
				fmt.Errorf("client %q denied publish to %q", req.ClientID, req.Topic))
			return fail("authorize", perrors.ErrUnauthorized)
		}
	}

	if len(req.Payload) == 0 {
		return fail("payload", perrors.ErrEmptyPayload)
	}

	nodeID := topic.LastLevel(req.Topic)
	if nodeID == "" {
		return fail("topic", perrors.ErrInvalidTopic)
	}

	env, err := mesh.Decode(req.Payload)
	if err != nil {
		return fail("decode", fmt.Errorf("%w: %v", perrors.ErrInvalidEnvelope, err))
	}

	data := s.decrypter.Decrypt(env.Packet, snap.Keys)

	if s.banlist.Contains(nodeID) {
		return fail("banlist", perrors.ErrBanned)
	}
	if data == nil {
		return fail("decrypt", perrors.ErrUndecryptable)
	}

	v = Verdict{NodeID: nodeID, Port: data.PortNum}
	s.registry.Touch(nodeID)
	s.alerts.RecordMessage(nodeID)

	err = s.dispatcher.Dispatch(dispatch.Message{
		NodeID:          nodeID,
		Envelope:        env,
		Data:            data,
		PositionTimeout: snap.PositionTimeout,
	})
	s.metrics.SetNodes(s.registry.Len())
	if err != nil {
		v.Err = perrors.New("dispatch", req.ClientID, req.Topic, err)
	}
	return v
}

// Ban adds id to the banlist. changed is false when it was already banned.
func (s *Service) Ban(id, reason string) (changed bool, err error) {
	s.banMu.Lock()
	defer s.banMu.Unlock()
	if !s.banlist.Add(id) {
		return false, nil
	}
	s.logger.Info("node banned", slog.String("node", id), slog.String("reason", reason))
	s.alerts.NodeBanned(id, reason)
	return true, s.persistBanlist()
}

// Unban removes id from the banlist. changed is false when it was not banned.
func (s *Service) Unban(id string) (changed bool, err error) {
	s.banMu.Lock()
	defer s.banMu.Unlock()
	if !s.banlist.Remove(id) {
		return false, nil
	}
	s.logger.Info("node unbanned", slog.String("node", id))
	return true, s.persistBanlist()
}

// persistBanlist must be called with banMu held.
func (s *Service) persistBanlist() error {
	if s.saveBanlist == nil {
		return nil
	}
	if err := s.saveBanlist(s.banlist.List()); err != nil {
		s.alerts.RecordError("banlist", err)
		return fmt.Errorf("save banlist: %w", err)
	}
	return nil
}

// ApplyPolicy makes the banlist and alerting settings of snap effective.
func (s *Service) ApplyPolicy(snap *config.Snapshot) {
	s.banMu.Lock()
	s.banlist.Replace(snap.Policy.Banlist)
	s.banMu.Unlock()
	s.alerts.UpdateConfig(snap.Policy.Alerting)
}

// NodeView is a node with its ban state.
type NodeView struct {
	nodes.Node
	Banned bool `json:"banned"`
}

// Nodes lists every known node ordered by id.
func (s *Service) Nodes() []NodeView {
	all := s.registry.Snapshot()
	out := make([]NodeView, len(all))
	for i, n := range all {
		out[i] = NodeView{Node: n, Banned: s.banlist.Contains(n.ID)}
	}
	return out
}

// Node returns one node.
func (s *Service) Node(id string) (NodeView, bool) {
	n, ok := s.registry.Get(id)
	if !ok {
		return NodeView{}, false
	}
	return NodeView{Node: n, Banned: s.banlist.Contains(id)}, true
}

// Banned lists banned node ids.
func (s *Service) Banned() []string {
	return s.banlist.List()
}

// Stats are cumulative pipeline counters.
type Stats struct {
	Received      uint64            `json:"received"`
	Delivered     uint64            `json:"delivered"`
	Filtered      map[string]uint64 `json:"filtered"`
	Sessions      int               `json:"sessions"`
	Nodes         int               `json:"nodes"`
	Banned        int               `json:"banned"`
	PolicyVersion uint64            `json:"policyVersion"`
	Alerts        alert.Stats       `json:"alerts"`
}

// Stats returns a copy of the counters.
func (s *Service) Stats() Stats {
	s.statsMu.Lock()
	filtered := make(map[string]uint64, len(s.filtered))
	for k, v := range s.filtered {
		filtered[k] = v
	}
	s.statsMu.Unlock()

	s.mu.RLock()
	sessions := len(s.sessions)
	s.mu.RUnlock()

	return Stats{
		Received:      s.received.Load(),
		Delivered:     s.delivered.Load(),
		Filtered:      filtered,
		Sessions:      sessions,
		Nodes:         s.registry.Len(),
		Banned:        len(s.banlist.List()),
		PolicyVersion: s.policy.Current().Version,
		Alerts:        s.alerts.Stats(),
	}
}

// RunSweeper marks quiet nodes inactive every interval until ctx is done.
// The inactivity window is read from the current policy on every pass.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.registry.Sweep(s.policy.Current().NodeInactivity)
			s.throttle.Cleanup(time.Hour)
		}
	}
}

// Close stops accepting calls and waits for in-flight ones until ctx is done.
func (s *Service) Close(ctx context.Context) error {
	s.closeMu.Lock()
	s.closed = true
	s.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func host(addr string) string {
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return h
	}
	return addr
}
