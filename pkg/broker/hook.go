// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"bytes"
	"context"
	"log/slog"
	"sync"

	"github.com/absmach/meshgate/pkg/acl"
	"github.com/absmach/meshgate/pkg/gateway"
	"github.com/google/uuid"
	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
)

// Hook runs the gateway inside a mochi-mqtt server.
type Hook struct {
	mqtt.HookBase

	svc    *gateway.Service
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[*mqtt.Client]string
}

// NewHook returns a hook bound to svc.
func NewHook(svc *gateway.Service, logger *slog.Logger) *Hook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hook{
		svc:      svc,
		logger:   logger,
		sessions: make(map[*mqtt.Client]string),
	}
}

// ID names the hook.
func (h *Hook) ID() string {
	return "meshgate"
}

// Provides reports the events the hook handles.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
		mqtt.OnPublish,
		mqtt.OnDisconnect,
	}, []byte{b})
}

// OnConnectAuthenticate validates the CONNECT. Every refusal reaches the
// client as bad username or password.
func (h *Hook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	if cl.Net.Inline {
		return true
	}
	id := uuid.New().String()
	res := h.svc.ValidateConnection(context.Background(), gateway.ConnectRequest{
		SessionID:  id,
		ClientID:   pk.Connect.ClientIdentifier,
		Username:   string(pk.Connect.Username),
		Password:   pk.Connect.Password,
		RemoteAddr: cl.Net.Remote,
	})
	if !res.Accepted {
		return false
	}
	h.mu.Lock()
	h.sessions[cl] = id
	h.mu.Unlock()
	return true
}

// OnACLCheck authorizes subscriptions with Read. Publishes pass here and are
// authorized by OnPublish, where denials are counted and alerted.
func (h *Hook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	if cl.Net.Inline || write {
		return true
	}
	id, ok := h.session(cl)
	if !ok {
		return false
	}
	return h.svc.Authorize(id, topic, acl.Read)
}

// OnPublish runs the publish through the pipeline. Filtered publishes are
// acknowledged and not delivered.
func (h *Hook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	if cl.Net.Inline {
		return pk, nil
	}
	id, _ := h.session(cl)
	v := h.svc.InterceptPublish(context.Background(), gateway.PublishRequest{
		SessionID: id,
		ClientID:  cl.ID,
		Topic:     pk.TopicName,
		Payload:   pk.Payload,
	})
	if !v.Deliver {
		return pk, packets.CodeSuccessIgnore
	}
	return pk, nil
}

// OnDisconnect forgets the session.
func (h *Hook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	h.mu.Lock()
	id, ok := h.sessions[cl]
	delete(h.sessions, cl)
	h.mu.Unlock()
	if !ok {
		return
	}
	if err != nil {
		h.logger.Debug("client connection ended",
			slog.String("client_id", cl.ID),
			slog.String("error", err.Error()))
	}
	h.svc.Disconnect(id)
}

func (h *Hook) session(cl *mqtt.Client) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.sessions[cl]
	return id, ok
}
