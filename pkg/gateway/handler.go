// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"

	"github.com/absmach/meshgate/pkg/handler"
)

var _ handler.Handler = (*Handler)(nil)

// Handler plugs a Service into the MQTT proxy.
type Handler struct {
	svc *Service
}

// NewHandler returns the proxy handler for svc.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// AuthConnect validates the CONNECT and refuses with its return code.
func (h *Handler) AuthConnect(ctx context.Context, hctx *handler.Context) error {
	return h.svc.ValidateConnection(ctx, ConnectRequest{
		SessionID:  hctx.SessionID,
		ClientID:   hctx.ClientID,
		Username:   hctx.Username,
		Password:   hctx.Password,
		RemoteAddr: hctx.RemoteAddr,
	}).Err()
}

// AuthPublish runs the publish through the pipeline. Filtered publishes
// return handler.ErrDrop.
func (h *Handler) AuthPublish(ctx context.Context, hctx *handler.Context, topic *string, payload *[]byte) error {
	v := h.svc.InterceptPublish(ctx, PublishRequest{
		SessionID: hctx.SessionID,
		ClientID:  hctx.ClientID,
		Topic:     *topic,
		Payload:   *payload,
	})
	if !v.Deliver {
		return handler.ErrDrop
	}
	return nil
}

// AuthSubscribe checks Read on every topic.
func (h *Handler) AuthSubscribe(ctx context.Context, hctx *handler.Context, topics *[]string) error {
	return h.svc.AuthorizeSubscribe(ctx, hctx.SessionID, *topics)
}

func (h *Handler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	return nil
}

func (h *Handler) OnPublish(ctx context.Context, hctx *handler.Context, topic string, payload []byte) error {
	return nil
}

func (h *Handler) OnSubscribe(ctx context.Context, hctx *handler.Context, topics []string) error {
	return nil
}

func (h *Handler) OnUnsubscribe(ctx context.Context, hctx *handler.Context, topics []string) error {
	return nil
}

// OnDisconnect forgets the session.
func (h *Handler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	h.svc.Disconnect(hctx.SessionID)
	return nil
}
