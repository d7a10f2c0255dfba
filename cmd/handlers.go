// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/absmach/meshgate/pkg/handler"
)

var _ handler.Handler = (*loggingHandler)(nil)

// loggingHandler logs the outcome of every proxy hook at debug level and
// refusals at info.
type loggingHandler struct {
	handler handler.Handler
	logger  *slog.Logger
}

func newLoggingHandler(h handler.Handler, logger *slog.Logger) *loggingHandler {
	return &loggingHandler{handler: h, logger: logger}
}

func (h *loggingHandler) attrs(hctx *handler.Context, start time.Time, err error) []any {
	attrs := []any{
		slog.String("session", hctx.SessionID),
		slog.String("client_id", hctx.ClientID),
		slog.String("protocol", hctx.Protocol),
		slog.Duration("duration", time.Since(start)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	return attrs
}

func (h *loggingHandler) AuthConnect(ctx context.Context, hctx *handler.Context) error {
	start := time.Now()
	err := h.handler.AuthConnect(ctx, hctx)
	attrs := append(h.attrs(hctx, start, err),
		slog.String("username", hctx.Username),
		slog.String("remote", hctx.RemoteAddr))
	if err != nil {
		h.logger.Info("connect refused", append(attrs, slog.Int("code", int(handler.ReturnCode(err))))...)
		return err
	}
	h.logger.Debug("connect accepted", attrs...)
	return nil
}

func (h *loggingHandler) AuthPublish(ctx context.Context, hctx *handler.Context, topic *string, payload *[]byte) error {
	start := time.Now()
	err := h.handler.AuthPublish(ctx, hctx, topic, payload)
	attrs := append(h.attrs(hctx, start, nil), slog.String("topic", *topic), slog.Int("payload_size", len(*payload)))
	switch {
	case errors.Is(err, handler.ErrDrop):
		h.logger.Debug("publish dropped", attrs...)
	case err != nil:
		h.logger.Info("publish refused", append(attrs, slog.String("error", err.Error()))...)
	default:
		h.logger.Debug("publish forwarded", attrs...)
	}
	return err
}

func (h *loggingHandler) AuthSubscribe(ctx context.Context, hctx *handler.Context, topics *[]string) error {
	start := time.Now()
	err := h.handler.AuthSubscribe(ctx, hctx, topics)
	attrs := append(h.attrs(hctx, start, err), slog.Any("topics", *topics))
	if err != nil {
		h.logger.Info("subscribe refused", attrs...)
		return err
	}
	h.logger.Debug("subscribe authorized", attrs...)
	return nil
}

func (h *loggingHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	return h.handler.OnConnect(ctx, hctx)
}

func (h *loggingHandler) OnPublish(ctx context.Context, hctx *handler.Context, topic string, payload []byte) error {
	return h.handler.OnPublish(ctx, hctx, topic, payload)
}

func (h *loggingHandler) OnSubscribe(ctx context.Context, hctx *handler.Context, topics []string) error {
	return h.handler.OnSubscribe(ctx, hctx, topics)
}

func (h *loggingHandler) OnUnsubscribe(ctx context.Context, hctx *handler.Context, topics []string) error {
	return h.handler.OnUnsubscribe(ctx, hctx, topics)
}

func (h *loggingHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	err := h.handler.OnDisconnect(ctx, hctx)
	h.logger.Debug("client disconnected",
		slog.String("session", hctx.SessionID),
		slog.String("client_id", hctx.ClientID),
		slog.String("protocol", hctx.Protocol))
	return err
}
