// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/absmach/meshgate/pkg/handler"
	"github.com/stretchr/testify/assert"
)

type refusingHandler struct {
	handler.NoopHandler
	connectErr error
	publishErr error
}

func (h *refusingHandler) AuthConnect(context.Context, *handler.Context) error {
	return h.connectErr
}

func (h *refusingHandler) AuthPublish(context.Context, *handler.Context, *string, *[]byte) error {
	return h.publishErr
}

func TestLoggingHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	inner := &refusingHandler{
		connectErr: &handler.ConnectError{Code: handler.CodeBadCredentials, Err: errors.New("bad password")},
		publishErr: handler.ErrDrop,
	}
	h := newLoggingHandler(inner, logger)
	hctx := &handler.Context{SessionID: "s1", ClientID: "c1", Protocol: "mqtt"}

	err := h.AuthConnect(context.Background(), hctx)
	assert.Equal(t, handler.CodeBadCredentials, handler.ReturnCode(err))
	assert.Contains(t, buf.String(), "connect refused")
	assert.Contains(t, buf.String(), "code=4")

	topic, payload := "msh/EU/2/e/LongFast/!abcd1234", []byte{1, 2}
	err = h.AuthPublish(context.Background(), hctx, &topic, &payload)
	assert.ErrorIs(t, err, handler.ErrDrop)
	assert.Contains(t, buf.String(), "publish dropped")

	topics := []string{"msh/#"}
	assert.NoError(t, h.AuthSubscribe(context.Background(), hctx, &topics))
	assert.NoError(t, h.OnDisconnect(context.Background(), hctx))
	assert.Contains(t, buf.String(), "client disconnected")
}

func TestSetupLogger(t *testing.T) {
	assert.True(t, setupLogger("debug", "text").Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, setupLogger("warn", "json").Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, setupLogger("bogus", "json").Enabled(context.Background(), slog.LevelInfo))
}
