// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
)

// MQTT 3.1.1 CONNACK return codes.
const (
	CodeAccepted           byte = 0x00
	CodeRefusedProtocol    byte = 0x01
	CodeIdentifierRejected byte = 0x02
	CodeServerUnavailable  byte = 0x03
	CodeBadCredentials     byte = 0x04
	CodeNotAuthorized      byte = 0x05
)

// ErrDrop tells the transport to discard a packet without forwarding it and
// without failing the connection. The sender still gets its acknowledgement.
var ErrDrop = errors.New("packet dropped")

// ConnectError refuses a connection with an MQTT return code.
type ConnectError struct {
	Code byte
	Err  error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("connection refused (code %d): %v", e.Code, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// ReturnCode returns the CONNACK code for an AuthConnect error. Errors that
// are not a ConnectError map to not authorised.
func ReturnCode(err error) byte {
	if err == nil {
		return CodeAccepted
	}
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeNotAuthorized
}

// Context contains connection metadata and credentials extracted from packets.
// It is passed to Handler methods to provide auth context.
type Context struct {
	// SessionID is a unique identifier for this connection/session
	SessionID string

	// Username from the MQTT CONNECT packet
	Username string

	// Password from the MQTT CONNECT packet (raw bytes, not hashed)
	Password []byte

	// ClientID from the MQTT CONNECT packet
	ClientID string

	// RemoteAddr is the client's network address
	RemoteAddr string

	// Protocol indicates the transport (mqtt, mqtts, ws)
	Protocol string

	// Cert is the client's TLS certificate (if using mTLS)
	Cert *x509.Certificate
}

// Handler defines authorization and notification callbacks for MQTT events.
//
// Authorization methods (AuthConnect, AuthPublish, AuthSubscribe) are called
// BEFORE forwarding packets. They can:
//   - Return a *ConnectError from AuthConnect to refuse with a return code
//   - Return ErrDrop from AuthPublish to discard a publish silently
//   - Return any other error to close the connection
//   - Modify mutable parameters (topic, payload, topics) via pointers
//
// Notification methods (OnConnect, OnPublish, etc.) are called AFTER successful
// actions. Errors from these methods are logged but don't prevent the action.
type Handler interface {
	// AuthConnect authorizes a client CONNECT.
	AuthConnect(ctx context.Context, hctx *Context) error

	// AuthPublish authorizes a PUBLISH. Upstream publishes come from the
	// client, downstream ones are deliveries from the broker.
	AuthPublish(ctx context.Context, hctx *Context, topic *string, payload *[]byte) error

	// AuthSubscribe authorizes a SUBSCRIBE, or a downstream delivery on a
	// concrete topic.
	AuthSubscribe(ctx context.Context, hctx *Context, topics *[]string) error

	// OnConnect is called after a successful connection is established.
	OnConnect(ctx context.Context, hctx *Context) error

	// OnPublish is called after a publish was forwarded.
	// Note: topic and payload are immutable copies (not pointers).
	OnPublish(ctx context.Context, hctx *Context, topic string, payload []byte) error

	// OnSubscribe is called after a subscription was forwarded.
	OnSubscribe(ctx context.Context, hctx *Context, topics []string) error

	// OnUnsubscribe is called after an unsubscription was forwarded.
	OnUnsubscribe(ctx context.Context, hctx *Context, topics []string) error

	// OnDisconnect is called when a client disconnects (gracefully or due to error).
	OnDisconnect(ctx context.Context, hctx *Context) error
}

// NoopHandler is a Handler implementation that allows all operations.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) AuthConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) AuthPublish(ctx context.Context, hctx *Context, topic *string, payload *[]byte) error {
	return nil
}

func (h *NoopHandler) AuthSubscribe(ctx context.Context, hctx *Context, topics *[]string) error {
	return nil
}

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnPublish(ctx context.Context, hctx *Context, topic string, payload []byte) error {
	return nil
}

func (h *NoopHandler) OnSubscribe(ctx context.Context, hctx *Context, topics []string) error {
	return nil
}

func (h *NoopHandler) OnUnsubscribe(ctx context.Context, hctx *Context, topics []string) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}
