// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package parser

import (
	"context"
	"io"

	"github.com/absmach/meshgate/pkg/handler"
)

// Direction indicates the direction of packet flow.
type Direction int

const (
	// Upstream represents packets flowing from client to broker.
	Upstream Direction = iota

	// Downstream represents packets flowing from broker to client.
	Downstream
)

// String returns a string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Upstream:
		return "upstream"
	case Downstream:
		return "downstream"
	default:
		return "unknown"
	}
}

// Parser handles protocol-specific packet processing.
//
// Parse is called in a loop for each direction of a connection. Each call
// reads exactly one packet from r and either forwards it to w or answers it
// on back, the writer towards the side the packet came from. Answering on
// back is how the parser refuses a CONNECT or acknowledges a dropped
// publish without involving the other side.
//
// Parse returns io.EOF for clean closure and any other error to close the
// connection. Both directions of one connection run concurrently, so w and
// back must be safe for concurrent writes.
type Parser interface {
	Parse(ctx context.Context, r io.Reader, w, back io.Writer, dir Direction, h handler.Handler, hctx *handler.Context) error
}

// Releaser is implemented by parsers that keep per-session state. Servers
// call Release once a connection has fully closed.
type Releaser interface {
	Release(sessionID string)
}
