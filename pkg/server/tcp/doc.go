// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the TCP front of the MQTT proxy.
//
// Every accepted client is paired with a fresh broker connection and two
// goroutines run the parser over the pair:
//
//	Upstream:   parser.Parse(ctx, client, broker, client, Upstream, h, hctx)
//	Downstream: parser.Parse(ctx, broker, client, broker, Downstream, h, hctx)
//
// The third writer is the "back" channel a parser uses to answer the sender
// directly, for example to acknowledge a dropped publish. Writes to each
// connection are serialized since both goroutines may write to it.
//
// When either direction ends both connections are closed, the handler's
// OnDisconnect runs and parsers that implement parser.Releaser drop their
// per-session state.
//
// Cancelling the Listen context stops accepting and drains open sessions for
// up to ShutdownTimeout, after which they are closed and ErrShutdownTimeout
// is returned. MaxConnections rejects clients beyond the cap at accept time.
package tcp
