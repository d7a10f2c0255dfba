// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the interface that links the MQTT proxy to the
// gateway's authorization and inspection logic.
//
// # Data Flow
//
//	Client → Parser (extracts auth) → Handler (authorizes) → Server → Broker
//	Broker → Server → Parser → Handler (authorizes delivery) → Client
//
// # Outcomes
//
// AuthConnect refusals carry an MQTT return code in a *ConnectError, which
// the parser writes back in a CONNACK before closing. AuthPublish returns
// ErrDrop for publishes the gateway filters: the parser acknowledges them to
// the sender and never forwards them, so a filtered publish looks successful
// to the client.
package handler
