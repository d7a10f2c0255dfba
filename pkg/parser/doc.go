// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package parser defines the interface for protocol-specific packet inspection.
//
// Parsers sit between the transport (TCP and WebSocket servers) and the
// handler, inspecting packets to extract credentials and authorize
// operations:
//
//	Upstream (Client → Broker):
//	  1. Read packet from client (r)
//	  2. Extract credentials, call handler.Auth* methods
//	  3. Forward to broker (w), or answer the client directly (back)
//
//	Downstream (Broker → Client):
//	  1. Read packet from broker (r)
//	  2. Authorize deliveries through the handler
//	  3. Forward to client (w), or answer the broker directly (back)
//
// Implementations:
//   - parser/mqtt: MQTT 3.1.1
//   - parser/websocket: MQTT over WebSocket, wrapping another parser
package parser
