// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket carries MQTT over WebSocket through the proxy.
//
// The Parser is an http.Handler: it upgrades the client request, dials the
// broker's WebSocket endpoint with the "mqtt" subprotocol and runs the
// underlying MQTT parser over both connections. Conn turns the message
// oriented WebSocket into the byte stream the MQTT codec reads.
//
// The target URL's path is used when set; otherwise the request path is
// forwarded.
package websocket
