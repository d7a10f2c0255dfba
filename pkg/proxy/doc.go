// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy wires servers, parsers and a handler into runnable MQTT
// proxies.
//
//   - MQTTProxy: MQTT over TCP, or TLS when TLSConfig is set
//   - WebSocketProxy: MQTT over WebSocket, forwarded to the broker's
//     WebSocket endpoint
//
// Both take the same handler.Handler, so one gateway authorizes every
// transport. handler.Context.Protocol tells them apart.
//
//	g, ctx := errgroup.WithContext(ctx)
//	g.Go(func() error { return mqttProxy.Listen(ctx) })
//	g.Go(func() error { return wsProxy.Listen(ctx) })
//
// Listen blocks until ctx is cancelled and then drains sessions for up to
// ShutdownTimeout.
package proxy
