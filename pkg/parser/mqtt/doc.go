// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt implements the MQTT 3.1.1 parser of the meshgate proxy, using
// the eclipse/paho.mqtt.golang packet codec.
//
// # Upstream (Client → Broker)
//
//   - CONNECT: extracts credentials, calls AuthConnect. A refusal is answered
//     with a CONNACK carrying the return code and the connection closes.
//   - PUBLISH: calls AuthPublish. handler.ErrDrop keeps the publish from the
//     broker; QoS 1 gets a PUBACK and QoS 2 a PUBREC from the proxy, and the
//     following PUBREL is completed locally.
//   - SUBSCRIBE: calls AuthSubscribe. A refusal is answered with a SUBACK of
//     failure codes for every filter.
//   - UNSUBSCRIBE, DISCONNECT: notifications only.
//
// # Downstream (Broker → Client)
//
//   - PUBLISH: calls AuthSubscribe with the concrete topic. Refused
//     deliveries are dropped and acknowledged to the broker.
//   - Everything else is forwarded unchanged.
package mqtt
