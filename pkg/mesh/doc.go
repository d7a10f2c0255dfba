// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mesh decodes the Meshtastic MQTT wire format.
//
// # Envelope
//
// Gateways publish a ServiceEnvelope carrying a gateway id, a channel id and
// one MeshPacket. Decode parses the protobuf encoding directly with protowire
// and rejects envelopes missing any of those, or whose packet already carries
// a decoded payload.
//
// # Decryption
//
// Packet payloads are AES-CTR encrypted with a channel key. The nonce is the
// packet id as a little-endian uint64 followed by the sender as a
// little-endian uint32 and four zero bytes. Keys are 16 or 32 bytes, or a
// single byte selecting a variant of the well-known default key. Decrypter
// tries every configured key in order and accepts the first whose plaintext
// parses with a known port and a non-empty payload.
//
// # Payloads
//
// ParsePosition, ParseNodeInfo and ParseTelemetry decode the application
// payloads the gateway inspects.
package mesh
