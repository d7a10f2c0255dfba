// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrInvalidEnvelope is returned by Decode for structurally invalid envelopes.
	ErrInvalidEnvelope = errors.New("invalid envelope")

	errNoGateway  = fmt.Errorf("%w: missing gateway id", ErrInvalidEnvelope)
	errNoChannel  = fmt.Errorf("%w: missing channel id", ErrInvalidEnvelope)
	errNoPacket   = fmt.Errorf("%w: missing packet", ErrInvalidEnvelope)
	errHasDecoded = fmt.Errorf("%w: packet carries a decoded payload", ErrInvalidEnvelope)
)

// Envelope is the outer message a gateway publishes to MQTT.
type Envelope struct {
	Packet    *Packet
	ChannelID string
	GatewayID string
}

// Packet is a mesh packet. Exactly one of Decoded and Encrypted is set on the wire.
type Packet struct {
	From      uint32
	To        uint32
	Channel   uint32
	Decoded   *Data
	Encrypted []byte
	ID        uint32
	RxTime    uint32
	RxSNR     float32
	HopLimit  uint32
	WantAck   bool
	Priority  uint32
	RxRSSI    int32
	HopStart  uint32
}

// Data is a decoded application payload.
type Data struct {
	PortNum      PortNum
	Payload      []byte
	WantResponse bool
	Dest         uint32
	Source       uint32
	RequestID    uint32
	ReplyID      uint32
	Emoji        uint32
	Bitfield     uint32
}

// Usable reports whether d looks like a successful decryption.
func (d *Data) Usable() bool {
	return d != nil && d.PortNum > UnknownApp && len(d.Payload) > 0
}

// Decode parses and validates an envelope.
//
// Valid envelopes name a gateway and a channel and carry a packet whose
// payload is still encrypted. Packets that arrive with a decoded payload are
// rejected.
func Decode(b []byte) (*Envelope, error) {
	env, err := unmarshalEnvelope(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// Validate checks the structural rules Decode enforces.
func (e *Envelope) Validate() error {
	switch {
	case e.GatewayID == "":
		return errNoGateway
	case e.ChannelID == "":
		return errNoChannel
	case e.Packet == nil:
		return errNoPacket
	case e.Packet.Decoded != nil:
		return errHasDecoded
	}
	return nil
}

func unmarshalEnvelope(b []byte) (*Envelope, error) {
	env := &Envelope{}
	err := walk(b, func(f field) error {
		switch f.Num {
		case 1:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			p, err := unmarshalPacket(f.Bytes)
			if err != nil {
				return fmt.Errorf("packet: %w", err)
			}
			env.Packet = p
		case 2:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			env.ChannelID = f.string()
		case 3:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			env.GatewayID = f.string()
		}
		return nil
	})
	return env, err
}

func unmarshalPacket(b []byte) (*Packet, error) {
	p := &Packet{}
	err := walk(b, func(f field) error {
		switch f.Num {
		case 1:
			p.From = f.Fixed32
		case 2:
			p.To = f.Fixed32
		case 3:
			p.Channel = uint32(f.Varint)
		case 4:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			d, err := UnmarshalData(f.Bytes)
			if err != nil {
				return fmt.Errorf("decoded: %w", err)
			}
			p.Decoded = d
		case 5:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			p.Encrypted = f.Bytes
		case 6:
			p.ID = f.Fixed32
		case 7:
			p.RxTime = f.Fixed32
		case 8:
			p.RxSNR = f.float32()
		case 9:
			p.HopLimit = uint32(f.Varint)
		case 10:
			p.WantAck = f.bool()
		case 11:
			p.Priority = uint32(f.Varint)
		case 12:
			p.RxRSSI = int32(f.Varint)
		case 15:
			p.HopStart = uint32(f.Varint)
		}
		return nil
	})
	return p, err
}

// UnmarshalData parses a decoded application payload.
func UnmarshalData(b []byte) (*Data, error) {
	d := &Data{}
	err := walk(b, func(f field) error {
		switch f.Num {
		case 1:
			d.PortNum = PortNum(f.Varint)
		case 2:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			d.Payload = f.Bytes
		case 3:
			d.WantResponse = f.bool()
		case 4:
			d.Dest = f.Fixed32
		case 5:
			d.Source = f.Fixed32
		case 6:
			d.RequestID = f.Fixed32
		case 7:
			d.ReplyID = f.Fixed32
		case 8:
			d.Emoji = f.Fixed32
		case 9:
			d.Bitfield = uint32(f.Varint)
		}
		return nil
	})
	return d, err
}

// Marshal encodes the envelope in wire format.
func (e *Envelope) Marshal() []byte {
	var b []byte
	if e.Packet != nil {
		b = appendMessage(b, 1, e.Packet.Marshal())
	}
	b = appendBytes(b, 2, []byte(e.ChannelID))
	b = appendBytes(b, 3, []byte(e.GatewayID))
	return b
}

// Marshal encodes the packet in wire format.
func (p *Packet) Marshal() []byte {
	var b []byte
	b = appendFixed32(b, 1, p.From)
	b = appendFixed32(b, 2, p.To)
	b = appendVarint(b, 3, uint64(p.Channel))
	if p.Decoded != nil {
		b = appendMessage(b, 4, p.Decoded.Marshal())
	}
	if p.Encrypted != nil {
		b = appendMessage(b, 5, p.Encrypted)
	}
	b = appendFixed32(b, 6, p.ID)
	b = appendFixed32(b, 7, p.RxTime)
	b = appendFloat(b, 8, p.RxSNR)
	b = appendVarint(b, 9, uint64(p.HopLimit))
	b = appendBool(b, 10, p.WantAck)
	b = appendVarint(b, 11, uint64(p.Priority))
	b = appendVarint(b, 12, uint64(int64(p.RxRSSI)))
	b = appendVarint(b, 15, uint64(p.HopStart))
	return b
}

// Marshal encodes the payload in wire format.
func (d *Data) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(d.PortNum))
	b = appendBytes(b, 2, d.Payload)
	b = appendBool(b, 3, d.WantResponse)
	b = appendFixed32(b, 4, d.Dest)
	b = appendFixed32(b, 5, d.Source)
	b = appendFixed32(b, 6, d.RequestID)
	b = appendFixed32(b, 7, d.ReplyID)
	b = appendFixed32(b, 8, d.Emoji)
	b = appendVarint(b, 9, uint64(d.Bitfield))
	return b
}
