// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/absmach/meshgate/pkg/handler"
	"github.com/absmach/meshgate/pkg/parser"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

// subackFailure is the SUBACK return code for a refused filter.
const subackFailure = 0x80

// ErrConnectRefused is returned after a refused CONNECT has been answered.
var ErrConnectRefused = errors.New("connection refused")

type dropKey struct {
	session string
	dir     parser.Direction
	id      uint16
}

// Parser implements the parser.Parser interface for MQTT 3.1.1.
//
// It remembers the ids of dropped QoS 2 publishes so their PUBREL can be
// completed locally.
type Parser struct {
	mu      sync.Mutex
	dropped map[dropKey]struct{}
}

var (
	_ parser.Parser   = (*Parser)(nil)
	_ parser.Releaser = (*Parser)(nil)
)

// New returns an MQTT parser.
func New() *Parser {
	return &Parser{dropped: make(map[dropKey]struct{})}
}

// Parse reads one MQTT packet from r and forwards it to w, or answers it on back.
func (p *Parser) Parse(ctx context.Context, r io.Reader, w, back io.Writer, dir parser.Direction, h handler.Handler, hctx *handler.Context) error {
	pkt, err := packets.ReadPacket(r)
	if err != nil {
		return err
	}

	var forward bool
	if dir == parser.Upstream {
		forward, err = p.handleUpstream(ctx, pkt, back, h, hctx)
	} else {
		forward, err = p.handleDownstream(ctx, pkt, back, h, hctx)
	}
	if err != nil || !forward {
		return err
	}

	if err := pkt.Write(w); err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}
	return nil
}

// Release forgets the dropped publish ids of a session.
func (p *Parser) Release(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.dropped {
		if k.session == sessionID {
			delete(p.dropped, k)
		}
	}
}

// handleUpstream processes client→broker packets.
func (p *Parser) handleUpstream(ctx context.Context, pkt packets.ControlPacket, back io.Writer, h handler.Handler, hctx *handler.Context) (bool, error) {
	switch packet := pkt.(type) {
	case *packets.ConnectPacket:
		return p.handleConnect(ctx, packet, back, h, hctx)

	case *packets.PublishPacket:
		return p.handlePublish(ctx, packet, back, h, hctx)

	case *packets.PubrelPacket:
		return p.completeDropped(packet.MessageID, parser.Upstream, back, hctx)

	case *packets.SubscribePacket:
		return p.handleSubscribe(ctx, packet, back, h, hctx)

	case *packets.UnsubscribePacket:
		topics := make([]string, len(packet.Topics))
		copy(topics, packet.Topics)
		_ = h.OnUnsubscribe(ctx, hctx, topics)
		return true, nil

	case *packets.DisconnectPacket:
		_ = h.OnDisconnect(ctx, hctx)
		return true, nil

	default:
		// PINGREQ, PUBACK, PUBREC, PUBCOMP are forwarded as-is
		return true, nil
	}
}

// handleDownstream processes broker→client packets. Deliveries on topics the
// session may not read are dropped; the broker is acknowledged on the
// client's behalf.
func (p *Parser) handleDownstream(ctx context.Context, pkt packets.ControlPacket, back io.Writer, h handler.Handler, hctx *handler.Context) (bool, error) {
	switch packet := pkt.(type) {
	case *packets.PublishPacket:
		topics := []string{packet.TopicName}
		if err := h.AuthSubscribe(ctx, hctx, &topics); err != nil {
			return false, p.ackDropped(packet, parser.Downstream, back, hctx)
		}
		return true, nil

	case *packets.PubrelPacket:
		return p.completeDropped(packet.MessageID, parser.Downstream, back, hctx)

	default:
		return true, nil
	}
}

// handleConnect authorizes a CONNECT. Refusals are answered with a CONNACK
// carrying the handler's return code and close the connection.
func (p *Parser) handleConnect(ctx context.Context, packet *packets.ConnectPacket, back io.Writer, h handler.Handler, hctx *handler.Context) (bool, error) {
	hctx.ClientID = packet.ClientIdentifier
	hctx.Username = packet.Username
	hctx.Password = packet.Password

	if err := h.AuthConnect(ctx, hctx); err != nil {
		connack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
		connack.ReturnCode = handler.ReturnCode(err)
		if werr := connack.Write(back); werr != nil {
			return false, fmt.Errorf("failed to write CONNACK: %w", werr)
		}
		return false, fmt.Errorf("%w: %w", ErrConnectRefused, err)
	}

	packet.ClientIdentifier = hctx.ClientID
	packet.Username = hctx.Username
	packet.Password = hctx.Password

	_ = h.OnConnect(ctx, hctx)
	return true, nil
}

// handlePublish authorizes a client PUBLISH. Dropped publishes are
// acknowledged to the client and never reach the broker.
func (p *Parser) handlePublish(ctx context.Context, packet *packets.PublishPacket, back io.Writer, h handler.Handler, hctx *handler.Context) (bool, error) {
	topic := packet.TopicName
	payload := packet.Payload

	if err := h.AuthPublish(ctx, hctx, &topic, &payload); err != nil {
		if errors.Is(err, handler.ErrDrop) {
			return false, p.ackDropped(packet, parser.Upstream, back, hctx)
		}
		return false, fmt.Errorf("publish authorization failed: %w", err)
	}

	packet.TopicName = topic
	packet.Payload = payload

	_ = h.OnPublish(ctx, hctx, topic, payload)
	return true, nil
}

// ackDropped sends the acknowledgement the receiver would have sent.
func (p *Parser) ackDropped(packet *packets.PublishPacket, dir parser.Direction, back io.Writer, hctx *handler.Context) error {
	switch packet.Qos {
	case 1:
		ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
		ack.MessageID = packet.MessageID
		return ack.Write(back)
	case 2:
		p.mu.Lock()
		p.dropped[dropKey{session: hctx.SessionID, dir: dir, id: packet.MessageID}] = struct{}{}
		p.mu.Unlock()
		rec := packets.NewControlPacket(packets.Pubrec).(*packets.PubrecPacket)
		rec.MessageID = packet.MessageID
		return rec.Write(back)
	}
	return nil
}

// completeDropped answers a PUBREL for a dropped QoS 2 publish with PUBCOMP.
// PUBRELs of forwarded publishes pass through.
func (p *Parser) completeDropped(id uint16, dir parser.Direction, back io.Writer, hctx *handler.Context) (bool, error) {
	key := dropKey{session: hctx.SessionID, dir: dir, id: id}
	p.mu.Lock()
	_, ok := p.dropped[key]
	delete(p.dropped, key)
	p.mu.Unlock()
	if !ok {
		return true, nil
	}
	comp := packets.NewControlPacket(packets.Pubcomp).(*packets.PubcompPacket)
	comp.MessageID = id
	return false, comp.Write(back)
}

// handleSubscribe authorizes every filter. If any is refused the whole
// SUBSCRIBE is answered locally with failure codes.
func (p *Parser) handleSubscribe(ctx context.Context, packet *packets.SubscribePacket, back io.Writer, h handler.Handler, hctx *handler.Context) (bool, error) {
	topics := make([]string, len(packet.Topics))
	copy(topics, packet.Topics)

	if err := h.AuthSubscribe(ctx, hctx, &topics); err != nil {
		suback := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
		suback.MessageID = packet.MessageID
		suback.ReturnCodes = make([]byte, len(packet.Topics))
		for i := range suback.ReturnCodes {
			suback.ReturnCodes[i] = subackFailure
		}
		return false, suback.Write(back)
	}

	packet.Topics = topics
	// Keep QoS entries aligned with a modified topic list.
	for len(packet.Qoss) < len(topics) {
		packet.Qoss = append(packet.Qoss, 0)
	}
	packet.Qoss = packet.Qoss[:len(topics)]

	_ = h.OnSubscribe(ctx, hctx, topics)
	return true, nil
}
