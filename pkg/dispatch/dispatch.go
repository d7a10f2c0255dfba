// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dispatch routes decrypted mesh payloads to per-port handlers.
package dispatch

import (
	"fmt"
	"log/slog"
	"time"

	perrors "github.com/absmach/meshgate/pkg/errors"
	"github.com/absmach/meshgate/pkg/mesh"
	"github.com/absmach/meshgate/pkg/nodes"
)

// Message is one decrypted packet ready for dispatch.
type Message struct {
	// NodeID is the node id taken from the publish topic.
	NodeID   string
	Envelope *mesh.Envelope
	Data     *mesh.Data
	// PositionTimeout is the minimum gap between accepted position updates.
	PositionTimeout time.Duration
}

// Dispatcher handles text, position, node info and telemetry payloads.
// Payloads that fail to parse are logged and otherwise ignored.
type Dispatcher struct {
	registry *nodes.Registry
	logger   *slog.Logger
}

// New returns a dispatcher that records positions in registry.
func New(registry *nodes.Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, logger: logger}
}

// Dispatch handles m by port. The only error it returns is
// ErrRejectedPosition, for position updates the registry did not accept.
func (d *Dispatcher) Dispatch(m Message) error {
	if m.Data == nil || m.Envelope == nil {
		return nil
	}
	switch m.Data.PortNum {
	case mesh.TextMessageApp:
		d.text(m)
	case mesh.PositionApp:
		return d.position(m)
	case mesh.NodeinfoApp:
		d.nodeInfo(m)
	case mesh.TelemetryApp:
		d.telemetry(m)
	}
	return nil
}

func (d *Dispatcher) attrs(m Message) []any {
	var from uint32
	if m.Envelope.Packet != nil {
		from = m.Envelope.Packet.From
	}
	return []any{
		slog.String("node", m.NodeID),
		slog.String("from", NodeID(from)),
		slog.String("gateway", m.Envelope.GatewayID),
		slog.String("channel", m.Envelope.ChannelID),
	}
}

func (d *Dispatcher) text(m Message) {
	d.logger.Info("text message", append(d.attrs(m), slog.String("text", string(m.Data.Payload)))...)
}

func (d *Dispatcher) position(m Message) error {
	pos, err := mesh.ParsePosition(m.Data.Payload)
	if err != nil {
		d.logger.Warn("failed to parse position", append(d.attrs(m), slog.String("error", err.Error()))...)
		return nil
	}
	lat, lon := pos.Latitude(), pos.Longitude()

	// Creation signals a join even when the first update is rejected.
	d.registry.GetOrCreate(m.NodeID)
	if !d.registry.UpdatePosition(m.NodeID, lat, lon, m.PositionTimeout) {
		d.logger.Debug("position update rejected", append(d.attrs(m),
			slog.Float64("latitude", lat), slog.Float64("longitude", lon))...)
		return perrors.ErrRejectedPosition
	}
	d.logger.Info("position update", append(d.attrs(m),
		slog.Float64("latitude", lat),
		slog.Float64("longitude", lon),
		slog.Int("altitude", int(pos.Altitude)))...)
	return nil
}

func (d *Dispatcher) nodeInfo(m Message) {
	info, err := mesh.ParseNodeInfo(m.Data.Payload)
	if err != nil {
		d.logger.Warn("failed to parse node info", append(d.attrs(m), slog.String("error", err.Error()))...)
		return
	}
	d.logger.Info("node info", append(d.attrs(m),
		slog.String("id", info.ID),
		slog.String("long_name", info.LongName),
		slog.String("short_name", info.ShortName),
		slog.Uint64("hw_model", uint64(info.HwModel)))...)
}

func (d *Dispatcher) telemetry(m Message) {
	t, err := mesh.ParseTelemetry(m.Data.Payload)
	if err != nil {
		d.logger.Warn("failed to parse telemetry", append(d.attrs(m), slog.String("error", err.Error()))...)
		return
	}
	switch {
	case t.Device != nil:
		d.logger.Info("device telemetry", append(d.attrs(m),
			slog.Uint64("battery_level", uint64(t.Device.BatteryLevel)),
			slog.Float64("voltage", float64(t.Device.Voltage)),
			slog.Float64("channel_utilization", float64(t.Device.ChannelUtilization)),
			slog.Float64("air_util_tx", float64(t.Device.AirUtilTx)))...)
	case t.Environment != nil:
		d.logger.Info("environment telemetry", append(d.attrs(m),
			slog.Float64("temperature", float64(t.Environment.Temperature)),
			slog.Float64("relative_humidity", float64(t.Environment.RelativeHumidity)),
			slog.Float64("barometric_pressure", float64(t.Environment.BarometricPressure)))...)
	default:
		d.logger.Debug("telemetry without known metrics", d.attrs(m)...)
	}
}

// NodeID formats a numeric node number the way mesh clients display it.
func NodeID(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}
