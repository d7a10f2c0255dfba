// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	perrors "github.com/absmach/meshgate/pkg/errors"
	"github.com/absmach/meshgate/pkg/mesh"
	"github.com/absmach/meshgate/pkg/nodes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDispatcher(now func() time.Time) (*Dispatcher, *nodes.Registry, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	reg := nodes.NewRegistry(now)
	return New(reg, logger), reg, &buf
}

func message(port mesh.PortNum, payload []byte) Message {
	return Message{
		NodeID: "!0000abcd",
		Envelope: &mesh.Envelope{
			GatewayID: "!0000abcd",
			ChannelID: "LongFast",
			Packet:    &mesh.Packet{From: 0xabcd, ID: 7},
		},
		Data:            &mesh.Data{PortNum: port, Payload: payload},
		PositionTimeout: 30 * time.Minute,
	}
}

func TestPosition(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d, reg, _ := newDispatcher(func() time.Time { return now })

	berlin := (&mesh.Position{LatitudeI: 525200000, LongitudeI: 134050000}).Marshal()
	require.NoError(t, d.Dispatch(message(mesh.PositionApp, berlin)))

	n, ok := reg.Get("!0000abcd")
	require.True(t, ok)
	assert.InDelta(t, 52.52, n.Latitude, 1e-6)
	assert.InDelta(t, 13.405, n.Longitude, 1e-6)

	nearby := (&mesh.Position{LatitudeI: 525210000, LongitudeI: 134050000}).Marshal()
	assert.ErrorIs(t, d.Dispatch(message(mesh.PositionApp, nearby)), perrors.ErrRejectedPosition)

	n, _ = reg.Get("!0000abcd")
	assert.InDelta(t, 52.52, n.Latitude, 1e-6, "rejected update leaves node unchanged")
}

func TestFirstSmallPositionRejected(t *testing.T) {
	d, reg, _ := newDispatcher(nil)
	joins := 0
	reg.OnJoin = func(string) { joins++ }

	tiny := (&mesh.Position{LatitudeI: 10, LongitudeI: 10}).Marshal()
	assert.ErrorIs(t, d.Dispatch(message(mesh.PositionApp, tiny)), perrors.ErrRejectedPosition)
	assert.Equal(t, 1, joins)
	assert.Equal(t, 1, reg.Len())
}

func TestMalformedPayloadsTolerated(t *testing.T) {
	d, reg, buf := newDispatcher(nil)
	garbage := []byte{0xff, 0xff, 0xff}

	for _, port := range []mesh.PortNum{mesh.PositionApp, mesh.NodeinfoApp, mesh.TelemetryApp} {
		assert.NotPanics(t, func() {
			assert.NoError(t, d.Dispatch(message(port, garbage)))
		})
	}
	assert.Zero(t, reg.Len())
	assert.Contains(t, buf.String(), "failed to parse position")
	assert.Contains(t, buf.String(), "failed to parse telemetry")
}

func TestLoggingPorts(t *testing.T) {
	d, reg, buf := newDispatcher(nil)

	require.NoError(t, d.Dispatch(message(mesh.TextMessageApp, []byte("hello mesh"))))
	info := (&mesh.NodeInfo{ID: "!0000abcd", LongName: "Base Camp", ShortName: "BC"}).Marshal()
	require.NoError(t, d.Dispatch(message(mesh.NodeinfoApp, info)))
	tel := (&mesh.Telemetry{Device: &mesh.DeviceMetrics{BatteryLevel: 90, ChannelUtilization: 12.5, AirUtilTx: 1.5}}).Marshal()
	require.NoError(t, d.Dispatch(message(mesh.TelemetryApp, tel)))
	require.NoError(t, d.Dispatch(message(mesh.RangeTestApp, []byte("x"))))

	out := buf.String()
	assert.Contains(t, out, "hello mesh")
	assert.Contains(t, out, "Base Camp")
	assert.Contains(t, out, "channel_utilization=12.5")
	assert.Contains(t, out, "from=!0000abcd")
	assert.Zero(t, reg.Len(), "non-position ports do not touch the registry")
}

func TestNilMessage(t *testing.T) {
	d, _, _ := newDispatcher(nil)
	assert.NoError(t, d.Dispatch(Message{}))
}

func TestNodeID(t *testing.T) {
	assert.Equal(t, "!deadbeef", NodeID(0xdeadbeef))
	assert.Equal(t, "!00000001", NodeID(1))
}
