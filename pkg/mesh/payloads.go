// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const coordScale = 1e-7

// Position is the POSITION_APP payload.
type Position struct {
	LatitudeI     int32
	LongitudeI    int32
	Altitude      int32
	Time          uint32
	PDOP          uint32
	HDOP          uint32
	VDOP          uint32
	GroundSpeed   uint32
	SatsInView    uint32
	PrecisionBits uint32
}

// Latitude in degrees.
func (p *Position) Latitude() float64 { return float64(p.LatitudeI) * coordScale }

// Longitude in degrees.
func (p *Position) Longitude() float64 { return float64(p.LongitudeI) * coordScale }

// ParsePosition decodes a POSITION_APP payload.
func ParsePosition(b []byte) (*Position, error) {
	p := &Position{}
	err := walk(b, func(f field) error {
		switch f.Num {
		case 1:
			if err := expect(f, protowire.Fixed32Type); err != nil {
				return err
			}
			p.LatitudeI = int32(f.Fixed32)
		case 2:
			if err := expect(f, protowire.Fixed32Type); err != nil {
				return err
			}
			p.LongitudeI = int32(f.Fixed32)
		case 3:
			p.Altitude = int32(f.Varint)
		case 4:
			p.Time = f.Fixed32
		case 11:
			p.PDOP = uint32(f.Varint)
		case 12:
			p.HDOP = uint32(f.Varint)
		case 13:
			p.VDOP = uint32(f.Varint)
		case 15:
			p.GroundSpeed = uint32(f.Varint)
		case 19:
			p.SatsInView = uint32(f.Varint)
		case 23:
			p.PrecisionBits = uint32(f.Varint)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("position: %w", err)
	}
	return p, nil
}

// Marshal encodes the position in wire format.
func (p *Position) Marshal() []byte {
	var b []byte
	b = appendFixed32(b, 1, uint32(p.LatitudeI))
	b = appendFixed32(b, 2, uint32(p.LongitudeI))
	b = appendVarint(b, 3, uint64(int64(p.Altitude)))
	b = appendFixed32(b, 4, p.Time)
	b = appendVarint(b, 11, uint64(p.PDOP))
	b = appendVarint(b, 12, uint64(p.HDOP))
	b = appendVarint(b, 13, uint64(p.VDOP))
	b = appendVarint(b, 15, uint64(p.GroundSpeed))
	b = appendVarint(b, 19, uint64(p.SatsInView))
	b = appendVarint(b, 23, uint64(p.PrecisionBits))
	return b
}

// NodeInfo is the NODEINFO_APP payload, the node's user identity.
type NodeInfo struct {
	ID         string
	LongName   string
	ShortName  string
	MacAddr    []byte
	HwModel    uint32
	IsLicensed bool
	Role       uint32
	PublicKey  []byte
}

// ParseNodeInfo decodes a NODEINFO_APP payload.
func ParseNodeInfo(b []byte) (*NodeInfo, error) {
	n := &NodeInfo{}
	err := walk(b, func(f field) error {
		switch f.Num {
		case 1:
			n.ID = f.string()
		case 2:
			n.LongName = f.string()
		case 3:
			n.ShortName = f.string()
		case 4:
			n.MacAddr = f.Bytes
		case 5:
			n.HwModel = uint32(f.Varint)
		case 6:
			n.IsLicensed = f.bool()
		case 7:
			n.Role = uint32(f.Varint)
		case 8:
			n.PublicKey = f.Bytes
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("nodeinfo: %w", err)
	}
	return n, nil
}

// Marshal encodes the node info in wire format.
func (n *NodeInfo) Marshal() []byte {
	var b []byte
	b = appendBytes(b, 1, []byte(n.ID))
	b = appendBytes(b, 2, []byte(n.LongName))
	b = appendBytes(b, 3, []byte(n.ShortName))
	b = appendBytes(b, 4, n.MacAddr)
	b = appendVarint(b, 5, uint64(n.HwModel))
	b = appendBool(b, 6, n.IsLicensed)
	b = appendVarint(b, 7, uint64(n.Role))
	b = appendBytes(b, 8, n.PublicKey)
	return b
}

// DeviceMetrics is the device variant of a telemetry report.
type DeviceMetrics struct {
	BatteryLevel       uint32
	Voltage            float32
	ChannelUtilization float32
	AirUtilTx          float32
	UptimeSeconds      uint32
}

// EnvironmentMetrics is the environment variant of a telemetry report.
type EnvironmentMetrics struct {
	Temperature        float32
	RelativeHumidity   float32
	BarometricPressure float32
}

// Telemetry is the TELEMETRY_APP payload. At most one variant is set.
type Telemetry struct {
	Time        uint32
	Device      *DeviceMetrics
	Environment *EnvironmentMetrics
}

// ParseTelemetry decodes a TELEMETRY_APP payload.
func ParseTelemetry(b []byte) (*Telemetry, error) {
	t := &Telemetry{}
	err := walk(b, func(f field) error {
		switch f.Num {
		case 1:
			t.Time = f.Fixed32
		case 2:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			dm := &DeviceMetrics{}
			if err := walk(f.Bytes, func(f field) error {
				switch f.Num {
				case 1:
					dm.BatteryLevel = uint32(f.Varint)
				case 2:
					dm.Voltage = f.float32()
				case 3:
					dm.ChannelUtilization = f.float32()
				case 4:
					dm.AirUtilTx = f.float32()
				case 5:
					dm.UptimeSeconds = uint32(f.Varint)
				}
				return nil
			}); err != nil {
				return fmt.Errorf("device metrics: %w", err)
			}
			t.Device = dm
		case 3:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			em := &EnvironmentMetrics{}
			if err := walk(f.Bytes, func(f field) error {
				switch f.Num {
				case 1:
					em.Temperature = f.float32()
				case 2:
					em.RelativeHumidity = f.float32()
				case 3:
					em.BarometricPressure = f.float32()
				}
				return nil
			}); err != nil {
				return fmt.Errorf("environment metrics: %w", err)
			}
			t.Environment = em
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	return t, nil
}

// Marshal encodes the telemetry report in wire format.
func (t *Telemetry) Marshal() []byte {
	var b []byte
	b = appendFixed32(b, 1, t.Time)
	if dm := t.Device; dm != nil {
		var sub []byte
		sub = appendVarint(sub, 1, uint64(dm.BatteryLevel))
		sub = appendFloat(sub, 2, dm.Voltage)
		sub = appendFloat(sub, 3, dm.ChannelUtilization)
		sub = appendFloat(sub, 4, dm.AirUtilTx)
		sub = appendVarint(sub, 5, uint64(dm.UptimeSeconds))
		b = appendMessage(b, 2, sub)
	}
	if em := t.Environment; em != nil {
		var sub []byte
		sub = appendFloat(sub, 1, em.Temperature)
		sub = appendFloat(sub, 2, em.RelativeHumidity)
		sub = appendFloat(sub, 3, em.BarometricPressure)
		b = appendMessage(b, 3, sub)
	}
	return b
}
