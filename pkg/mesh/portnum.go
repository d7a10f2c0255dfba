// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mesh

import "strconv"

// PortNum selects the application schema of a decoded payload.
type PortNum uint32

const (
	UnknownApp         PortNum = 0
	TextMessageApp     PortNum = 1
	RemoteHardwareApp  PortNum = 2
	PositionApp        PortNum = 3
	NodeinfoApp        PortNum = 4
	RoutingApp         PortNum = 5
	AdminApp           PortNum = 6
	TextCompressedApp  PortNum = 7
	WaypointApp        PortNum = 8
	AudioApp           PortNum = 9
	DetectionSensorApp PortNum = 10
	ReplyApp           PortNum = 32
	IPTunnelApp        PortNum = 33
	PaxcounterApp      PortNum = 34
	SerialApp          PortNum = 64
	StoreForwardApp    PortNum = 65
	RangeTestApp       PortNum = 66
	TelemetryApp       PortNum = 67
	ZPSApp             PortNum = 68
	SimulatorApp       PortNum = 69
	TracerouteApp      PortNum = 70
	NeighborinfoApp    PortNum = 71
	AtakPluginApp      PortNum = 72
	MapReportApp       PortNum = 73
	PowerstressApp     PortNum = 74
	PrivateApp         PortNum = 256
	AtakForwarderApp   PortNum = 257
	MaxPortNum         PortNum = 511
)

var portNames = map[PortNum]string{
	UnknownApp:         "UNKNOWN_APP",
	TextMessageApp:     "TEXT_MESSAGE_APP",
	RemoteHardwareApp:  "REMOTE_HARDWARE_APP",
	PositionApp:        "POSITION_APP",
	NodeinfoApp:        "NODEINFO_APP",
	RoutingApp:         "ROUTING_APP",
	AdminApp:           "ADMIN_APP",
	TextCompressedApp:  "TEXT_MESSAGE_COMPRESSED_APP",
	WaypointApp:        "WAYPOINT_APP",
	AudioApp:           "AUDIO_APP",
	DetectionSensorApp: "DETECTION_SENSOR_APP",
	ReplyApp:           "REPLY_APP",
	IPTunnelApp:        "IP_TUNNEL_APP",
	PaxcounterApp:      "PAXCOUNTER_APP",
	SerialApp:          "SERIAL_APP",
	StoreForwardApp:    "STORE_FORWARD_APP",
	RangeTestApp:       "RANGE_TEST_APP",
	TelemetryApp:       "TELEMETRY_APP",
	ZPSApp:             "ZPS_APP",
	SimulatorApp:       "SIMULATOR_APP",
	TracerouteApp:      "TRACEROUTE_APP",
	NeighborinfoApp:    "NEIGHBORINFO_APP",
	AtakPluginApp:      "ATAK_PLUGIN",
	MapReportApp:       "MAP_REPORT_APP",
	PowerstressApp:     "POWERSTRESS_APP",
	PrivateApp:         "PRIVATE_APP",
	AtakForwarderApp:   "ATAK_FORWARDER",
	MaxPortNum:         "MAX",
}

func (p PortNum) String() string {
	if s, ok := portNames[p]; ok {
		return s
	}
	return "PORT_" + strconv.FormatUint(uint64(p), 10)
}
