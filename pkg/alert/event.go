// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package alert

import (
	"context"
	"encoding/json"
	"time"
)

// Alert types.
const (
	TypeFailedLogin         = "security.failed_login_threshold"
	TypeNodeBan             = "security.node_ban"
	TypeRapidNodeJoins      = "security.rapid_node_joins"
	TypeRapidNodeLeaves     = "security.rapid_node_leaves"
	TypeHighMessageRate     = "system.high_message_rate"
	TypeHighNodeMessageRate = "system.high_node_message_rate"
	TypeHighErrorRate       = "system.high_error_rate"
	TypeSystemError         = "system.error"
	TypeServiceRestart      = "system.service_restart"
)

// Severity ranks alerts.
type Severity int

const (
	Low Severity = iota
	Medium
	High
	Critical
)

func (s Severity) String() string {
	switch s {
	case Low:
		return "Low"
	case Medium:
		return "Medium"
	case High:
		return "High"
	case Critical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// MarshalJSON encodes the severity by name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Event is a fired alert.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Severity  Severity       `json:"severity"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Sink delivers events to one notification channel.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string
	// Validate reports missing or invalid configuration. Sinks that fail
	// validation are skipped.
	Validate() error
	// Send delivers one event.
	Send(ctx context.Context, ev Event) error
}
