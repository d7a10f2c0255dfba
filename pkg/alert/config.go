// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package alert

// Provider declares a notification sink.
type Provider struct {
	Type    string            `yaml:"type"    json:"type"    validate:"required"`
	Enabled bool              `yaml:"enabled" json:"enabled"`
	Config  map[string]string `yaml:"config"  json:"config"`
}

// SecurityThresholds configures security alerts. Zero thresholds disable the alert.
type SecurityThresholds struct {
	FailedLoginThreshold     int  `yaml:"failedLoginThreshold"     json:"failedLoginThreshold"     validate:"min=0"`
	RapidNodeJoinsThreshold  int  `yaml:"rapidNodeJoinsThreshold"  json:"rapidNodeJoinsThreshold"  validate:"min=0"`
	RapidNodeLeavesThreshold int  `yaml:"rapidNodeLeavesThreshold" json:"rapidNodeLeavesThreshold" validate:"min=0"`
	AlertOnNodeBan           bool `yaml:"alertOnNodeBan"           json:"alertOnNodeBan"`
}

// SystemThresholds configures system alerts. Zero thresholds disable the alert.
type SystemThresholds struct {
	MessageRateThreshold     int  `yaml:"messageRateThreshold"     json:"messageRateThreshold"     validate:"min=0"`
	NodeMessageRateThreshold int  `yaml:"nodeMessageRateThreshold" json:"nodeMessageRateThreshold" validate:"min=0"`
	ErrorRateThreshold       int  `yaml:"errorRateThreshold"       json:"errorRateThreshold"       validate:"min=0"`
	AlertOnServiceRestart    bool `yaml:"alertOnServiceRestart"    json:"alertOnServiceRestart"`
	AlertOnSystemErrors      bool `yaml:"alertOnSystemErrors"      json:"alertOnSystemErrors"`
}

// Config is the alerting section of the policy file.
type Config struct {
	Enabled   bool               `yaml:"enabled"   json:"enabled"`
	Providers []Provider         `yaml:"providers" json:"providers" validate:"dive"`
	Security  SecurityThresholds `yaml:"security"  json:"security"`
	System    SystemThresholds   `yaml:"system"    json:"system"`
}

// DefaultConfig returns alerting disabled with the stock thresholds.
func DefaultConfig() Config {
	return Config{
		Security: SecurityThresholds{
			FailedLoginThreshold:     5,
			RapidNodeJoinsThreshold:  50,
			RapidNodeLeavesThreshold: 50,
			AlertOnNodeBan:           true,
		},
		System: SystemThresholds{
			MessageRateThreshold:     1000,
			NodeMessageRateThreshold: 100,
			ErrorRateThreshold:       10,
			AlertOnServiceRestart:    true,
			AlertOnSystemErrors:      true,
		},
	}
}
