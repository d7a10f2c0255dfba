// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecording(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Received()
	m.Received()
	m.Delivered()
	m.Filtered("banned")
	m.Decrypt(true)
	m.Decrypt(false)
	m.Decrypt(false)
	m.SetNodes(7)
	m.Connected(1)
	m.Connected(1)
	m.Connected(-1)
	m.AuthFailure("bad_credentials")
	m.Throttled("per_ip")
	m.Alert("security.node_ban", "fired")
	m.BreakerState("discord", 2)
	m.Reload(nil)
	m.Reload(errors.New("boom"))
	m.ObserveRequest("GET", "/api/nodes", 200, 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDelivered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesFiltered.WithLabelValues("banned")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DecryptAttempts.WithLabelValues("failure")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.NodesKnown))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClientsConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthFailures.WithLabelValues("bad_credentials")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimited.WithLabelValues("per_ip")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Alerts.WithLabelValues("security.node_ban", "fired")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("discord")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConfigReloads.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/api/nodes", "200")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Received()
		m.Delivered()
		m.Filtered("x")
		m.Decrypt(true)
		m.SetNodes(1)
		m.Connected(1)
		m.AuthFailure("x")
		m.Throttled("x")
		m.Alert("x", "y")
		m.BreakerState("x", 0)
		m.Reload(nil)
		m.ObserveRequest("GET", "/", 200, time.Second)
	})
}
