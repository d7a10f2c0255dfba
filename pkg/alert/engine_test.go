// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	name    string
	invalid error
	fail    error

	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Name() string    { return s.name }
func (s *recordingSink) Validate() error { return s.invalid }

func (s *recordingSink) Send(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.fail
}

func (s *recordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func enabledConfig() Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	return cfg
}

func newTestEngine(cfg Config, sinks ...Sink) (*Engine, *fakeClock) {
	clk := &fakeClock{t: time.Date(2025, 3, 12, 14, 10, 0, 0, time.UTC)}
	return NewEngine(cfg, sinks, nil, clk.Now, 16), clk
}

// flush delivers everything queued so far.
func flush(e *Engine) {
	for {
		select {
		case ev := <-e.queue:
			e.deliver(context.Background(), ev)
		default:
			return
		}
	}
}

func types(evs []Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestNodeBanRateLimit(t *testing.T) {
	cases := []struct {
		name string
		gap  time.Duration
		want int
	}{
		{"one minute apart", time.Minute, 1},
		{"six minutes apart", 6 * time.Minute, 2},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sink := &recordingSink{name: "rec"}
			e, clk := newTestEngine(enabledConfig(), sink)

			e.NodeBanned("!a", "spam")
			clk.Advance(tc.gap)
			e.NodeBanned("!b", "spam")
			flush(e)

			assert.Len(t, sink.Events(), tc.want)
		})
	}
}

func TestRateLimitIsPerType(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	e, _ := newTestEngine(enabledConfig(), sink)

	e.NodeBanned("!a", "spam")
	e.ServiceRestarted("deploy")
	e.NodeBanned("!b", "spam")
	flush(e)

	assert.Equal(t, []string{TypeNodeBan, TypeServiceRestart}, types(sink.Events()))
	assert.Equal(t, uint64(1), e.Stats().Suppressed)
}

func TestFailedLoginThreshold(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	e, clk := newTestEngine(enabledConfig(), sink)

	for i := 0; i < 4; i++ {
		e.RecordFailedLogin("10.0.0.1:5000", "bob", "bad password")
	}
	e.RecordFailedLogin("10.0.0.2:5000", "bob", "bad password")
	flush(e)
	assert.Empty(t, sink.Events())

	e.RecordFailedLogin("10.0.0.1:6000", "bob", "bad password")
	flush(e)
	evs := sink.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, TypeFailedLogin, evs[0].Type)
	assert.Equal(t, High, evs[0].Severity)
	assert.Equal(t, "10.0.0.1", evs[0].Metadata["IP"])
	assert.Equal(t, 5, evs[0].Metadata["FailedAttempts"])
	assert.NotEmpty(t, evs[0].ID)

	// Attempts older than an hour are pruned.
	clk.Advance(61 * time.Minute)
	e.RecordFailedLogin("10.0.0.1", "bob", "bad password")
	flush(e)
	assert.Len(t, sink.Events(), 1)
}

func TestRapidNodeJoins(t *testing.T) {
	cfg := enabledConfig()
	cfg.Security.RapidNodeJoinsThreshold = 3
	sink := &recordingSink{name: "rec"}
	e, clk := newTestEngine(cfg, sink)

	e.RecordNodeJoin("!1")
	e.RecordNodeJoin("!2")
	// New hour bucket starts from zero.
	clk.Advance(time.Hour)
	e.RecordNodeJoin("!3")
	flush(e)
	assert.Empty(t, sink.Events())

	e.RecordNodeJoin("!4")
	e.RecordNodeJoin("!5")
	flush(e)
	evs := sink.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, TypeRapidNodeJoins, evs[0].Type)
	assert.Equal(t, "!5", evs[0].Metadata["LatestNodeId"])
	assert.Equal(t, 3, evs[0].Metadata["JoinsThisHour"])
}

func TestStaleHourBucketsArePurged(t *testing.T) {
	e, clk := newTestEngine(enabledConfig())
	e.RecordNodeLeave("!1")
	clk.Advance(time.Hour)
	e.RecordNodeLeave("!2")
	clk.Advance(time.Hour)
	e.Tick()

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Len(t, e.leaves, 1)
}

func TestMessageRateComparedAtRollover(t *testing.T) {
	cfg := enabledConfig()
	cfg.System.MessageRateThreshold = 5
	cfg.System.NodeMessageRateThreshold = 3
	sink := &recordingSink{name: "rec"}
	e, clk := newTestEngine(cfg, sink)

	for i := 0; i < 5; i++ {
		e.RecordMessage("!noisy")
	}
	e.RecordMessage("!quiet")
	flush(e)
	assert.Empty(t, sink.Events(), "nothing fires before the minute rolls over")

	clk.Advance(61 * time.Second)
	e.Tick()
	flush(e)

	evs := sink.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, []string{TypeHighMessageRate, TypeHighNodeMessageRate}, types(evs))
	assert.Equal(t, 6, evs[0].Metadata["MessagesPerMinute"])
	assert.Equal(t, map[string]int{"!noisy": 5}, evs[1].Metadata["Nodes"])
}

func TestSystemErrors(t *testing.T) {
	cfg := enabledConfig()
	cfg.System.ErrorRateThreshold = 2
	sink := &recordingSink{name: "rec"}
	e, clk := newTestEngine(cfg, sink)

	e.RecordError("pipeline", errors.New("boom"))
	e.RecordError("pipeline", nil)
	e.RecordError("pipeline", errors.New("again"))
	flush(e)
	evs := sink.Events()
	require.Len(t, evs, 1, "second individual error is rate limited")
	assert.Equal(t, TypeSystemError, evs[0].Type)
	assert.Equal(t, "pipeline: boom", evs[0].Message)
	assert.Equal(t, Low, evs[0].Severity)

	clk.Advance(61 * time.Minute)
	e.RecordError("pipeline", errors.New("third"))
	flush(e)
	assert.Equal(t, []string{TypeSystemError, TypeHighErrorRate, TypeSystemError}, types(sink.Events()))
}

func TestGates(t *testing.T) {
	sink := &recordingSink{name: "rec"}

	e, _ := newTestEngine(DefaultConfig(), sink)
	e.NodeBanned("!a", "x")
	e.ServiceRestarted("x")
	e.RecordError("x", errors.New("x"))
	for i := 0; i < 10; i++ {
		e.RecordFailedLogin("1.2.3.4", "u", "x")
	}
	flush(e)
	assert.Empty(t, sink.Events(), "disabled engine emits nothing")

	cfg := enabledConfig()
	cfg.Security.AlertOnNodeBan = false
	cfg.System.AlertOnServiceRestart = false
	cfg.System.AlertOnSystemErrors = false
	e.UpdateConfig(cfg)
	e.NodeBanned("!a", "x")
	e.ServiceRestarted("x")
	e.RecordError("x", errors.New("x"))
	flush(e)
	assert.Empty(t, sink.Events())
}

func TestZeroThresholdDisables(t *testing.T) {
	cfg := enabledConfig()
	cfg.Security.FailedLoginThreshold = 0
	sink := &recordingSink{name: "rec"}
	e, _ := newTestEngine(cfg, sink)

	e.RecordFailedLogin("1.2.3.4", "u", "x")
	flush(e)
	assert.Empty(t, sink.Events())
}

func TestDeliverySkipsInvalidAndIsolatesFailures(t *testing.T) {
	good := &recordingSink{name: "good"}
	broken := &recordingSink{name: "broken", fail: errors.New("http 500")}
	invalid := &recordingSink{name: "invalid", invalid: errors.New("missing WebhookUrl")}
	e, _ := newTestEngine(enabledConfig(), good, broken, invalid)

	var mu sync.Mutex
	results := map[string]error{}
	e.OnDelivery = func(sink string, err error) {
		mu.Lock()
		results[sink] = err
		mu.Unlock()
	}

	e.NodeBanned("!a", "x")
	flush(e)

	assert.Len(t, good.Events(), 1)
	assert.Len(t, broken.Events(), 1)
	assert.Empty(t, invalid.Events())
	assert.NoError(t, results["good"])
	assert.Error(t, results["broken"])
	assert.NotContains(t, results, "invalid")

	st := e.Stats()
	assert.Equal(t, uint64(1), st.Delivered)
	assert.Equal(t, uint64(1), st.Failed)
}

func TestQueueFullDrops(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	e := NewEngine(enabledConfig(), nil, nil, clk.Now, 1)
	var outcomes []string
	e.OnResult = func(_, outcome string) { outcomes = append(outcomes, outcome) }

	e.NodeBanned("!a", "x")
	e.ServiceRestarted("x")

	assert.Equal(t, []string{OutcomeFired, OutcomeDropped}, outcomes)
	assert.Equal(t, uint64(1), e.Stats().Dropped)
}

func TestDroppedEventDoesNotSuppressType(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	clk := &fakeClock{t: time.Now()}
	e := NewEngine(enabledConfig(), []Sink{sink}, nil, clk.Now, 1)

	e.ServiceRestarted("x")
	e.NodeBanned("!a", "spam")
	assert.Equal(t, uint64(1), e.Stats().Dropped)

	flush(e)
	e.NodeBanned("!b", "spam")
	flush(e)

	assert.Equal(t, []string{TypeServiceRestart, TypeNodeBan}, types(sink.Events()))
	assert.Equal(t, uint64(0), e.Stats().Suppressed)
}

func TestRunDelivers(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	e, _ := newTestEngine(enabledConfig(), sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	e.ServiceRestarted("startup")
	assert.Eventually(t, func() bool { return len(sink.Events()) == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestSeverityJSON(t *testing.T) {
	b, err := High.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"High"`, string(b))
	assert.Equal(t, "Unknown", Severity(9).String())
}
