// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package alert tracks security and system events against configured
// thresholds and hands the resulting alerts to notification sinks.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	// RateLimitWindow is the minimum gap between two alerts of the same type.
	RateLimitWindow = 5 * time.Minute

	hourLayout       = "2006-01-02-15"
	defaultQueueSize = 64
	sendTimeout      = 30 * time.Second
	tickInterval     = time.Minute
)

// Outcomes passed to Engine.OnResult.
const (
	OutcomeFired      = "fired"
	OutcomeSuppressed = "suppressed"
	OutcomeDropped    = "dropped"
)

// Stats are cumulative engine counters.
type Stats struct {
	Fired      uint64 `json:"fired"`
	Suppressed uint64 `json:"suppressed"`
	Dropped    uint64 `json:"dropped"`
	Delivered  uint64 `json:"delivered"`
	Failed     uint64 `json:"failed"`
}

// Engine decides when alerts fire. Record methods never block on delivery:
// events are queued and sent by Run.
type Engine struct {
	logger *slog.Logger
	now    func() time.Time
	queue  chan Event

	mu           sync.Mutex
	cfg          Config
	sinks        []Sink
	lastFired    map[string]time.Time
	failedLogins map[string][]time.Time
	joins        map[string]int
	leaves       map[string]int
	messages     int
	nodeMessages map[string]int
	minuteStart  time.Time
	errors       int
	hourStart    time.Time

	fired, suppressed, dropped, delivered, failed atomic.Uint64

	// OnResult is called with the alert type and one of the Outcome values.
	OnResult func(typ, outcome string)
	// OnDelivery is called once per sink send with its result.
	OnDelivery func(sink string, err error)
}

// NewEngine returns an engine. A nil now uses time.Now; queueSize <= 0 uses
// a small default.
func NewEngine(cfg Config, sinks []Sink, logger *slog.Logger, now func() time.Time, queueSize int) *Engine {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	start := now()
	return &Engine{
		logger:       logger,
		now:          now,
		queue:        make(chan Event, queueSize),
		cfg:          cfg,
		sinks:        sinks,
		lastFired:    make(map[string]time.Time),
		failedLogins: make(map[string][]time.Time),
		joins:        make(map[string]int),
		leaves:       make(map[string]int),
		nodeMessages: make(map[string]int),
		minuteStart:  start,
		hourStart:    start,
	}
}

// UpdateConfig swaps thresholds and gates. Counters are kept.
func (e *Engine) UpdateConfig(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

// UpdateSinks swaps the notification sinks.
func (e *Engine) UpdateSinks(sinks []Sink) {
	e.mu.Lock()
	e.sinks = sinks
	e.mu.Unlock()
}

// RecordFailedLogin counts a failed login from remote, which may carry a port.
func (e *Engine) RecordFailedLogin(remote, username, reason string) {
	ip := hostOf(remote)
	e.mu.Lock()
	if !e.cfg.Enabled {
		e.mu.Unlock()
		return
	}
	now := e.now()
	attempts := pruneHour(append(e.failedLogins[ip], now), now)
	e.failedLogins[ip] = attempts
	threshold := e.cfg.Security.FailedLoginThreshold

	var ev *Event
	if threshold > 0 && len(attempts) >= threshold {
		ev = &Event{
			Type:     TypeFailedLogin,
			Title:    "Failed Login Threshold Exceeded",
			Message:  fmt.Sprintf("IP %s has exceeded the failed login threshold with %d failed attempts in the last hour.", ip, len(attempts)),
			Severity: High,
			Metadata: map[string]any{
				"IP":             ip,
				"Username":       username,
				"Reason":         reason,
				"FailedAttempts": len(attempts),
				"Threshold":      threshold,
			},
		}
	}
	e.mu.Unlock()
	e.emit(ev)
}

// RecordNodeJoin counts a newly seen node in the current hour bucket.
func (e *Engine) RecordNodeJoin(nodeID string) {
	e.emit(e.countHourly(e.joins, nodeID, TypeRapidNodeJoins))
}

// RecordNodeLeave counts a node that went inactive in the current hour bucket.
func (e *Engine) RecordNodeLeave(nodeID string) {
	e.emit(e.countHourly(e.leaves, nodeID, TypeRapidNodeLeaves))
}

func (e *Engine) countHourly(buckets map[string]int, nodeID, typ string) *Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.cfg.Enabled {
		return nil
	}
	hour := e.now().UTC().Format(hourLayout)
	buckets[hour]++
	n := buckets[hour]

	threshold, word, key, title := e.cfg.Security.RapidNodeJoinsThreshold, "joins", "JoinsThisHour", "Rapid Node Joins Detected"
	if typ == TypeRapidNodeLeaves {
		threshold, word, key, title = e.cfg.Security.RapidNodeLeavesThreshold, "leaves", "LeavesThisHour", "Rapid Node Leaves Detected"
	}
	if threshold <= 0 || n < threshold {
		return nil
	}
	return &Event{
		Type:     typ,
		Title:    title,
		Message:  fmt.Sprintf("Detected %d node %s in the current hour, exceeding threshold of %d.", n, word, threshold),
		Severity: Medium,
		Metadata: map[string]any{
			key:            n,
			"Threshold":    threshold,
			"LatestNodeId": nodeID,
		},
	}
}

// RecordMessage counts one inbound message. nodeID may be empty when the
// sender is unknown.
func (e *Engine) RecordMessage(nodeID string) {
	e.mu.Lock()
	if !e.cfg.Enabled {
		e.mu.Unlock()
		return
	}
	e.messages++
	if nodeID != "" {
		e.nodeMessages[nodeID]++
	}
	evs := e.rollMinute(e.now())
	e.mu.Unlock()
	e.emit(evs...)
}

// rollMinute compares and resets the message counters once a minute has
// passed since the last reset. Callers hold e.mu.
func (e *Engine) rollMinute(now time.Time) []*Event {
	if now.Sub(e.minuteStart) <= time.Minute {
		return nil
	}
	var evs []*Event
	if t := e.cfg.System.MessageRateThreshold; t > 0 && e.messages >= t {
		evs = append(evs, &Event{
			Type:     TypeHighMessageRate,
			Title:    "High Message Rate Detected",
			Message:  fmt.Sprintf("Message rate of %d messages per minute exceeds threshold of %d.", e.messages, t),
			Severity: Medium,
			Metadata: map[string]any{
				"MessagesPerMinute": e.messages,
				"Threshold":         t,
			},
		})
	}
	if t := e.cfg.System.NodeMessageRateThreshold; t > 0 {
		var noisy []string
		for id, n := range e.nodeMessages {
			if n >= t {
				noisy = append(noisy, id)
			}
		}
		if len(noisy) > 0 {
			sort.Strings(noisy)
			rates := make(map[string]int, len(noisy))
			for _, id := range noisy {
				rates[id] = e.nodeMessages[id]
			}
			evs = append(evs, &Event{
				Type:     TypeHighNodeMessageRate,
				Title:    "High Node Message Rate Detected",
				Message:  fmt.Sprintf("%d node(s) exceeded %d messages per minute: %s.", len(noisy), t, strings.Join(noisy, ", ")),
				Severity: Medium,
				Metadata: map[string]any{
					"Nodes":     rates,
					"Threshold": t,
				},
			})
		}
	}
	e.messages = 0
	e.nodeMessages = make(map[string]int)
	e.minuteStart = now
	return evs
}

// RecordError counts a system error and, when enabled, raises an individual
// low severity alert for it.
func (e *Engine) RecordError(component string, err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	if !e.cfg.Enabled || !e.cfg.System.AlertOnSystemErrors {
		e.mu.Unlock()
		return
	}
	e.errors++
	evs := e.rollHour(e.now(), err.Error())
	e.mu.Unlock()

	msg := err.Error()
	if component != "" {
		msg = component + ": " + msg
	}
	evs = append(evs, &Event{
		Type:     TypeSystemError,
		Title:    "System Error Occurred",
		Message:  msg,
		Severity: Low,
		Metadata: map[string]any{
			"Component": component,
			"Error":     err.Error(),
		},
	})
	e.emit(evs...)
}

// rollHour compares and resets the error counter once an hour has passed
// since the last reset. Callers hold e.mu.
func (e *Engine) rollHour(now time.Time, latest string) []*Event {
	if now.Sub(e.hourStart) <= time.Hour {
		return nil
	}
	var evs []*Event
	if t := e.cfg.System.ErrorRateThreshold; t > 0 && e.errors >= t {
		evs = append(evs, &Event{
			Type:     TypeHighErrorRate,
			Title:    "High Error Rate Detected",
			Message:  fmt.Sprintf("Error rate of %d errors per hour exceeds threshold of %d.", e.errors, t),
			Severity: High,
			Metadata: map[string]any{
				"ErrorsPerHour": e.errors,
				"Threshold":     t,
				"LatestError":   latest,
			},
		})
	}
	e.errors = 0
	e.hourStart = now
	return evs
}

// NodeBanned raises a ban alert when enabled.
func (e *Engine) NodeBanned(nodeID, reason string) {
	e.mu.Lock()
	on := e.cfg.Enabled && e.cfg.Security.AlertOnNodeBan
	e.mu.Unlock()
	if !on {
		return
	}
	e.emit(&Event{
		Type:     TypeNodeBan,
		Title:    "Node Banned",
		Message:  fmt.Sprintf("Node %s has been banned. Reason: %s", nodeID, reason),
		Severity: Medium,
		Metadata: map[string]any{
			"NodeId": nodeID,
			"Reason": reason,
		},
	})
}

// ServiceRestarted raises a restart alert when enabled.
func (e *Engine) ServiceRestarted(reason string) {
	e.mu.Lock()
	on := e.cfg.Enabled && e.cfg.System.AlertOnServiceRestart
	e.mu.Unlock()
	if !on {
		return
	}
	e.emit(&Event{
		Type:     TypeServiceRestart,
		Title:    "Service Restart",
		Message:  fmt.Sprintf("Gateway service has been restarted. Reason: %s", reason),
		Severity: Medium,
		Metadata: map[string]any{
			"Reason":      reason,
			"RestartTime": e.now().UTC().Format("2006-01-02 15:04:05 UTC"),
		},
	})
}

// Tick runs the periodic rollovers and purges stale windows. Run calls it
// every minute.
func (e *Engine) Tick() {
	e.mu.Lock()
	now := e.now()
	var evs []*Event
	if e.cfg.Enabled {
		evs = append(e.rollMinute(now), e.rollHour(now, "")...)
	}

	for ip, attempts := range e.failedLogins {
		if attempts = pruneHour(attempts, now); len(attempts) == 0 {
			delete(e.failedLogins, ip)
		} else {
			e.failedLogins[ip] = attempts
		}
	}
	cur := now.UTC().Format(hourLayout)
	prev := now.UTC().Add(-time.Hour).Format(hourLayout)
	for _, buckets := range []map[string]int{e.joins, e.leaves} {
		for k := range buckets {
			if k != cur && k != prev {
				delete(buckets, k)
			}
		}
	}
	e.mu.Unlock()
	e.emit(evs...)
}

// emit applies the per-type rate limit and queues surviving events.
func (e *Engine) emit(evs ...*Event) {
	for _, ev := range evs {
		if ev == nil {
			continue
		}
		now := e.now()
		e.mu.Lock()
		last, seen := e.lastFired[ev.Type]
		if seen && now.Sub(last) < RateLimitWindow {
			e.mu.Unlock()
			e.suppressed.Add(1)
			e.result(ev.Type, OutcomeSuppressed)
			continue
		}
		ev.ID = uuid.NewString()
		ev.Timestamp = now.UTC()

		// The window starts only once the event is queued.
		queued := false
		select {
		case e.queue <- *ev:
			queued = true
			e.lastFired[ev.Type] = now
		default:
		}
		e.mu.Unlock()

		if queued {
			e.fired.Add(1)
			e.result(ev.Type, OutcomeFired)
			e.logger.Info("alert triggered", slog.String("type", ev.Type), slog.String("title", ev.Title))
		} else {
			e.dropped.Add(1)
			e.result(ev.Type, OutcomeDropped)
			e.logger.Warn("alert queue full, dropping event", slog.String("type", ev.Type))
		}
	}
}

func (e *Engine) result(typ, outcome string) {
	if e.OnResult != nil {
		e.OnResult(typ, outcome)
	}
}

// Run delivers queued events and drives Tick until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.Tick()
		case ev := <-e.queue:
			e.deliver(ctx, ev)
		}
	}
}

// deliver sends ev to every valid sink concurrently and waits for all of
// them. A failing sink does not affect the others.
func (e *Engine) deliver(ctx context.Context, ev Event) {
	e.mu.Lock()
	sinks := e.sinks
	e.mu.Unlock()

	var g errgroup.Group
	for _, s := range sinks {
		if err := s.Validate(); err != nil {
			e.logger.Warn("skipping notification sink with invalid configuration",
				slog.String("sink", s.Name()), slog.String("error", err.Error()))
			continue
		}
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, sendTimeout)
			defer cancel()
			err := s.Send(sctx, ev)
			if err != nil {
				e.failed.Add(1)
				e.logger.Error("failed to send alert",
					slog.String("sink", s.Name()), slog.String("type", ev.Type), slog.String("error", err.Error()))
			} else {
				e.delivered.Add(1)
			}
			if e.OnDelivery != nil {
				e.OnDelivery(s.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Stats returns the cumulative counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Fired:      e.fired.Load(),
		Suppressed: e.suppressed.Load(),
		Dropped:    e.dropped.Load(),
		Delivered:  e.delivered.Load(),
		Failed:     e.failed.Load(),
	}
}

func pruneHour(ts []time.Time, now time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if now.Sub(t) < time.Hour {
			kept = append(kept, t)
		}
	}
	return kept
}

func hostOf(remote string) string {
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	}
	return remote
}
