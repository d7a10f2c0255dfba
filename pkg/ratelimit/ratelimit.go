// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles connection attempts with token buckets.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimitExceeded is returned when rate limit is exceeded.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// TokenBucket implements the token bucket algorithm.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket returns a full bucket holding capacity tokens and refilling
// refillRate tokens per second. A nil now uses time.Now.
func NewTokenBucket(capacity int64, refillRate float64, now func() time.Time) *TokenBucket {
	if now == nil {
		now = time.Now
	}
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: now(),
		now:        now,
	}
}

// Allow takes one token if available.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN takes n tokens if available.
func (tb *TokenBucket) AllowN(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= float64(n) {
		tb.tokens -= float64(n)
		return true
	}
	return false
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

// Available returns the number of whole tokens left.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return int64(tb.tokens)
}

type bucket struct {
	tb       *TokenBucket
	lastSeen time.Time
}

// Limiter keeps one bucket per key, such as a remote IP.
type Limiter struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	capacity   int64
	refillRate float64
	maxKeys    int
	now        func() time.Time
}

// NewLimiter returns a per-key limiter tracking at most maxKeys keys. New keys
// beyond that are refused until Cleanup frees room. maxKeys <= 0 uses 10000.
func NewLimiter(capacity int64, refillRate float64, maxKeys int, now func() time.Time) *Limiter {
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		buckets:    make(map[string]*bucket),
		capacity:   capacity,
		refillRate: refillRate,
		maxKeys:    maxKeys,
		now:        now,
	}
}

// Allow takes one token from key's bucket.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.mu.Unlock()
			return false
		}
		b = &bucket{tb: NewTokenBucket(l.capacity, l.refillRate, l.now)}
		l.buckets[key] = b
	}
	b.lastSeen = l.now()
	l.mu.Unlock()

	return b.tb.Allow()
}

// Remove forgets key.
func (l *Limiter) Remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Cleanup forgets keys not seen within idle and returns how many it removed.
func (l *Limiter) Cleanup(idle time.Duration) int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > idle {
			delete(l.buckets, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Limiter names reported by Throttle.
const (
	Global = "global"
	PerIP  = "per_ip"
)

// Throttle combines a per-key limiter with a global bucket.
type Throttle struct {
	perKey *Limiter
	global *TokenBucket
}

// ThrottleConfig sizes a Throttle. Zero capacities disable that limit.
type ThrottleConfig struct {
	PerIPBurst  int64
	PerIPRate   float64
	GlobalBurst int64
	GlobalRate  float64
	MaxKeys     int
	Now         func() time.Time
}

// NewThrottle returns a throttle, or nil when both limits are disabled.
// A nil *Throttle allows everything.
func NewThrottle(cfg ThrottleConfig) *Throttle {
	t := &Throttle{}
	if cfg.PerIPBurst > 0 {
		t.perKey = NewLimiter(cfg.PerIPBurst, cfg.PerIPRate, cfg.MaxKeys, cfg.Now)
	}
	if cfg.GlobalBurst > 0 {
		t.global = NewTokenBucket(cfg.GlobalBurst, cfg.GlobalRate, cfg.Now)
	}
	if t.perKey == nil && t.global == nil {
		return nil
	}
	return t
}

// Allow checks key against its own bucket first, then the global one. When
// refused it names the limiter that refused.
func (t *Throttle) Allow(key string) (bool, string) {
	if t == nil {
		return true, ""
	}
	if t.perKey != nil && !t.perKey.Allow(key) {
		return false, PerIP
	}
	if t.global != nil && !t.global.Allow() {
		return false, Global
	}
	return true, ""
}

// Cleanup drops idle per-key buckets.
func (t *Throttle) Cleanup(idle time.Duration) int {
	if t == nil || t.perKey == nil {
		return 0
	}
	return t.perKey.Cleanup(idle)
}
