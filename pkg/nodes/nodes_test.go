// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package nodes

import (
	"fmt"
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

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
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

func TestGetOrCreateSignalsJoinOnce(t *testing.T) {
	clk := newFakeClock()
	r := NewRegistry(clk.Now)
	var joins []string
	r.OnJoin = func(id string) { joins = append(joins, id) }

	n, created := r.GetOrCreate("!a")
	assert.True(t, created)
	assert.Equal(t, "!a", n.ID)
	assert.Zero(t, n.Latitude)
	assert.Zero(t, n.Longitude)
	assert.Equal(t, clk.Now(), n.LastUpdate)

	_, created = r.GetOrCreate("!a")
	assert.False(t, created)
	assert.Equal(t, []string{"!a"}, joins)
}

func TestPositionDedup(t *testing.T) {
	clk := newFakeClock()
	r := NewRegistry(clk.Now)
	timeout := 30 * time.Minute

	r.GetOrCreate("!a")
	assert.False(t, r.UpdatePosition("!a", 0, 0.0005, timeout), "small move inside timeout")

	n, _ := r.Get("!a")
	assert.Zero(t, n.Longitude, "rejected update must not mutate")

	clk.Advance(timeout + time.Second)
	assert.True(t, r.UpdatePosition("!a", 0, 0.0005, timeout), "same move after timeout")

	n, _ = r.Get("!a")
	assert.Equal(t, 0.0005, n.Longitude)
	assert.Equal(t, clk.Now(), n.LastUpdate)
}

func TestPositionSignificantMove(t *testing.T) {
	clk := newFakeClock()
	r := NewRegistry(clk.Now)

	r.GetOrCreate("!b")
	// Roughly 111 km per degree of latitude.
	assert.True(t, r.UpdatePosition("!b", 1.0, 0, time.Hour))
	assert.False(t, r.UpdatePosition("!b", 1.5, 0, time.Hour))
}

func TestShouldAccept(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	node := Node{ID: "x", Latitude: 52.52, Longitude: 13.405, LastUpdate: now.Add(-10 * time.Minute)}

	tests := []struct {
		name     string
		lat, lon float64
		timeout  time.Duration
		want     bool
	}{
		{"nearby, fresh", 52.53, 13.41, 30 * time.Minute, false},
		{"nearby, stale", 52.53, 13.41, 5 * time.Minute, true},
		{"far, fresh", 48.1351, 11.582, 30 * time.Minute, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldAccept(node, tt.lat, tt.lon, tt.timeout, now))
		})
	}
}

func TestDistance(t *testing.T) {
	// Berlin to Munich.
	assert.InDelta(t, 504, Distance(52.52, 13.405, 48.1351, 11.582), 2)
	assert.InDelta(t, 0, Distance(10, 10, 10, 10), 1e-9)
	assert.InDelta(t, 111.19, Distance(0, 0, 1, 0), 0.01)
}

func TestSweep(t *testing.T) {
	clk := newFakeClock()
	r := NewRegistry(clk.Now)
	var left []string
	r.OnLeave = func(id string) { left = append(left, id) }

	r.GetOrCreate("!quiet")
	r.GetOrCreate("!busy")
	clk.Advance(50 * time.Minute)
	assert.True(t, r.Touch("!busy"))
	assert.False(t, r.Touch("!unknown"))
	clk.Advance(20 * time.Minute)

	assert.Equal(t, []string{"!quiet"}, r.Sweep(time.Hour))
	assert.Equal(t, []string{"!quiet"}, left)
	assert.Empty(t, r.Sweep(time.Hour), "already inactive nodes are not reported again")
	assert.Nil(t, r.Sweep(0))
	assert.Equal(t, 2, r.Len())

	assert.True(t, r.Touch("!quiet"))
	n, ok := r.Get("!quiet")
	require.True(t, ok)
	assert.True(t, n.Active)
}

func TestRegistryConcurrent(t *testing.T) {
	r := NewRegistry(nil)
	var joins sync.Map
	r.OnJoin = func(id string) {
		_, dup := joins.LoadOrStore(id, true)
		assert.False(t, dup, "duplicate join for %s", id)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := fmt.Sprintf("!%d", j%10)
				r.UpdatePosition(id, float64(i), float64(j), time.Minute)
				r.Snapshot()
			}
		}(i)
	}
	wg.Wait()

	snap := r.Snapshot()
	require.Len(t, snap, 10)
	assert.Equal(t, "!0", snap[0].ID)
}

func TestBanlist(t *testing.T) {
	b := NewBanlist("!a")
	assert.True(t, b.Contains("!a"))
	assert.False(t, b.Add("!a"), "already banned")
	assert.True(t, b.Add("!b"))
	assert.Equal(t, []string{"!a", "!b"}, b.List())

	assert.True(t, b.Remove("!a"))
	assert.False(t, b.Remove("!a"))
	assert.False(t, b.Contains("!a"))

	b.Replace([]string{"!z"})
	assert.Equal(t, []string{"!z"}, b.List())
}
