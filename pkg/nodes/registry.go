// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package nodes keeps the last known state of mesh nodes and the banlist.
package nodes

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	earthRadiusKm = 6371.0

	// SignificantMoveKm is the distance past which a position update is
	// accepted regardless of the timeout.
	SignificantMoveKm = 100.0
)

// Node is the last known state of a mesh node.
type Node struct {
	ID         string    `json:"id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	LastUpdate time.Time `json:"lastUpdate"`
	LastHeard  time.Time `json:"lastHeard"`
	Active     bool      `json:"active"`
}

type entry struct {
	mu   sync.Mutex
	node Node
}

// Registry holds nodes keyed by id. Each node has its own lock so updates to
// different nodes do not contend.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*entry
	now   func() time.Time

	// OnJoin is called once per node, when it is first seen.
	OnJoin func(id string)
	// OnLeave is called by Sweep for nodes that went quiet.
	OnLeave func(id string)
}

// NewRegistry returns an empty registry reading time from now. A nil now uses time.Now.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		nodes: make(map[string]*entry),
		now:   now,
	}
}

// GetOrCreate returns the node, creating it at (0,0) with the current time if
// it is unknown. created is true only for the call that created it.
func (r *Registry) GetOrCreate(id string) (node Node, created bool) {
	e, created := r.entry(id)
	e.mu.Lock()
	node = e.node
	e.mu.Unlock()
	return node, created
}

func (r *Registry) entry(id string) (*entry, bool) {
	r.mu.RLock()
	e, ok := r.nodes[id]
	r.mu.RUnlock()
	if ok {
		return e, false
	}

	r.mu.Lock()
	e, ok = r.nodes[id]
	if !ok {
		now := r.now()
		e = &entry{node: Node{ID: id, LastUpdate: now, LastHeard: now, Active: true}}
		r.nodes[id] = e
	}
	r.mu.Unlock()

	if !ok && r.OnJoin != nil {
		r.OnJoin(id)
	}
	return e, !ok
}

// Get returns a copy of the node.
func (r *Registry) Get(id string) (Node, bool) {
	r.mu.RLock()
	e, ok := r.nodes[id]
	r.mu.RUnlock()
	if !ok {
		return Node{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.node, true
}

// ShouldAccept reports whether a position update for node should replace its
// last known position: either timeout has elapsed since the last accepted
// update, or the node moved more than SignificantMoveKm.
func ShouldAccept(node Node, lat, lon float64, timeout time.Duration, now time.Time) bool {
	if now.Sub(node.LastUpdate) > timeout {
		return true
	}
	return Distance(node.Latitude, node.Longitude, lat, lon) > SignificantMoveKm
}

// UpdatePosition applies ShouldAccept and the update atomically for one node,
// creating the node if needed. Rejected updates leave the node unchanged.
func (r *Registry) UpdatePosition(id string, lat, lon float64, timeout time.Duration) bool {
	e, _ := r.entry(id)
	now := r.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.node.LastHeard = now
	e.node.Active = true
	if !ShouldAccept(e.node, lat, lon, timeout, now) {
		return false
	}
	e.node.Latitude = lat
	e.node.Longitude = lon
	e.node.LastUpdate = now
	return true
}

// Touch records that a known node was heard from. It reports false for
// unknown ids, which are not created.
func (r *Registry) Touch(id string) bool {
	r.mu.RLock()
	e, ok := r.nodes[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	now := r.now()
	e.mu.Lock()
	e.node.LastHeard = now
	e.node.Active = true
	e.mu.Unlock()
	return true
}

// Sweep marks active nodes not heard from within inactivity as inactive and
// reports each to OnLeave. Nodes are never removed.
func (r *Registry) Sweep(inactivity time.Duration) []string {
	if inactivity <= 0 {
		return nil
	}
	now := r.now()

	r.mu.RLock()
	entries := make([]*entry, 0, len(r.nodes))
	for _, e := range r.nodes {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var left []string
	for _, e := range entries {
		e.mu.Lock()
		if e.node.Active && now.Sub(e.node.LastHeard) > inactivity {
			e.node.Active = false
			left = append(left, e.node.ID)
		}
		e.mu.Unlock()
	}
	sort.Strings(left)

	if r.OnLeave != nil {
		for _, id := range left {
			r.OnLeave(id)
		}
	}
	return left
}

// Snapshot returns copies of all nodes ordered by id.
func (r *Registry) Snapshot() []Node {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.nodes))
	for _, e := range r.nodes {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Node, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.node)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of known nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Distance is the great-circle distance in kilometres between two points
// given in degrees.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := radians(lat2 - lat1)
	dLon := radians(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
