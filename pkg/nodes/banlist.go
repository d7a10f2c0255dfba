// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package nodes

import (
	"sort"
	"sync"
)

// Banlist is a concurrency-safe set of banned node ids.
type Banlist struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewBanlist returns a banlist holding ids.
func NewBanlist(ids ...string) *Banlist {
	b := &Banlist{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		b.ids[id] = struct{}{}
	}
	return b
}

// Contains reports whether id is banned.
func (b *Banlist) Contains(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.ids[id]
	return ok
}

// Add bans id. It returns false if id was already banned.
func (b *Banlist) Add(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.ids[id]; ok {
		return false
	}
	b.ids[id] = struct{}{}
	return true
}

// Remove unbans id. It returns false if id was not banned.
func (b *Banlist) Remove(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.ids[id]; !ok {
		return false
	}
	delete(b.ids, id)
	return true
}

// Replace swaps the whole set, as on a configuration reload.
func (b *Banlist) Replace(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}
	b.mu.Lock()
	b.ids = next
	b.mu.Unlock()
}

// List returns the banned ids in order.
func (b *Banlist) List() []string {
	b.mu.RLock()
	out := make([]string, 0, len(b.ids))
	for id := range b.ids {
		out = append(out, id)
	}
	b.mu.RUnlock()
	sort.Strings(out)
	return out
}
