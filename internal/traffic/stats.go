// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package traffic holds the shared per-address byte counters the monitor
// produces and the rule engine consumes.
package traffic

import (
	"net/netip"
	"sync"
	"time"
)

// Stats is one address's byte counters: cumulative totals plus the delta
// observed in the most recent sample.
type Stats struct {
	RxBytes    uint64
	TxBytes    uint64
	RxDelta    uint64
	TxDelta    uint64
	LastUpdate time.Time
}

// Map is a concurrent address -> Stats mapping. The monitor is the writer,
// the engine reads; last-writer-wins per key.
type Map struct {
	m sync.Map
}

// NewMap returns an empty counter map.
func NewMap() *Map { return &Map{} }

// Store records the latest stats for addr.
func (m *Map) Store(addr netip.Addr, s Stats) {
	m.m.Store(addr, s)
}

// Load returns the latest stats for addr.
func (m *Map) Load(addr netip.Addr) (Stats, bool) {
	v, ok := m.m.Load(addr)
	if !ok {
		return Stats{}, false
	}
	return v.(Stats), true
}

// Range calls fn for every address until fn returns false.
func (m *Map) Range(fn func(addr netip.Addr, s Stats) bool) {
	m.m.Range(func(k, v any) bool {
		return fn(k.(netip.Addr), v.(Stats))
	})
}

// Len counts the addresses currently tracked.
func (m *Map) Len() int {
	n := 0
	m.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
