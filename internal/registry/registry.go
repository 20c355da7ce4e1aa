// Package registry provides the in-memory record of printers seen on the LAN.
package registry

import (
	"sort"
	"sync"
	"time"
)

// Status is the lifecycle state a record reports to readers.
type Status string

const (
	StatusIdle        Status = "IDLE"
	StatusPrinting    Status = "PRINTING"
	StatusBusy        Status = "BUSY"
	StatusUnreachable Status = "UNREACHABLE"
)

// Record describes one discovered printer. Records are passed by value so a
// reader never observes a half-applied update.
type Record struct {
	// ID is Name@Model, stable across DHCP address changes.
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Model    string    `json:"model"`
	Addr     string    `json:"addr"` // host:port of the transfer API
	Status   Status    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

// Registry manages discovered printers. All writes come from the discovery
// service; transfer sessions and API handlers only read.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]Record

	// unreachableAfter is the LastSeen age past which readers see
	// UNREACHABLE instead of the announced status.
	unreachableAfter time.Duration
}

// New creates a registry. unreachableAfter of zero disables the derived
// UNREACHABLE status.
func New(unreachableAfter time.Duration) *Registry {
	return &Registry{
		devices:          make(map[string]Record),
		unreachableAfter: unreachableAfter,
	}
}

// Upsert adds or refreshes a record and reports whether it was new.
func (r *Registry) Upsert(rec Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.LastSeen.IsZero() {
		rec.LastSeen = time.Now()
	}
	_, exists := r.devices[rec.ID]
	r.devices[rec.ID] = rec
	return !exists
}

// Get returns a record by id.
func (r *Registry) Get(deviceID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.devices[deviceID]
	if !ok {
		return Record{}, false
	}
	return r.derived(rec, time.Now()), true
}

// Snapshot returns all records sorted by name. It copies and never touches
// the network, so callers may hold the result as long as they like.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	out := make([]Record, 0, len(r.devices))
	for _, rec := range r.devices {
		out = append(out, r.derived(rec, now))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// EvictStale removes records whose LastSeen is older than window and returns
// the evicted records.
func (r *Registry) EvictStale(window time.Duration) []Record {
	cutoff := time.Now().Add(-window)

	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []Record
	for id, rec := range r.devices {
		if rec.LastSeen.Before(cutoff) {
			delete(r.devices, id)
			evicted = append(evicted, rec)
		}
	}
	return evicted
}

// Len returns the number of live records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// derived applies the read-side UNREACHABLE rule.
func (r *Registry) derived(rec Record, now time.Time) Record {
	if r.unreachableAfter > 0 && now.Sub(rec.LastSeen) > r.unreachableAfter {
		rec.Status = StatusUnreachable
	}
	return rec
}
