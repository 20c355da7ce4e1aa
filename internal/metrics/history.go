// Package metrics keeps short upload-throughput histories for live sessions,
// backing rate and ETA displays in the CLI and the daemon API.
package metrics

import (
	"sync"
	"time"
)

const (
	// MaxHistoryPoints is the maximum number of samples kept per session
	MaxHistoryPoints = 120

	// CleanupInterval is how often stale session histories are dropped
	CleanupInterval = time.Minute

	// Retention is how long a history outlives its last sample
	Retention = 5 * time.Minute
)

// Sample is one progress observation.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	SentBytes int64     `json:"sent_bytes"`
}

type sessionHistory struct {
	samples    []Sample
	lastUpdate time.Time
	mu         sync.RWMutex
}

// Store manages throughput history for all sessions.
type Store struct {
	sessions map[string]*sessionHistory
	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewStore creates a store with background cleanup.
func NewStore() *Store {
	s := &Store{
		sessions: make(map[string]*sessionHistory),
		stopCh:   make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Stop stops the background cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Add records a progress sample for a session.
func (s *Store) Add(sessionID string, sentBytes int64) {
	s.mu.Lock()
	h, ok := s.sessions[sessionID]
	if !ok {
		h = &sessionHistory{samples: make([]Sample, 0, MaxHistoryPoints)}
		s.sessions[sessionID] = h
	}
	s.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.samples = append(h.samples, Sample{Timestamp: time.Now(), SentBytes: sentBytes})
	if len(h.samples) > MaxHistoryPoints {
		excess := len(h.samples) - MaxHistoryPoints
		h.samples = h.samples[excess:]
	}
	h.lastUpdate = time.Now()
}

// Throughput returns the observed rate in bytes per second, or 0 when there
// is not enough history to tell.
func (s *Store) Throughput(sessionID string) float64 {
	s.mu.RLock()
	h, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	n := len(h.samples)
	if n < 2 {
		return 0
	}
	first, last := h.samples[0], h.samples[n-1]
	elapsed := last.Timestamp.Sub(first.Timestamp).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(last.SentBytes-first.SentBytes) / elapsed
}

// Latest returns the most recent sample for a session.
func (s *Store) Latest(sessionID string) (Sample, bool) {
	s.mu.RLock()
	h, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return Sample{}, false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.samples) == 0 {
		return Sample{}, false
	}
	return h.samples[len(h.samples)-1], true
}

// Remove drops a session's history once the session is terminal.
func (s *Store) Remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// cleanupLoop periodically drops histories nobody updated recently.
func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	cutoff := time.Now().Add(-Retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, h := range s.sessions {
		h.mu.RLock()
		last := h.lastUpdate
		h.mu.RUnlock()
		if last.Before(cutoff) {
			delete(s.sessions, id)
		}
	}
}
