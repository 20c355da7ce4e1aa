// Package tokens persists per-device auth tokens between runs.
//
// A printer remembers the host it authorized; presenting its last token on
// reconnect skips the touchscreen prompt, so losing this file only costs the
// operator one extra tap.
package tokens

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store is a thread-safe token map backed by a JSON file.
type Store struct {
	mu     sync.Mutex
	path   string
	tokens map[string]string
}

// Open loads the token store at path. A missing or unreadable file yields an
// empty store; the next connect simply re-prompts on the device.
func Open(path string) *Store {
	s := &Store{
		path:   path,
		tokens: make(map[string]string),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		// Corrupt file, start over.
		return s
	}
	s.tokens = m
	return s
}

// Get returns the saved token for a device id, or "".
func (s *Store) Get(deviceID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[deviceID]
}

// Set saves a token for a device id and flushes to disk.
func (s *Store) Set(deviceID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token == "" {
		delete(s.tokens, deviceID)
	} else {
		if s.tokens[deviceID] == token {
			return nil
		}
		s.tokens[deviceID] = token
	}
	return s.flushLocked()
}

// Forget removes the saved token for a device id.
func (s *Store) Forget(deviceID string) error {
	return s.Set(deviceID, "")
}

// Len returns the number of saved tokens.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// flushLocked writes the map atomically. Caller must hold s.mu.
func (s *Store) flushLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}

	data, err := json.MarshalIndent(s.tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write tokens: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace tokens file: %w", err)
	}
	return nil
}
