// Package deviceid manages a persisted random identity. The printer
// simulator uses it as a stable serial across restarts, and the MQTT bridge
// derives its client id from it so brokers see one device, not a new one
// per process.
package deviceid

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// GetOrCreate returns the identity stored at path, minting and persisting
// a fresh one when the file is missing or empty.
func GetOrCreate(path string) (string, error) {
	if id, err := Get(path); err == nil && id != "" {
		return id, nil
	}

	id := uuid.New().String()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", err
	}
	return id, nil
}

// Get returns the identity stored at path, or "" when there is none yet.
func Get(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Short returns the first 8 characters, the form used in log lines and
// MQTT client ids.
func Short(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
