package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Discovery.Port != 20054 {
		t.Errorf("Discovery.Port = %d, want 20054", cfg.Discovery.Port)
	}
	if cfg.Transfer.AuthPoll != 1500*time.Millisecond {
		t.Errorf("Transfer.AuthPoll = %v, want 1.5s", cfg.Transfer.AuthPoll)
	}
	if cfg.MQTT.Enabled {
		t.Error("MQTT should be disabled by default")
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("discovery:\n  model_prefix: Snapmaker 2\ntransfer:\n  auth_timeout: 10s\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Discovery.ModelPrefix != "Snapmaker 2" {
		t.Errorf("ModelPrefix = %q, want overridden value", cfg.Discovery.ModelPrefix)
	}
	if cfg.Transfer.AuthTimeout != 10*time.Second {
		t.Errorf("AuthTimeout = %v, want 10s", cfg.Transfer.AuthTimeout)
	}
	// Unnamed fields fall back to defaults.
	if cfg.Discovery.StaleAfter != 30*time.Second {
		t.Errorf("StaleAfter = %v, want default 30s", cfg.Discovery.StaleAfter)
	}
	if cfg.API.Listen != "127.0.0.1:8432" {
		t.Errorf("API.Listen = %q, want default", cfg.API.Listen)
	}
}

func TestLoadMalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("discovery: [not a map"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load() should fail on malformed YAML")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := Default()
	cfg.Discovery.StaleAfter = 42 * time.Second
	cfg.MQTT.Enabled = true
	cfg.MQTT.Broker = "tcp://127.0.0.1:1883"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Discovery.StaleAfter != 42*time.Second {
		t.Errorf("StaleAfter = %v, want 42s", got.Discovery.StaleAfter)
	}
	if !got.MQTT.Enabled || got.MQTT.Broker != "tcp://127.0.0.1:1883" {
		t.Errorf("MQTT config did not round-trip: %+v", got.MQTT)
	}
}
