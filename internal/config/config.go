// Package config manages the snapsend configuration file and state paths.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ConfigDirName is the name of the dot directory under the user home
	ConfigDirName = ".snapsend"
	// ConfigFileName is the name of the config file
	ConfigFileName = "config.yaml"
)

// Config holds every tunable. Zero values are filled from Default, so a
// partial file only overrides what it names.
type Config struct {
	Discovery DiscoveryConfig `yaml:"discovery"`
	Transfer  TransferConfig  `yaml:"transfer"`
	API       APIConfig       `yaml:"api"`
	History   HistoryConfig   `yaml:"history"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Log       LogConfig       `yaml:"log"`
}

// DiscoveryConfig tunes the UDP discovery service.
type DiscoveryConfig struct {
	Port             int           `yaml:"port"`
	ProbeInterval    time.Duration `yaml:"probe_interval"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	StaleAfter       time.Duration `yaml:"stale_after"`
	UnreachableAfter time.Duration `yaml:"unreachable_after"`
	ModelPrefix      string        `yaml:"model_prefix"`
}

// TransferConfig tunes transfer sessions.
type TransferConfig struct {
	Port        int           `yaml:"port"`
	AuthTimeout time.Duration `yaml:"auth_timeout"`
	AuthPoll    time.Duration `yaml:"auth_poll"`
}

// APIConfig tunes the daemon HTTP API. ReadTimeout guards the request line
// and headers only; uploads and the event stream run unbounded.
type APIConfig struct {
	Listen      string        `yaml:"listen"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// HistoryConfig tunes the transfer history store.
type HistoryConfig struct {
	Path string `yaml:"path"`
	Keep int    `yaml:"keep"`
}

// MQTTConfig tunes the optional event bridge.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Prefix   string `yaml:"prefix"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LogConfig tunes logging output.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Paths holds commonly used paths
type Paths struct {
	// ConfigDir is ~/.snapsend
	ConfigDir string
	// ConfigFile is ~/.snapsend/config.yaml
	ConfigFile string
	// TokensFile is ~/.snapsend/tokens.json
	TokensFile string
	// HistoryFile is ~/.snapsend/history.db
	HistoryFile string
	// SerialFile is ~/.snapsend/serial, used by the simulator
	SerialFile string
}

// GetPaths returns the standard paths
func GetPaths() (*Paths, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ConfigDirName)
	return &Paths{
		ConfigDir:   configDir,
		ConfigFile:  filepath.Join(configDir, ConfigFileName),
		TokensFile:  filepath.Join(configDir, "tokens.json"),
		HistoryFile: filepath.Join(configDir, "history.db"),
		SerialFile:  filepath.Join(configDir, "serial"),
	}, nil
}

// EnsureDirectories creates the config directory
func (p *Paths) EnsureDirectories() error {
	if err := os.MkdirAll(p.ConfigDir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", p.ConfigDir, err)
	}
	return nil
}

// Default returns a Config with working defaults for a Snapmaker 2 LAN.
func Default() *Config {
	return &Config{
		Discovery: DiscoveryConfig{
			Port:             20054,
			ProbeInterval:    6 * time.Second,
			SweepInterval:    5 * time.Second,
			StaleAfter:       30 * time.Second,
			UnreachableAfter: 15 * time.Second,
			ModelPrefix:      "Snapmaker",
		},
		Transfer: TransferConfig{
			Port:        8080,
			AuthTimeout: 60 * time.Second,
			AuthPoll:    1500 * time.Millisecond,
		},
		API: APIConfig{
			Listen:      "127.0.0.1:8432",
			ReadTimeout: 5 * time.Second,
			IdleTimeout: 60 * time.Second,
		},
		History: HistoryConfig{
			Keep: 500,
		},
		MQTT: MQTTConfig{
			Enabled: false,
			Prefix:  "snapsend",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the config file at path, or the default location when path is
// empty. A missing file yields the defaults; a malformed file is an error.
func Load(path string) (*Config, error) {
	if path == "" {
		paths, err := GetPaths()
		if err != nil {
			return nil, err
		}
		path = paths.ConfigFile
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.fillZero()

	return cfg, nil
}

// Save writes the config to path, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// fillZero replaces zeroed fields with defaults so partial configs behave.
func (c *Config) fillZero() {
	d := Default()
	if c.Discovery.Port == 0 {
		c.Discovery.Port = d.Discovery.Port
	}
	if c.Discovery.ProbeInterval == 0 {
		c.Discovery.ProbeInterval = d.Discovery.ProbeInterval
	}
	if c.Discovery.SweepInterval == 0 {
		c.Discovery.SweepInterval = d.Discovery.SweepInterval
	}
	if c.Discovery.StaleAfter == 0 {
		c.Discovery.StaleAfter = d.Discovery.StaleAfter
	}
	if c.Discovery.UnreachableAfter == 0 {
		c.Discovery.UnreachableAfter = d.Discovery.UnreachableAfter
	}
	if c.Discovery.ModelPrefix == "" {
		c.Discovery.ModelPrefix = d.Discovery.ModelPrefix
	}
	if c.Transfer.Port == 0 {
		c.Transfer.Port = d.Transfer.Port
	}
	if c.Transfer.AuthTimeout == 0 {
		c.Transfer.AuthTimeout = d.Transfer.AuthTimeout
	}
	if c.Transfer.AuthPoll == 0 {
		c.Transfer.AuthPoll = d.Transfer.AuthPoll
	}
	if c.API.Listen == "" {
		c.API.Listen = d.API.Listen
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = d.API.ReadTimeout
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = d.API.IdleTimeout
	}
	if c.History.Keep == 0 {
		c.History.Keep = d.History.Keep
	}
	if c.MQTT.Prefix == "" {
		c.MQTT.Prefix = d.MQTT.Prefix
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
}
