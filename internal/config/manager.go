package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ErrConfigParse marks a Load failure caused by an invalid on-disk
// config file. Load never returns a nil *Config alongside this error;
// callers that only care about having a usable config can ignore it
// after logging a warning.
var ErrConfigParse = errors.New("invalid configuration file")

// ChangeCallback is notified whenever UpdateConfig or a watched file
// change produces a new, validated configuration.
type ChangeCallback func(oldConfig, newConfig *Config)

// Manager owns the live configuration, persists it to disk, and
// notifies registered callbacks of changes, whether triggered from
// inside the process or by an on-disk edit (via viper.WatchConfig).
type Manager struct {
	mu         sync.RWMutex
	current    *Config
	configFile string
	callbacks  []ChangeCallback
}

// NewManager wraps an already-loaded configuration.
func NewManager(current *Config, configFile string) *Manager {
	return &Manager{current: current, configFile: configFile}
}

// GetConfig returns the current configuration.
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// UpdateConfig validates and installs a new configuration, notifying
// callbacks with a deep copy of the old one so they never race the
// live value.
func (m *Manager) UpdateConfig(next *Config) error {
	if err := next.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	old := m.current.DeepCopy()
	m.current = next
	callbacks := make([]ChangeCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(old, next)
	}
	return nil
}

// OnConfigChange registers a callback invoked after every successful
// configuration change.
func (m *Manager) OnConfigChange(cb ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// WatchFile enables viper's file watcher on the manager's config file,
// reloading and validating on every write. Invalid on-disk edits are
// logged by the caller-supplied onError and otherwise ignored, leaving
// the last-good configuration in place (ConfigParse policy: warn, fall
// back to defaults/last-known-good).
func (m *Manager) WatchFile(onError func(error)) {
	viper.OnConfigChange(func(fsnotify.Event) {
		next := Default()
		if err := viper.Unmarshal(next); err != nil {
			if onError != nil {
				onError(fmt.Errorf("reloading %s: %w", m.configFile, err))
			}
			return
		}
		if err := m.UpdateConfig(next); err != nil {
			if onError != nil {
				onError(fmt.Errorf("reloaded config rejected: %w", err))
			}
		}
	})
	viper.WatchConfig()
}

// SaveToFile writes cfg as indented JSON to filename, creating parent
// directories as needed.
func SaveToFile(cfg *Config, filename string) error {
	if filename == "" {
		return fmt.Errorf("no config file path provided")
	}
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Load reads configuration from configFile, creating it from defaults
// if it doesn't yet exist (next to the executable, per spec). An
// invalid on-disk file is a ConfigParse error: this always returns a
// valid *Config, falling back to defaults on any read/parse failure.
func Load(configFile string) (*Config, error) {
	cfg := Default()

	viper.SetConfigFile(configFile)
	viper.SetConfigType("json")

	if err := viper.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := SaveToFile(cfg, configFile); err != nil {
				return cfg, fmt.Errorf("writing default config: %w", err)
			}
			return cfg, nil
		}
		// Malformed config: warn via the returned error, but still hand
		// back a valid, usable default configuration.
		return cfg, fmt.Errorf("%w: %v", ErrConfigParse, err)
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return Default(), fmt.Errorf("%w: %v", ErrConfigParse, err)
	}
	if err := cfg.Validate(); err != nil {
		return Default(), fmt.Errorf("%w: %v", ErrConfigParse, err)
	}
	return cfg, nil
}

// ExecutableConfigPath returns the conventional config.json path
// alongside the running executable, falling back to the current
// working directory if the executable path can't be resolved.
func ExecutableConfigPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(filepath.Dir(exe), "config.json")
}
