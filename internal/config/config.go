// Copyright 2024 OvlStack Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the global settings and stack descriptions.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"ovlstack/internal/artifacts"
)

// getConfigDir returns the config directory path.
// Uses OVLSTACK_CONFIG_DIR env var if set, otherwise defaults to ~/.ovlstack.
// This is computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv("OVLSTACK_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ovlstack")
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// GlobalSettingsPath returns the global settings file path
func GlobalSettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// DefaultStackPath returns the stack description used when none is given
func DefaultStackPath() string {
	return filepath.Join(getConfigDir(), "stack.yaml")
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// InitConfigDir initializes the config directory with default files
func InitConfigDir() error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	for path, data := range map[string][]byte{
		GlobalSettingsPath(): artifacts.GlobalSettings,
		DefaultStackPath():   artifacts.StackTemplate,
	} {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.WriteFile(path, data, 0600); err != nil {
				return fmt.Errorf("failed to create %s: %w", filepath.Base(path), err)
			}
		}
	}
	return nil
}

// CacheSettings configures the dentry cache
type CacheSettings struct {
	TTL        time.Duration `yaml:"ttl"`         // 0 = no expiration
	MaxEntries int           `yaml:"max_entries"` // 0 = unlimited
}

// GlobalSettings represents settings shared by every command
type GlobalSettings struct {
	LogLevel    string        `yaml:"log_level"`    // Log level: trace, debug, info, warn, off (default: off)
	BusyTimeout int           `yaml:"busy_timeout"` // SQLite busy_timeout (ms), 0 = use default
	Cache       CacheSettings `yaml:"cache"`
}

// loadDefaultGlobalSettings parses default settings from embedded artifact.
func loadDefaultGlobalSettings() GlobalSettings {
	var settings GlobalSettings
	if err := yaml.Unmarshal(artifacts.GlobalSettings, &settings); err != nil {
		panic("failed to parse embedded global settings: " + err.Error())
	}
	return settings
}

// LoadGlobalSettings loads the global settings from the config dir.
// Falls back to embedded defaults if the file doesn't exist.
func LoadGlobalSettings() (*GlobalSettings, error) {
	settings := loadDefaultGlobalSettings()
	data, err := os.ReadFile(GlobalSettingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &settings, nil
		}
		return nil, err
	}
	// Fields missing from the file keep their defaults
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("%s: %w", GlobalSettingsPath(), err)
	}
	if _, err := ParseLogLevel(settings.LogLevel); err != nil {
		return nil, fmt.Errorf("%s: %w", GlobalSettingsPath(), err)
	}
	return &settings, nil
}

// SaveGlobalSettings saves the global settings to the config dir
func SaveGlobalSettings(settings *GlobalSettings) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	// Add header comment (same as template header)
	header := []byte("# OvlStack settings\n# See: ovlstack --help\n\n")
	return os.WriteFile(GlobalSettingsPath(), append(header, data...), 0600)
}

// ParseLogLevel maps a settings log level onto logrus. "off" maps to
// PanicLevel; callers check LogOff to discard output entirely.
func ParseLogLevel(level string) (log.Level, error) {
	switch strings.ToLower(level) {
	case "", "off", "none":
		return log.PanicLevel, nil
	case "trace":
		return log.TraceLevel, nil
	case "debug":
		return log.DebugLevel, nil
	case "info":
		return log.InfoLevel, nil
	case "warn", "warning":
		return log.WarnLevel, nil
	}
	return 0, fmt.Errorf("unknown log level %q", level)
}

// LogOff reports whether level disables logging.
func LogOff(level string) bool {
	switch strings.ToLower(level) {
	case "", "off", "none":
		return true
	}
	return false
}
