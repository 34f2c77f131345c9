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

package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"ovlstack/internal/config"
)

var (
	settingsLogLevel    string
	settingsBusyTimeout int
	settingsCacheTTL    time.Duration
	settingsCacheSize   int
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change global settings",
	Long: `Show or change the settings in <config-dir>/settings.yaml.

Without flags the current settings are printed.

Examples:
  ovlstack settings
  ovlstack settings --logging debug
  ovlstack settings --cache-ttl 30s --cache-size 10000`,
	Args: cobra.NoArgs,
	RunE: runSettings,
}

func init() {
	settingsCmd.Flags().StringVar(&settingsLogLevel, "logging", "", "Log level: trace, debug, info, warn, off")
	settingsCmd.Flags().IntVar(&settingsBusyTimeout, "busy-timeout", 0, "SQLite busy timeout in ms (0 = default)")
	settingsCmd.Flags().DurationVar(&settingsCacheTTL, "cache-ttl", 0, "Dentry cache TTL (0 = no expiry)")
	settingsCmd.Flags().IntVar(&settingsCacheSize, "cache-size", 0, "Dentry cache entries (0 = unlimited)")
	rootCmd.AddCommand(settingsCmd)
}

func runSettings(cmd *cobra.Command, args []string) error {
	s, err := config.LoadGlobalSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	changed := false
	if cmd.Flags().Changed("logging") {
		if _, err := config.ParseLogLevel(settingsLogLevel); err != nil {
			return err
		}
		s.LogLevel = settingsLogLevel
		changed = true
	}
	if cmd.Flags().Changed("busy-timeout") {
		if settingsBusyTimeout < 0 {
			return fmt.Errorf("busy timeout must not be negative")
		}
		s.BusyTimeout = settingsBusyTimeout
		changed = true
	}
	if cmd.Flags().Changed("cache-ttl") {
		s.Cache.TTL = settingsCacheTTL
		changed = true
	}
	if cmd.Flags().Changed("cache-size") {
		s.Cache.MaxEntries = settingsCacheSize
		changed = true
	}

	if changed {
		if err := config.SaveGlobalSettings(s); err != nil {
			return fmt.Errorf("failed to save settings: %w", err)
		}
		fmt.Printf("Settings saved to %s\n", config.GlobalSettingsPath())
		return nil
	}

	out, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}
