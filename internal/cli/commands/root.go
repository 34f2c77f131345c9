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
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ovlstack/internal/config"
	"ovlstack/internal/mount"
	"ovlstack/internal/storage"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Persistent flags
var (
	configDirFlag string
	logLevelFlag  string
	stackFlag     string
)

// settings is loaded once per invocation by the root pre-run
var settings *config.GlobalSettings

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

var rootCmd = &cobra.Command{
	Use:   "ovlstack",
	Short: "Inspect overlay stacks built from layer files",
	Long: `Resolve paths through a stack of layers the way an overlay filesystem does.

Layers are SQLite layer files (created with 'ovlstack layer create') or
YAML manifests. A stack description names one optional upper layer, the
lower layers and the overlay options; by default it is read from
~/.ovlstack/stack.yaml.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if configDirFlag != "" {
			if err := os.Setenv("OVLSTACK_CONFIG_DIR", configDirFlag); err != nil {
				return err
			}
		}
		if err := config.InitConfigDir(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		s, err := config.LoadGlobalSettings()
		if err != nil {
			return fmt.Errorf("failed to load settings: %w", err)
		}
		settings = s
		storage.SetConfigBusyTimeout(s.BusyTimeout)

		level := s.LogLevel
		if logLevelFlag != "" {
			level = logLevelFlag
		}
		return setupLogging(level)
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("ovlstack version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&configDirFlag, "config-dir", "", "Config directory (default ~/.ovlstack)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: trace, debug, info, warn, off")
	rootCmd.PersistentFlags().StringVarP(&stackFlag, "stack", "s", "", "Stack description (default <config-dir>/stack.yaml)")
}

// setupLogging points logrus at stderr with the given level, or discards
// everything when logging is off.
func setupLogging(level string) error {
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		return err
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if config.LogOff(level) {
		log.SetOutput(io.Discard)
		return nil
	}
	log.SetOutput(os.Stderr)
	log.SetLevel(lvl)
	return nil
}

// openMount opens the stack named by --stack with the cache settings
// from settings.yaml.
func openMount(ctx context.Context) (*mount.Mount, error) {
	path := stackFlag
	if path == "" {
		path = config.DefaultStackPath()
	}
	cfg, err := config.LoadStackConfig(path)
	if err != nil {
		return nil, err
	}
	var opts []mount.Option
	if settings != nil {
		opts = append(opts, mount.WithCache(settings.Cache.TTL, settings.Cache.MaxEntries))
	}
	m, err := mount.Open(ctx, cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to mount %s: %w", path, err)
	}
	return m, nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}
