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

	"github.com/spf13/cobra"

	"ovlstack/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the config directory",
	Long: `Create the config directory with default settings.yaml and stack.yaml.

Existing files are left untouched. Every other command does this on
first use as well; init only reports what is there.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if err := config.InitConfigDir(); err != nil {
		return err
	}
	fmt.Printf("Config directory: %s\n", config.ConfigDir())
	fmt.Printf("  settings: %s\n", config.GlobalSettingsPath())
	fmt.Printf("  stack:    %s\n", config.DefaultStackPath())
	return nil
}
