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
	"gopkg.in/yaml.v3"

	"ovlstack/internal/overlay"
)

var lookupLast bool

var lookupCmd = &cobra.Command{
	Use:   "lookup <path>...",
	Short: "Resolve paths through the stack",
	Long: `Resolve each path through the overlay and print what every element
resolved to: the upper entry, the lower stack, the index entry, the
redirect followed and the layer file data comes from.

Examples:
  ovlstack lookup /etc/passwd
  ovlstack lookup --last a/b c
  ovlstack -s ./stack.yaml lookup /`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLookup,
}

func init() {
	lookupCmd.Flags().BoolVar(&lookupLast, "last", false, "Only print the last element of each path")
	rootCmd.AddCommand(lookupCmd)
}

type lookupResult struct {
	Path     string            `yaml:"path"`
	Elements []overlay.Summary `yaml:"elements,omitempty"`
	Error    string            `yaml:"error,omitempty"`
}

func runLookup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	m, err := openMount(ctx)
	if err != nil {
		return err
	}
	defer m.Close()

	var (
		results []lookupResult
		failed  int
	)
	for _, p := range args {
		res := lookupResult{Path: p}
		summary, err := m.Summarize(ctx, p)
		if err != nil {
			res.Error = err.Error()
			failed++
		} else if lookupLast {
			res.Elements = summary[len(summary)-1:]
		} else {
			res.Elements = summary
		}
		results = append(results, res)
	}

	out, err := yaml.Marshal(results)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), string(out))
	if failed > 0 {
		return fmt.Errorf("%d of %d lookups failed", failed, len(args))
	}
	return nil
}
