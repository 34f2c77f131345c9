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
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"ovlstack/internal/layer"
	"ovlstack/internal/memlayer"
	"ovlstack/internal/storage"
)

var (
	layerUUID          string
	layerNilUUID       bool
	layerKind          string
	importDest         string
	importGitignore    bool
	importIncludes     []string
	importExcludes     []string
	importAllowPartial bool
)

var layerCmd = &cobra.Command{
	Use:   "layer",
	Short: "Create and edit layer files",
	Long: `Create and edit SQLite layer files.

Subcommands:
  create     Create an empty layer file
  import     Copy the metadata of a host directory tree into a layer file
  mkdir      Create a directory (and missing parents)
  touch      Create an entry of a given kind
  whiteout   Create a whiteout
  link       Add a hardlink
  rm         Remove an entry
  setxattr   Set an extended attribute
  ls         List a directory with attributes

Examples:
  ovlstack layer create lower1.ovl
  ovlstack layer import lower1.ovl ./rootfs --gitignore
  ovlstack layer mkdir upper.ovl upper/etc
  ovlstack layer setxattr upper.ovl upper/etc trusted.overlay.opaque y`,
}

var layerCreateCmd = &cobra.Command{
	Use:   "create <file>",
	Short: "Create an empty layer file",
	Args:  cobra.ExactArgs(1),
	RunE:  runLayerCreate,
}

var layerImportCmd = &cobra.Command{
	Use:   "import <file> <dir>",
	Short: "Copy the metadata of a host directory tree into a layer file",
	Long: `Copy a host directory tree into a layer file.

Directories, files, symlinks, hardlinks, whiteouts (0/0 character
devices) and overlay extended attributes are imported. File contents are
not. The layer file is created if it does not exist.`,
	Args: cobra.ExactArgs(2),
	RunE: runLayerImport,
}

var layerMkdirCmd = &cobra.Command{
	Use:   "mkdir <file> <path>",
	Short: "Create a directory and any missing parents",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLayerFile(args[0], func(ctx context.Context, lf *storage.LayerFile) error {
			return lf.Mkdir(ctx, args[1])
		})
	},
}

var layerTouchCmd = &cobra.Command{
	Use:   "touch <file> <path>",
	Short: "Create an entry",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := layer.ParseKind(layerKind)
		if err != nil {
			return err
		}
		return withLayerFile(args[0], func(ctx context.Context, lf *storage.LayerFile) error {
			if kind == layer.KindDirectory {
				return lf.Mkdir(ctx, args[1])
			}
			return lf.Create(ctx, args[1], kind)
		})
	},
}

var layerWhiteoutCmd = &cobra.Command{
	Use:   "whiteout <file> <path>",
	Short: "Create a whiteout",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLayerFile(args[0], func(ctx context.Context, lf *storage.LayerFile) error {
			return lf.Create(ctx, args[1], layer.KindWhiteout)
		})
	},
}

var layerLinkCmd = &cobra.Command{
	Use:   "link <file> <existing> <new>",
	Short: "Add a hardlink",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLayerFile(args[0], func(ctx context.Context, lf *storage.LayerFile) error {
			return lf.Link(ctx, args[1], args[2])
		})
	},
}

var layerRmCmd = &cobra.Command{
	Use:   "rm <file> <path>",
	Short: "Remove an entry (directories must be empty)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLayerFile(args[0], func(ctx context.Context, lf *storage.LayerFile) error {
			return lf.Remove(ctx, args[1])
		})
	},
}

var layerSetxattrCmd = &cobra.Command{
	Use:   "setxattr <file> <path> <name> <value>",
	Short: "Set an extended attribute",
	Long: `Set an extended attribute. Values starting with 0x are hex bytes.

Examples:
  ovlstack layer setxattr upper.ovl upper/d trusted.overlay.redirect /b
  ovlstack layer setxattr upper.ovl upper/f trusted.overlay.origin 0x00fb...`,
	Args: cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := memlayer.DecodeXattrValue(args[3])
		if err != nil {
			return fmt.Errorf("bad value: %w", err)
		}
		return withLayerFile(args[0], func(ctx context.Context, lf *storage.LayerFile) error {
			return lf.SetXattrPath(ctx, args[1], args[2], value)
		})
	},
}

var layerLsCmd = &cobra.Command{
	Use:   "ls <file> [path]",
	Short: "List a directory",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runLayerLs,
}

func init() {
	layerCreateCmd.Flags().StringVar(&layerUUID, "uuid", "", "Filesystem UUID (default random)")
	layerCreateCmd.Flags().BoolVar(&layerNilUUID, "nil-uuid", false, "Store the null UUID")

	layerImportCmd.Flags().StringVar(&importDest, "dest", "", "Directory inside the layer file to import under")
	layerImportCmd.Flags().BoolVar(&importGitignore, "gitignore", false, "Skip entries ignored by .gitignore files")
	layerImportCmd.Flags().StringSliceVar(&importIncludes, "include", nil, "Only import these paths (prefixes)")
	layerImportCmd.Flags().StringSliceVar(&importExcludes, "exclude", nil, "Skip these paths (prefixes)")
	layerImportCmd.Flags().BoolVar(&importAllowPartial, "allow-partial", false, "Skip unreadable entries instead of failing")

	layerTouchCmd.Flags().StringVarP(&layerKind, "kind", "k", "regular", "Entry kind: regular, directory, symlink, special, whiteout, weird")

	for _, c := range []*cobra.Command{
		layerCreateCmd, layerImportCmd, layerMkdirCmd, layerTouchCmd, layerWhiteoutCmd,
		layerLinkCmd, layerRmCmd, layerSetxattrCmd, layerLsCmd,
	} {
		layerCmd.AddCommand(c)
	}
	rootCmd.AddCommand(layerCmd)
}

// withLayerFile opens file writable for the duration of fn.
func withLayerFile(file string, fn func(ctx context.Context, lf *storage.LayerFile) error) error {
	lf, err := storage.Open(file, false)
	if err != nil {
		return err
	}
	defer lf.Close()
	return fn(context.Background(), lf)
}

func createOptions() (storage.CreateOptions, error) {
	opts := storage.CreateOptions{NilUUID: layerNilUUID}
	if layerUUID != "" {
		if layerNilUUID {
			return opts, fmt.Errorf("--uuid and --nil-uuid are exclusive")
		}
		id, err := uuid.Parse(layerUUID)
		if err != nil {
			return opts, fmt.Errorf("invalid uuid: %w", err)
		}
		opts.UUID = id
	}
	return opts, nil
}

func runLayerCreate(cmd *cobra.Command, args []string) error {
	opts, err := createOptions()
	if err != nil {
		return err
	}
	lf, err := storage.Create(args[0], opts)
	if err != nil {
		return err
	}
	defer lf.Close()
	fmt.Fprintf(cmd.OutOrStdout(), "Created layer file %s (uuid %s)\n", args[0], lf.UUID())
	return nil
}

func runLayerImport(cmd *cobra.Command, args []string) error {
	src, err := filepath.Abs(args[1])
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	lf, err := storage.Open(args[0], false)
	if err != nil {
		opts, optErr := createOptions()
		if optErr != nil {
			return optErr
		}
		lf, err = storage.Create(args[0], opts)
		if err != nil {
			return err
		}
	}
	defer lf.Close()

	cfg := storage.DefaultImportConfig()
	cfg.Dest = importDest
	cfg.AllowPartial = importAllowPartial
	if importGitignore || len(importIncludes) > 0 || len(importExcludes) > 0 {
		cfg.Filter = storage.BuildFileFilter(src, importGitignore, importIncludes, importExcludes)
	}

	result, err := storage.NewImporter(lf, cfg).ImportDirectory(cmd.Context(), src)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Imported %d of %d entries in %v\n", result.ImportedEntries, result.TotalEntries, result.Duration)
	fmt.Fprintf(out, "  whiteouts: %d, hardlinks: %d, xattrs: %d\n", result.Whiteouts, result.Hardlinks, result.Xattrs)
	if n := len(result.SkippedEntries); n > 0 {
		fmt.Fprintf(out, "  skipped %d entries\n", n)
	}
	return nil
}

func printableXattr(v []byte) string {
	if utf8.Valid(v) {
		return fmt.Sprintf("%q", v)
	}
	return memlayer.HexPrefix + hex.EncodeToString(v)
}

func runLayerLs(cmd *cobra.Command, args []string) error {
	lf, err := storage.Open(args[0], true)
	if err != nil {
		return err
	}
	defer lf.Close()

	dir := ""
	if len(args) > 1 {
		dir = args[1]
	}
	ctx := cmd.Context()
	e, err := lf.Stat(ctx, dir)
	if err != nil {
		return err
	}
	if !e.IsDir() {
		return fmt.Errorf("%s: %w", dir, layer.ErrNotDir)
	}
	ents, err := lf.ReadDir(ctx, e)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, ent := range ents {
		fmt.Fprintf(out, "%-10s %6d %s\n", ent.Kind, ent.Ino, ent.Name)
		x, err := lf.Xattrs(ctx, filepath.Join(dir, ent.Name))
		if err != nil {
			return err
		}
		names := make([]string, 0, len(x))
		for name := range x {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(out, "%17s %s=%s\n", "", name, printableXattr(x[name]))
		}
	}
	return nil
}
