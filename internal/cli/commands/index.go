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
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"ovlstack/internal/overlay"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Inspect the inode index",
	Long: `Inspect the inode index of the stack.

Subcommands:
  name      Print the index entry name of a path's origin
  decode    Decode an index entry name or a file handle
  verify    Check every index entry against the layers

Examples:
  ovlstack index name /a/file
  ovlstack index decode 00fb1d01...
  ovlstack index verify`,
}

var indexNameCmd = &cobra.Command{
	Use:   "name <path>",
	Short: "Print the index entry name of a path's origin",
	Args:  cobra.ExactArgs(1),
	RunE:  runIndexName,
}

var indexDecodeCmd = &cobra.Command{
	Use:   "decode <hex>",
	Short: "Decode an index entry name or a file handle",
	Long: `Decode a hex encoded file handle, as found in index entry names and
origin attributes, and classify it as valid, origin-unknown or invalid.

This does not need a stack.`,
	Args: cobra.ExactArgs(1),
	RunE: runIndexDecode,
}

var indexVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check every index entry",
	Long: `Verify every entry of the index directory against the layers.

Orphans (entries whose origin or upper is gone) and bad entries are
listed; nothing is removed. The command fails if any entry is bad.`,
	Args: cobra.NoArgs,
	RunE: runIndexVerify,
}

func init() {
	indexCmd.AddCommand(indexNameCmd)
	indexCmd.AddCommand(indexDecodeCmd)
	indexCmd.AddCommand(indexVerifyCmd)
	rootCmd.AddCommand(indexCmd)
}

func runIndexName(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	m, err := openMount(ctx)
	if err != nil {
		return err
	}
	defer m.Close()

	r, err := m.Resolve(ctx, args[0])
	if err != nil {
		return err
	}
	defer r.Release()

	d := r.Dentry()
	if d.Negative() || len(d.Entry.Lower) == 0 {
		return fmt.Errorf("%s has no lower origin", args[0])
	}
	name, err := m.FS().IndexNameOf(ctx, d.Entry.Lower[0].Path)
	if err != nil {
		return fmt.Errorf("failed to encode origin: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), name)
	if d.Entry.Index != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "indexed (ino=%d)\n", d.Entry.Index.Entry.Ino)
	}
	return nil
}

type decodedHandle struct {
	Check   string `yaml:"check"`
	Version uint8  `yaml:"version,omitempty"`
	Flags   string `yaml:"flags,omitempty"`
	Type    uint8  `yaml:"fid_type,omitempty"`
	UUID    string `yaml:"uuid,omitempty"`
	FID     string `yaml:"fid,omitempty"`
}

func describeFlags(flags uint8) string {
	var names []string
	if flags&overlay.FlagBigEndian != 0 {
		names = append(names, "big-endian")
	}
	if flags&overlay.FlagAnyEndian != 0 {
		names = append(names, "any-endian")
	}
	if flags&overlay.FlagPathUpper != 0 {
		names = append(names, "upper")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

func runIndexDecode(cmd *cobra.Command, args []string) error {
	b, err := hex.DecodeString(strings.TrimPrefix(args[0], "0x"))
	if err != nil {
		return fmt.Errorf("not a hex string: %w", err)
	}
	fh, check := overlay.ParseHandle(b)
	res := decodedHandle{Check: check.String()}
	if fh != nil {
		res.Version = fh.Version
		res.Flags = describeFlags(fh.Flags)
		res.Type = fh.Type
		res.UUID = fh.UUID.String()
		res.FID = hex.EncodeToString(fh.FID)
	}
	out, err := yaml.Marshal(res)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), string(out))
	return nil
}

func runIndexVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	m, err := openMount(ctx)
	if err != nil {
		return err
	}
	defer m.Close()

	report, err := m.ScanIndex(ctx)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(report)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), string(out))
	if len(report.Bad) > 0 {
		return fmt.Errorf("%d bad index entries", len(report.Bad))
	}
	return nil
}
