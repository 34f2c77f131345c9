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

package overlay

import (
	"strings"

	"ovlstack/internal/layer"
)

// OvlPath is an entry found in a layer of the stack. Pos 0 is the upper
// layer, lower layers count from 1.
type OvlPath struct {
	Path layer.Path
	Pos  int
}

// MergedEntry is the resolved identity of one path element. It owns a
// reference on every layer entry it holds.
type MergedEntry struct {
	Upper *layer.Path
	// Lower is the lower stack, topmost first.
	Lower []OvlPath
	// LowerData is the deepest lower entry of a non-directory; file data
	// comes from it when the upper is absent or only a metacopy.
	LowerData *OvlPath
	Index     *layer.Path
	// Redirect is the redirect found on the upper entry.
	Redirect string
	Opaque   bool
	IsDir    bool
	// UpperData is set when the upper entry carries the file data.
	UpperData bool
}

// Release drops every reference held by the entry.
func (e *MergedEntry) Release() {
	if e.Upper != nil {
		e.Upper.Release()
		e.Upper = nil
	}
	for _, p := range e.Lower {
		p.Path.Release()
	}
	e.Lower = nil
	e.LowerData = nil
	if e.Index != nil {
		e.Index.Release()
		e.Index = nil
	}
}

// DataSource returns the entry whose content reads are served from.
func (e *MergedEntry) DataSource() *OvlPath {
	switch {
	case e.UpperData:
		return &OvlPath{Path: *e.Upper, Pos: 0}
	case e.LowerData != nil:
		return e.LowerData
	case len(e.Lower) > 0:
		return &e.Lower[0]
	}
	return nil
}

// Dentry is the result of a lookup: a named merged entry, or a negative
// entry when Entry is nil.
type Dentry struct {
	Name   string
	Parent *Dentry
	Entry  *MergedEntry
	// whiteout records that a negative entry was deleted in the upper.
	whiteout bool
}

// Negative reports whether the name does not exist in the union.
func (d *Dentry) Negative() bool { return d.Entry == nil }

// Opaque reports whether lower layers are hidden at this name. For a
// negative entry that means the upper holds a whiteout.
func (d *Dentry) Opaque() bool {
	if d.Entry == nil {
		return d.whiteout
	}
	return d.Entry.Opaque
}

// Path returns the slash separated path from the root.
func (d *Dentry) Path() string {
	var parts []string
	for cur := d; cur != nil && cur.Parent != nil; cur = cur.Parent {
		parts = append(parts, cur.Name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/")
}

// Release drops the references of the merged entry, if any.
func (d *Dentry) Release() {
	if d.Entry != nil {
		d.Entry.Release()
	}
}

// Summary is a printable description of a dentry.
type Summary struct {
	Path      string         `yaml:"path"`
	Negative  bool           `yaml:"negative,omitempty"`
	Opaque    bool           `yaml:"opaque,omitempty"`
	IsDir     bool           `yaml:"dir,omitempty"`
	Upper     *EntrySummary  `yaml:"upper,omitempty"`
	Lower     []EntrySummary `yaml:"lower,omitempty"`
	Index     *EntrySummary  `yaml:"index,omitempty"`
	Redirect  string         `yaml:"redirect,omitempty"`
	UpperData bool           `yaml:"upper_data,omitempty"`
	DataPos   int            `yaml:"data_layer"`
}

// EntrySummary describes one layer entry.
type EntrySummary struct {
	Pos  int    `yaml:"layer"`
	Ino  uint64 `yaml:"ino"`
	Kind string `yaml:"kind"`
}

func summarize(p layer.Path, pos int) EntrySummary {
	return EntrySummary{Pos: pos, Ino: p.Entry.Ino, Kind: p.Entry.Kind.String()}
}

// Summarize describes the dentry.
func (d *Dentry) Summarize() Summary {
	s := Summary{Path: d.Path(), Negative: d.Negative(), Opaque: d.Opaque(), DataPos: -1}
	e := d.Entry
	if e == nil {
		return s
	}
	s.IsDir = e.IsDir
	s.Redirect = e.Redirect
	s.UpperData = e.UpperData
	if e.Upper != nil {
		u := summarize(*e.Upper, 0)
		s.Upper = &u
	}
	for _, p := range e.Lower {
		s.Lower = append(s.Lower, summarize(p.Path, p.Pos))
	}
	if e.Index != nil {
		i := summarize(*e.Index, 0)
		s.Index = &i
	}
	if src := e.DataSource(); src != nil && !e.IsDir {
		s.DataPos = src.Pos
	}
	return s
}
