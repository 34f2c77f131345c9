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

// Package layer defines the storage abstraction the overlay lookup runs on.
//
// A Layer is one backing directory tree (a "store"). The overlay stacks
// several of them: one writable upper and any number of read-only lowers.
// Several overlay layers may live in the same store under different roots.
package layer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Errors reported by Layer implementations.
var (
	ErrNotFound     = errors.New("layer: entry not found")
	ErrNameTooLong  = errors.New("layer: name too long")
	ErrNoData       = errors.New("layer: attribute not found")
	ErrStale        = errors.New("layer: stale file handle")
	ErrNotSupported = errors.New("layer: operation not supported")
	ErrNotDir       = errors.New("layer: not a directory")
)

// Kind classifies an entry found in a layer. The set is closed: every
// switch over Kind in the overlay is expected to handle all of them.
type Kind int

const (
	// KindRegular is a regular file
	KindRegular Kind = iota
	// KindDirectory is a directory
	KindDirectory
	// KindSymlink is a symbolic link
	KindSymlink
	// KindSpecial is a device node, fifo or socket
	KindSpecial
	// KindWhiteout marks a name deleted in this layer
	KindWhiteout
	// KindWeird is an object the union cannot traverse (automount point,
	// foreign mount, entry with its own revalidation)
	KindWeird
)

func (k Kind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	case KindSpecial:
		return "special"
	case KindWhiteout:
		return "whiteout"
	case KindWeird:
		return "weird"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "regular", "file", "":
		return KindRegular, nil
	case "directory", "dir":
		return KindDirectory, nil
	case "symlink":
		return KindSymlink, nil
	case "special":
		return KindSpecial, nil
	case "whiteout":
		return KindWhiteout, nil
	case "weird":
		return KindWeird, nil
	}
	return 0, fmt.Errorf("unknown entry kind %q", s)
}

// FileType returns the POSIX file type the kind is stored as. Whiteouts
// are character devices, so they share a type with KindSpecial.
func (k Kind) FileType() uint32 {
	switch k {
	case KindDirectory:
		return 0040000
	case KindSymlink:
		return 0120000
	case KindSpecial, KindWhiteout:
		return 0020000
	case KindRegular, KindWeird:
		return 0100000
	}
	return 0
}

// Entry is a positive entry resolved inside a layer. Every Entry handed
// out by Root, Lookup or DecodeFID carries a reference that the receiver
// gives back with Release.
type Entry struct {
	Ino   uint64
	Kind  Kind
	Nlink uint32
}

// IsDir reports whether the entry can be looked up into.
func (e Entry) IsDir() bool { return e.Kind == KindDirectory }

// FID is the store-specific part of a file handle.
type FID struct {
	Type uint8
	Data []byte
}

// DirEnt is one name returned by ReadDir.
type DirEnt struct {
	Name string
	Ino  uint64
	Kind Kind
}

// Layer is the storage collaborator consumed by the overlay.
type Layer interface {
	// FSID identifies the store. Two layers with the same FSID share inodes.
	FSID() string
	// UUID is the filesystem UUID embedded in file handles. May be uuid.Nil.
	UUID() uuid.UUID
	Root(ctx context.Context) (Entry, error)
	// Lookup returns ErrNotFound for a missing name and ErrNameTooLong for
	// a name the store cannot hold.
	Lookup(ctx context.Context, parent Entry, name string) (Entry, error)
	ReadDir(ctx context.Context, dir Entry) ([]DirEnt, error)
	// GetXattr returns ErrNoData when the attribute is absent.
	GetXattr(ctx context.Context, e Entry, name string) ([]byte, error)
	SetXattr(ctx context.Context, e Entry, name string, value []byte) error
	// EncodeFID returns ErrNotSupported when the store cannot export handles.
	EncodeFID(ctx context.Context, e Entry) (FID, error)
	// DecodeFID returns ErrStale when the handle no longer resolves.
	DecodeFID(ctx context.Context, fid FID) (Entry, error)
	// Dup takes another reference on an entry already held.
	Dup(e Entry) Entry
	Release(e Entry)
}

// Ident is the stable identity of an entry across layers.
type Ident struct {
	FSID string
	Ino  uint64
}

// Path pairs an entry with the layer it lives in.
type Path struct {
	Layer Layer
	Entry Entry
}

// Ident returns the identity of the entry.
func (p Path) Ident() Ident {
	return Ident{FSID: p.Layer.FSID(), Ino: p.Entry.Ino}
}

// Release gives the entry's reference back to its layer.
func (p Path) Release() {
	if p.Layer != nil {
		p.Layer.Release(p.Entry)
	}
}

// Dup returns a second reference to the same entry.
func (p Path) Dup() Path {
	return Path{Layer: p.Layer, Entry: p.Layer.Dup(p.Entry)}
}

// Same reports whether two paths refer to the same inode.
func (p Path) Same(o Path) bool {
	return p.Layer != nil && o.Layer != nil && p.Ident() == o.Ident()
}

// Walk resolves a slash separated path from the store root. The returned
// entry holds a reference; intermediate references are released.
func Walk(ctx context.Context, l Layer, path string) (Entry, error) {
	cur, err := l.Root(ctx)
	if err != nil {
		return Entry{}, err
	}
	for _, name := range strings.Split(path, "/") {
		if name == "" || name == "." {
			continue
		}
		if !cur.IsDir() {
			l.Release(cur)
			return Entry{}, fmt.Errorf("%s: %w", path, ErrNotDir)
		}
		next, err := l.Lookup(ctx, cur, name)
		l.Release(cur)
		if err != nil {
			return Entry{}, fmt.Errorf("%s: %w", path, err)
		}
		cur = next
	}
	return cur, nil
}
