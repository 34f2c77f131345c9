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

// Package memlayer provides an in-memory layer store.
//
// It backs tests and YAML described stacks. Every entry handed out is
// reference counted so callers can check that nothing leaks.
package memlayer

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"ovlstack/internal/common"
	"ovlstack/internal/layer"
)

// RootIno is the inode number of the store root
const RootIno = 1

// fidTypeInoGen tags handles carrying a 64-bit inode and 32-bit generation
const fidTypeInoGen = 0x81

const maxNameLen = 255

type node struct {
	ino      uint64
	gen      uint32
	kind     layer.Kind
	nlink    uint32
	children map[string]uint64
	xattrs   map[string][]byte
}

// Store is an in-memory layer.Layer.
type Store struct {
	mu      sync.Mutex
	fsid    string
	uuid    uuid.UUID
	nodes   map[uint64]*node
	nextIno uint64
	nextGen uint32

	refs         map[uint64]int
	overReleased int

	noHandles  bool
	noXattrSet bool
	faults     map[string]error
}

// Option configures a Store.
type Option func(*Store)

// WithUUID sets the filesystem UUID embedded in handles.
func WithUUID(id uuid.UUID) Option {
	return func(s *Store) { s.uuid = id }
}

// WithoutHandles makes EncodeFID fail with layer.ErrNotSupported.
func WithoutHandles() Option {
	return func(s *Store) { s.noHandles = true }
}

// WithoutXattrWrites makes SetXattr fail with layer.ErrNotSupported.
func WithoutXattrWrites() Option {
	return func(s *Store) { s.noXattrSet = true }
}

// New creates an empty store holding only a root directory.
func New(opts ...Option) *Store {
	s := &Store{
		fsid:    "mem-" + uuid.NewString(),
		uuid:    uuid.New(),
		nodes:   make(map[uint64]*node),
		nextIno: RootIno,
		refs:    make(map[uint64]int),
		faults:  make(map[string]error),
	}
	for _, opt := range opts {
		opt(s)
	}
	root := s.newNode(layer.KindDirectory)
	root.nlink = 1
	return s
}

func (s *Store) newNode(kind layer.Kind) *node {
	s.nextGen++
	n := &node{
		ino:    s.nextIno,
		gen:    s.nextGen,
		kind:   kind,
		xattrs: make(map[string][]byte),
	}
	if kind == layer.KindDirectory {
		n.children = make(map[string]uint64)
	}
	s.nodes[n.ino] = n
	s.nextIno++
	return n
}

// --- layer.Layer ---

// FSID implements layer.Layer.
func (s *Store) FSID() string { return s.fsid }

// UUID implements layer.Layer.
func (s *Store) UUID() uuid.UUID { return s.uuid }

// Root implements layer.Layer.
func (s *Store) Root(ctx context.Context) (layer.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hold(s.nodes[RootIno]), nil
}

// Lookup implements layer.Layer.
func (s *Store) Lookup(ctx context.Context, parent layer.Entry, name string) (layer.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.faults[name]; ok {
		return layer.Entry{}, err
	}
	if len(name) > maxNameLen {
		return layer.Entry{}, layer.ErrNameTooLong
	}
	dir, ok := s.nodes[parent.Ino]
	if !ok {
		return layer.Entry{}, layer.ErrStale
	}
	if dir.kind != layer.KindDirectory {
		return layer.Entry{}, layer.ErrNotDir
	}
	ino, ok := dir.children[name]
	if !ok {
		return layer.Entry{}, layer.ErrNotFound
	}
	return s.hold(s.nodes[ino]), nil
}

// ReadDir implements layer.Layer.
func (s *Store) ReadDir(ctx context.Context, dir layer.Entry) ([]layer.DirEnt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[dir.Ino]
	if !ok {
		return nil, layer.ErrStale
	}
	if n.kind != layer.KindDirectory {
		return nil, layer.ErrNotDir
	}
	result := make([]layer.DirEnt, 0, len(n.children))
	for name, ino := range n.children {
		result = append(result, layer.DirEnt{Name: name, Ino: ino, Kind: s.nodes[ino].kind})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// GetXattr implements layer.Layer.
func (s *Store) GetXattr(ctx context.Context, e layer.Entry, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[e.Ino]
	if !ok {
		return nil, layer.ErrStale
	}
	v, ok := n.xattrs[name]
	if !ok {
		return nil, layer.ErrNoData
	}
	return append([]byte(nil), v...), nil
}

// SetXattr implements layer.Layer.
func (s *Store) SetXattr(ctx context.Context, e layer.Entry, name string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.noXattrSet {
		return layer.ErrNotSupported
	}
	n, ok := s.nodes[e.Ino]
	if !ok {
		return layer.ErrStale
	}
	n.xattrs[name] = append([]byte(nil), value...)
	return nil
}

// EncodeFID implements layer.Layer.
func (s *Store) EncodeFID(ctx context.Context, e layer.Entry) (layer.FID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.noHandles {
		return layer.FID{}, layer.ErrNotSupported
	}
	n, ok := s.nodes[e.Ino]
	if !ok {
		return layer.FID{}, layer.ErrStale
	}
	data := make([]byte, 12)
	binary.LittleEndian.PutUint64(data[0:8], n.ino)
	binary.LittleEndian.PutUint32(data[8:12], n.gen)
	return layer.FID{Type: fidTypeInoGen, Data: data}, nil
}

// DecodeFID implements layer.Layer.
func (s *Store) DecodeFID(ctx context.Context, fid layer.FID) (layer.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fid.Type != fidTypeInoGen || len(fid.Data) != 12 {
		return layer.Entry{}, layer.ErrStale
	}
	ino := binary.LittleEndian.Uint64(fid.Data[0:8])
	gen := binary.LittleEndian.Uint32(fid.Data[8:12])
	n, ok := s.nodes[ino]
	if !ok || n.gen != gen {
		return layer.Entry{}, layer.ErrStale
	}
	return s.hold(n), nil
}

// Dup implements layer.Layer.
func (s *Store) Dup(e layer.Entry) layer.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[e.Ino]++
	return e
}

// Release implements layer.Layer.
func (s *Store) Release(e layer.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs[e.Ino] == 0 {
		s.overReleased++
		return
	}
	s.refs[e.Ino]--
	if s.refs[e.Ino] == 0 {
		delete(s.refs, e.Ino)
	}
}

func (s *Store) hold(n *node) layer.Entry {
	s.refs[n.ino]++
	return layer.Entry{Ino: n.ino, Kind: n.kind, Nlink: n.nlink}
}

// Outstanding returns the number of references not yet released.
func (s *Store) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, c := range s.refs {
		total += c
	}
	return total
}

// OverReleased returns how many Release calls had no matching reference.
func (s *Store) OverReleased() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overReleased
}

// FailLookup makes every lookup of name return err. A nil err clears it.
func (s *Store) FailLookup(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, name)
		return
	}
	s.faults[name] = err
}

// --- tree building ---

func (s *Store) resolve(path string) (*node, error) {
	n := s.nodes[RootIno]
	for _, name := range common.SplitPath(path) {
		if n.kind != layer.KindDirectory {
			return nil, fmt.Errorf("%s: %w", path, layer.ErrNotDir)
		}
		ino, ok := n.children[name]
		if !ok {
			return nil, fmt.Errorf("%s: %w", path, layer.ErrNotFound)
		}
		n = s.nodes[ino]
	}
	return n, nil
}

// parentFor resolves the parent of path, creating missing directories.
func (s *Store) parentFor(path string) (*node, string, error) {
	parts := common.SplitPath(path)
	if len(parts) == 0 {
		return nil, "", fmt.Errorf("%q: %w", path, common.ErrInvalidPath)
	}
	dir := s.nodes[RootIno]
	for _, name := range parts[:len(parts)-1] {
		ino, ok := dir.children[name]
		if !ok {
			child := s.newNode(layer.KindDirectory)
			child.nlink = 1
			dir.children[name] = child.ino
			dir = child
			continue
		}
		dir = s.nodes[ino]
		if dir.kind != layer.KindDirectory {
			return nil, "", fmt.Errorf("%s: %w", path, layer.ErrNotDir)
		}
	}
	return dir, parts[len(parts)-1], nil
}

// Create adds an entry of the given kind, creating parent directories.
func (s *Store) Create(path string, kind layer.Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, name, err := s.parentFor(path)
	if err != nil {
		return err
	}
	if _, exists := dir.children[name]; exists {
		return fmt.Errorf("%s: %w", path, common.ErrExists)
	}
	n := s.newNode(kind)
	n.nlink = 1
	dir.children[name] = n.ino
	return nil
}

// Mkdir creates a directory and any missing parents. Existing
// directories are left alone.
func (s *Store) Mkdir(path string) error {
	s.mu.Lock()
	if n, err := s.resolve(path); err == nil {
		s.mu.Unlock()
		if n.kind != layer.KindDirectory {
			return fmt.Errorf("%s: %w", path, common.ErrExists)
		}
		return nil
	}
	s.mu.Unlock()
	return s.Create(path, layer.KindDirectory)
}

// Link adds a second name for an existing entry. Directories may be
// linked too, which real filesystems forbid; tests use it to build
// overlapping layer traps.
func (s *Store) Link(oldPath, newPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := s.resolve(oldPath)
	if err != nil {
		return err
	}
	dir, name, err := s.parentFor(newPath)
	if err != nil {
		return err
	}
	if _, exists := dir.children[name]; exists {
		return fmt.Errorf("%s: %w", newPath, common.ErrExists)
	}
	dir.children[name] = target.ino
	target.nlink++
	return nil
}

// Remove unlinks a name. The inode is dropped with its last link, which
// makes handles to it stale.
func (s *Store) Remove(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	parts := common.SplitPath(path)
	if len(parts) == 0 {
		return fmt.Errorf("%q: %w", path, common.ErrInvalidPath)
	}
	dir, err := s.resolve(strings.Join(parts[:len(parts)-1], "/"))
	if err != nil {
		return err
	}
	ino, ok := dir.children[parts[len(parts)-1]]
	if !ok {
		return fmt.Errorf("%s: %w", path, layer.ErrNotFound)
	}
	delete(dir.children, parts[len(parts)-1])
	n := s.nodes[ino]
	n.nlink--
	if n.nlink == 0 {
		delete(s.nodes, ino)
	}
	return nil
}

// SetXattrPath sets an extended attribute on the entry at path.
func (s *Store) SetXattrPath(path, name string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.resolve(path)
	if err != nil {
		return err
	}
	n.xattrs[name] = append([]byte(nil), value...)
	return nil
}

// XattrPath reads an extended attribute without taking a reference.
func (s *Store) XattrPath(path, name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.resolve(path)
	if err != nil {
		return nil, false
	}
	v, ok := n.xattrs[name]
	return v, ok
}

// Stat returns the entry at path without taking a reference.
func (s *Store) Stat(path string) (layer.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.resolve(path)
	if err != nil {
		return layer.Entry{}, err
	}
	return layer.Entry{Ino: n.ino, Kind: n.kind, Nlink: n.nlink}, nil
}
