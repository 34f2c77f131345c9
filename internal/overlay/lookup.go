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
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"ovlstack/internal/layer"
)

// LayerSpec names a layer: a store and the path of the layer root in it.
type LayerSpec struct {
	Store layer.Layer
	Root  string
}

// Config describes an overlay stack.
type Config struct {
	Options
	// Upper is optional; without it the stack is read-only and the
	// index is off.
	Upper *LayerSpec
	// IndexDir is the index directory inside the upper store.
	IndexDir string
	// Lowers are ordered topmost first.
	Lowers []LayerSpec
	// Creds defaults to Privileged.
	Creds Credentials
	// Logger defaults to the logrus standard logger.
	Logger *log.Logger
}

type ovlLayer struct {
	store layer.Layer
	idx   int
	// fsid is 0 for layers sharing the upper filesystem.
	fsid    int
	badUUID bool
}

// FS resolves names through a stack of layers.
type FS struct {
	opts   Options
	creds  Credentials
	layers []*ovlLayer
	index  *layer.Path
	traps  map[layer.Ident]struct{}
	root   *Dentry
	log    *rateLimitedLogger
}

// New resolves the layer roots and the index directory of cfg. The
// returned FS holds references on them until Close.
func New(ctx context.Context, cfg Config) (*FS, error) {
	opts := cfg.Options
	if opts.NameMax == 0 {
		opts.NameMax = DefaultNameMax
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Lowers) == 0 {
		return nil, fmt.Errorf("no lower layers: %w", EINVAL)
	}
	creds := cfg.Creds
	if creds == nil {
		creds = Privileged
	}

	fs := &FS{
		opts:   opts,
		creds:  creds,
		layers: make([]*ovlLayer, len(cfg.Lowers)+1),
		traps:  make(map[layer.Ident]struct{}),
		log:    newRateLimitedLogger(cfg.Logger),
	}
	if cfg.Upper == nil && fs.opts.Index {
		fs.log.Debugf("[Lookup] no upper layer, index disabled")
		fs.disableIndex()
	}

	root := &MergedEntry{IsDir: true}
	ok := false
	defer func() {
		if !ok {
			root.Release()
			if fs.index != nil {
				fs.index.Release()
			}
		}
	}()

	if cfg.Upper != nil {
		p, err := openRoot(ctx, *cfg.Upper)
		if err != nil {
			return nil, fmt.Errorf("upper layer: %w", err)
		}
		root.Upper = p
		root.UpperData = true
		fs.layers[0] = &ovlLayer{store: cfg.Upper.Store, idx: 0}
	}
	for i, spec := range cfg.Lowers {
		p, err := openRoot(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("lower layer %d: %w", i+1, err)
		}
		root.Lower = append(root.Lower, OvlPath{Path: *p, Pos: i + 1})
		fs.layers[i+1] = &ovlLayer{store: spec.Store, idx: i + 1}
	}

	roots := make([]layer.Path, 0, len(root.Lower)+1)
	if root.Upper != nil {
		roots = append(roots, *root.Upper)
	}
	for _, p := range root.Lower {
		roots = append(roots, p.Path)
	}
	for _, p := range roots {
		if _, dup := fs.traps[p.Ident()]; dup {
			return nil, fmt.Errorf("overlapping layer roots (ino=%d): %w", p.Entry.Ino, ELOOP)
		}
		fs.traps[p.Ident()] = struct{}{}
	}
	fs.assignFSIDs()

	if fs.opts.Index {
		if err := fs.openIndex(ctx, cfg, root); err != nil {
			return nil, err
		}
	}

	fs.root = &Dentry{Entry: root}
	ok = true
	fs.log.Debugf("[Lookup] stack ready: upper=%t lowers=%d index=%t", root.Upper != nil, len(root.Lower), fs.index != nil)
	return fs, nil
}

func openRoot(ctx context.Context, spec LayerSpec) (*layer.Path, error) {
	e, err := layer.Walk(ctx, spec.Store, spec.Root)
	if err != nil {
		return nil, err
	}
	p := &layer.Path{Layer: spec.Store, Entry: e}
	if !e.IsDir() {
		p.Release()
		return nil, fmt.Errorf("root %q: %w", spec.Root, ENOTDIR)
	}
	return p, nil
}

func (fs *FS) disableIndex() {
	fs.opts.Index = false
	fs.opts.IndexAll = false
	fs.opts.NFSExport = false
	fs.opts.VerifyLower = false
}

// openIndex resolves the index directory and ties it, and the upper
// root, to the lower root. Stores that cannot hold handles fall back to
// running without an index.
func (fs *FS) openIndex(ctx context.Context, cfg Config, root *MergedEntry) error {
	e, err := layer.Walk(ctx, cfg.Upper.Store, cfg.IndexDir)
	if err != nil {
		fs.log.Warnf("index dir %q unavailable, falling back to index=off: %v", cfg.IndexDir, err)
		fs.disableIndex()
		return nil
	}
	index := layer.Path{Layer: cfg.Upper.Store, Entry: e}
	if !e.IsDir() {
		index.Release()
		return fmt.Errorf("index dir %q: %w", cfg.IndexDir, ENOTDIR)
	}
	if _, dup := fs.traps[index.Ident()]; dup {
		index.Release()
		return fmt.Errorf("index dir overlaps a layer root: %w", ELOOP)
	}

	err = fs.verifyOrigin(ctx, *root.Upper, root.Lower[0].Path, true)
	if err == nil {
		err = fs.verifyUpper(ctx, index, *root.Upper, true)
	}
	if errors.Is(err, layer.ErrNotSupported) {
		fs.log.Warnf("layers do not support file handles, falling back to index=off")
		index.Release()
		fs.disableIndex()
		return nil
	}
	if err != nil {
		index.Release()
		return fmt.Errorf("index does not match this stack: %w", err)
	}

	fs.index = &index
	fs.traps[index.Ident()] = struct{}{}
	return nil
}

func (fs *FS) assignFSIDs() {
	fsids := make(map[string]int)
	if up := fs.layers[0]; up != nil {
		fsids[up.store.FSID()] = 0
	}
	next := 1
	for _, l := range fs.layers[1:] {
		id, ok := fsids[l.store.FSID()]
		if !ok {
			id = next
			fsids[l.store.FSID()] = id
			next++
		}
		if fs.opts.UUID != UUIDOff {
			l.fsid = id
		}
	}

	for _, l := range fs.layers[1:] {
		if l.store.UUID() == uuid.Nil {
			l.badUUID = true
			continue
		}
		for _, o := range fs.layers {
			if o != nil && o != l && o.store.FSID() != l.store.FSID() && o.store.UUID() == l.store.UUID() {
				l.badUUID = true
				break
			}
		}
	}
}

// Root returns the root dentry. It stays valid until Close.
func (fs *FS) Root() *Dentry { return fs.root }

// Options returns the effective options.
func (fs *FS) Options() Options { return fs.opts }

// NumLower returns the number of lower layers.
func (fs *FS) NumLower() int { return len(fs.layers) - 1 }

// HasIndex reports whether the index is in use.
func (fs *FS) HasIndex() bool { return fs.index != nil }

// Close releases the layer roots and the index directory.
func (fs *FS) Close() {
	if fs.root != nil {
		fs.root.Release()
		fs.root = nil
	}
	if fs.index != nil {
		fs.index.Release()
		fs.index = nil
	}
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.Contains(name, "/")
}

// Lookup resolves name in the directory parent. The result is negative
// when no layer has the name. On error every reference taken so far is
// released.
func (fs *FS) Lookup(ctx context.Context, parent *Dentry, name string) (*Dentry, error) {
	switch {
	case parent == nil || parent.Negative():
		return nil, ENOENT
	case !parent.Entry.IsDir:
		return nil, ENOTDIR
	case !validName(name):
		return nil, fmt.Errorf("lookup %q: %w", name, EINVAL)
	case len(name) > fs.opts.NameMax:
		return nil, fmt.Errorf("lookup %q: %w", name, ENAMETOOLONG)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pe := parent.Entry
	roe := fs.root.Entry.Lower
	poe := pe.Lower
	poeIsRoot := parent == fs.root

	d := &lookupData{
		name:  name,
		last:  !fs.opts.RedirectFollow && len(poe) == 0,
		traps: newTrapArena(fs.traps),
	}

	var (
		upper         *layer.Path
		originPath    *OvlPath
		stack         []OvlPath
		index         *layer.Path
		hasOrigin     bool
		upperRedirect string
		upperOpaque   bool
		upperMetacopy bool
		ok            bool
	)
	defer func() {
		if originPath != nil {
			originPath.Path.Release()
		}
		if ok {
			return
		}
		if upper != nil {
			upper.Release()
		}
		for _, p := range stack {
			p.Path.Release()
		}
		if index != nil {
			index.Release()
		}
	}()

	path := strings.TrimSuffix(parent.Path(), "/") + "/" + name

	if pe.Upper != nil {
		this, err := fs.lookupLayer(ctx, *pe.Upper, d)
		if err != nil {
			return nil, err
		}
		upper = this
		if upper != nil && !d.isDir {
			if originPath, err = fs.checkOrigin(ctx, *upper); err != nil {
				return nil, err
			}
			upperMetacopy = d.metacopy
		}
		if d.redirect != "" {
			upperRedirect = d.redirect
			if d.redirect[0] == '/' {
				poe = roe
				poeIsRoot = true
			}
		}
		upperOpaque = d.opaque
	}

	for i := 0; !d.stop && i < len(poe); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lower := poe[i]

		if !fs.opts.RedirectFollow {
			d.last = i == len(poe)-1
		} else {
			d.last = lower.Pos == len(roe)
		}

		this, err := fs.lookupLayer(ctx, lower.Path, d)
		if err != nil {
			return nil, err
		}
		if this == nil {
			continue
		}

		if (upperMetacopy || d.metacopy) && !fs.opts.Metacopy {
			this.Release()
			fs.log.Warnf("refusing to follow metacopy origin for (%s)", path)
			return nil, fmt.Errorf("%s: metacopy: %w", path, EPERM)
		}

		if upper != nil && len(stack) == 0 && d.isDir {
			if err := fs.fixOrigin(ctx, parent, *this, *upper); err != nil {
				this.Release()
				return nil, err
			}
		}

		// Only a verified origin is used for the index lookup.
		if upper != nil && len(stack) == 0 &&
			((d.isDir && fs.opts.verifyLower()) || (!d.isDir && fs.opts.Index && originPath != nil)) {
			if err := fs.verifyOrigin(ctx, *upper, *this, false); err != nil {
				this.Release()
				if d.isDir {
					break
				}
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			hasOrigin = true
		}

		if d.metacopy && len(stack) > 0 {
			// Intermediate metacopy entries are not kept; only the
			// topmost one and the data below.
			this.Release()
		} else {
			stack = append(stack, OvlPath{Path: *this, Pos: lower.Pos})
		}

		if d.redirect != "" && !fs.opts.RedirectFollow {
			fs.log.Warnf("refusing to follow redirect for (%s)", path)
			return nil, fmt.Errorf("%s: redirect: %w", path, EPERM)
		}

		if d.stop {
			break
		}

		if d.redirect != "" && d.redirect[0] == '/' && !poeIsRoot {
			poe = roe
			poeIsRoot = true
			i = lower.Pos - 1
		}
	}

	if d.metacopy || (upperMetacopy && len(stack) == 0) {
		fs.log.Warnf("metacopy with no lower data found - abort lookup (%s)", path)
		return nil, fmt.Errorf("%s: metacopy with no lower data: %w", path, EIO)
	} else if !d.isDir && upper != nil && len(stack) == 0 && originPath != nil {
		stack = append(stack, *originPath)
		originPath = nil
		hasOrigin = true
	}

	if upper == nil && len(stack) > 0 {
		hasOrigin = true
	}

	if hasOrigin && fs.index != nil && (!d.isDir || fs.opts.IndexAll) {
		var err error
		if index, err = fs.LookupIndex(ctx, upper, stack[0].Path, true); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	if upper == nil && index != nil {
		stand := index.Dup()
		upper = &stand
		var err error
		if upperRedirect, err = fs.getRedirect(ctx, *upper); err != nil {
			return nil, err
		}
		if upperMetacopy, err = fs.checkMetacopy(ctx, *upper); err != nil {
			return nil, err
		}
	}

	ok = true
	if upper == nil && len(stack) == 0 {
		fs.log.Debugf("[Lookup] %s: negative (whiteout=%t)", path, upperOpaque)
		return &Dentry{Name: name, Parent: parent, whiteout: upperOpaque}, nil
	}

	entry := &MergedEntry{
		Upper:     upper,
		Lower:     stack,
		Index:     index,
		Redirect:  upperRedirect,
		Opaque:    upperOpaque,
		IsDir:     d.isDir,
		UpperData: upper != nil && !upperMetacopy,
	}
	if !entry.IsDir && len(stack) > 0 {
		entry.LowerData = &entry.Lower[len(entry.Lower)-1]
	}
	fs.log.Debugf("[Lookup] %s: upper=%t lower=%d index=%t dir=%t", path, upper != nil, len(stack), index != nil, d.isDir)
	return &Dentry{Name: name, Parent: parent, Entry: entry}, nil
}
