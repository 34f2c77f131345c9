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

// Package mount assembles a configured stack of stores into an overlay
// and resolves whole paths through it.
package mount

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"ovlstack/internal/cache"
	"ovlstack/internal/config"
	"ovlstack/internal/layer"
	"ovlstack/internal/memlayer"
	"ovlstack/internal/overlay"
	"ovlstack/internal/storage"
)

// Mount is an overlay over the stores named by a stack description.
type Mount struct {
	fs     *overlay.FS
	cache  *cache.DentryCache
	stores map[string]layer.Layer
	files  []*storage.LayerFile
}

type options struct {
	cacheTTL  time.Duration
	cacheSize int
	logger    *log.Logger
}

// Option configures Open.
type Option func(*options)

// WithCache sets the dentry cache TTL and size (0 for no limit).
func WithCache(ttl time.Duration, maxEntries int) Option {
	return func(o *options) {
		o.cacheTTL = ttl
		o.cacheSize = maxEntries
	}
}

// WithLogger sets the logger overlay warnings go to.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// isManifest reports whether a store path names an in-memory manifest.
func isManifest(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Open opens every store of cfg and mounts the overlay. A store named
// by several layers is opened once; it is writable if it holds the upper.
func Open(ctx context.Context, cfg *config.StackConfig, opts ...Option) (*Mount, error) {
	o := options{cacheTTL: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	ovlOpts, err := cfg.ToOverlay()
	if err != nil {
		return nil, err
	}

	m := &Mount{
		cache:  cache.NewDentryCache(o.cacheTTL, o.cacheSize),
		stores: make(map[string]layer.Layer),
	}
	ok := false
	defer func() {
		if !ok {
			m.closeStores()
		}
	}()

	ovlCfg := overlay.Config{
		Options:  ovlOpts,
		IndexDir: cfg.IndexDir,
		Logger:   o.logger,
	}
	if cfg.Unprivileged {
		ovlCfg.Creds = overlay.Unprivileged
	}
	if cfg.Upper != nil {
		st, err := m.openStore(cfg.Upper.Store, false)
		if err != nil {
			return nil, fmt.Errorf("upper layer: %w", err)
		}
		ovlCfg.Upper = &overlay.LayerSpec{Store: st, Root: cfg.Upper.Root}
	}
	for i, l := range cfg.Lowers {
		st, err := m.openStore(l.Store, true)
		if err != nil {
			return nil, fmt.Errorf("lower layer %d: %w", i+1, err)
		}
		ovlCfg.Lowers = append(ovlCfg.Lowers, overlay.LayerSpec{Store: st, Root: l.Root})
	}

	m.fs, err = overlay.New(ctx, ovlCfg)
	if err != nil {
		return nil, err
	}
	ok = true
	log.Debugf("[Mount] mounted %d lower layers (upper=%t, index=%t)", m.fs.NumLower(), cfg.Upper != nil, m.fs.HasIndex())
	return m, nil
}

func (m *Mount) openStore(path string, readOnly bool) (layer.Layer, error) {
	if st, ok := m.stores[path]; ok {
		return st, nil
	}
	var st layer.Layer
	if isManifest(path) {
		ms, err := memlayer.LoadManifest(path)
		if err != nil {
			return nil, err
		}
		st = ms
	} else {
		lf, err := storage.Open(path, readOnly)
		if err != nil {
			return nil, err
		}
		m.files = append(m.files, lf)
		st = lf
	}
	m.stores[path] = st
	return st, nil
}

func (m *Mount) closeStores() {
	for _, lf := range m.files {
		if err := lf.Close(); err != nil {
			log.Warnf("[Mount] closing %s: %v", lf.Path(), err)
		}
	}
	m.files = nil
}

// FS returns the mounted overlay.
func (m *Mount) FS() *overlay.FS { return m.fs }

// Cache returns the dentry cache used by Resolve.
func (m *Mount) Cache() *cache.DentryCache { return m.cache }

// Close drops the cache, unmounts and closes the stores.
func (m *Mount) Close() error {
	m.cache.Invalidate()
	m.fs.Close()
	m.closeStores()
	return nil
}

// Resolved is a looked up path. It keeps every element of the path
// leased so parents stay valid while the result is in use.
type Resolved struct {
	root   *overlay.Dentry
	leases []*cache.Lease
}

// Dentry returns the dentry of the last path element.
func (r *Resolved) Dentry() *overlay.Dentry {
	if len(r.leases) == 0 {
		return r.root
	}
	return r.leases[len(r.leases)-1].Dentry()
}

// Elements returns the dentries from the root down to the last element.
func (r *Resolved) Elements() []*overlay.Dentry {
	ds := []*overlay.Dentry{r.root}
	for _, l := range r.leases {
		ds = append(ds, l.Dentry())
	}
	return ds
}

// Release returns every lease.
func (r *Resolved) Release() {
	for i := len(r.leases) - 1; i >= 0; i-- {
		r.leases[i].Release()
	}
	r.leases = nil
}

// Resolve looks up path one element at a time from the root, going
// through the dentry cache. A negative element before the last one is
// ENOENT. The last element may be negative.
func (m *Mount) Resolve(ctx context.Context, path string) (*Resolved, error) {
	r := &Resolved{root: m.fs.Root()}
	cur := r.root
	key := ""
	names := strings.Split(strings.Trim(path, "/"), "/")
	for i, name := range names {
		if name == "" && len(names) == 1 {
			break
		}
		if cur.Negative() {
			r.Release()
			return nil, fmt.Errorf("%s: %w", key, overlay.ENOENT)
		}
		key += "/" + name
		parent := cur
		lease, err := m.cache.Load(key, func() (*overlay.Dentry, error) {
			return m.fs.Lookup(ctx, parent, name)
		})
		if err != nil {
			r.Release()
			return nil, fmt.Errorf("lookup %s (element %d): %w", key, i+1, err)
		}
		r.leases = append(r.leases, lease)
		cur = lease.Dentry()
	}
	return r, nil
}

// Summarize resolves path and describes every element of it.
func (m *Mount) Summarize(ctx context.Context, path string) ([]overlay.Summary, error) {
	r, err := m.Resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	defer r.Release()

	var out []overlay.Summary
	for _, d := range r.Elements() {
		out = append(out, d.Summarize())
	}
	return out, nil
}

// Invalidate drops path and everything below it from the cache, as
// needed after a layer changed underneath the mount.
func (m *Mount) Invalidate(path string) {
	m.cache.InvalidatePath("/" + strings.Trim(path, "/"))
}

// ScanIndex verifies the index directory.
func (m *Mount) ScanIndex(ctx context.Context) (*overlay.IndexReport, error) {
	report, err := m.fs.ScanIndex(ctx)
	if errors.Is(err, overlay.ENOTSUP) {
		return nil, fmt.Errorf("stack has no index: %w", err)
	}
	return report, err
}
