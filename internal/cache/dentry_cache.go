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

package cache

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"ovlstack/internal/overlay"
)

// DentryCache caches looked up dentries with TTL-based expiration.
// Supports fine-grained invalidation by path.
//
// The cache owns the layer references of every dentry it holds. Callers
// borrow a dentry through a Lease; an evicted dentry is released when its
// last lease is.
//
// Thread-safe: Uses a Mutex for all access.
type DentryCache struct {
	mu      sync.Mutex
	entries map[string]*dentryEntry
	ttl     time.Duration
	maxSize int
	hits    uint64
	misses  uint64

	// group serializes concurrent loads of the same path
	group singleflight.Group
}

type dentryEntry struct {
	d       *overlay.Dentry
	expires time.Time
	pins    int
	evicted bool
}

// Lease is a borrowed dentry. Release must be called exactly once.
type Lease struct {
	c *DentryCache
	e *dentryEntry
}

// Dentry returns the leased dentry.
func (l *Lease) Dentry() *overlay.Dentry { return l.e.d }

// Release returns the lease. An evicted dentry is released with its
// last lease.
func (l *Lease) Release() {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	l.e.pins--
	l.c.maybeRelease(l.e)
}

// NewDentryCache creates a new dentry cache.
// ttl: Time-to-live for cached entries (use 0 for no expiration)
// maxSize: Maximum number of entries (use 0 for unlimited)
func NewDentryCache(ttl time.Duration, maxSize int) *DentryCache {
	return &DentryCache{
		entries: make(map[string]*dentryEntry, 256),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

func (c *DentryCache) maybeRelease(e *dentryEntry) {
	if e.evicted && e.pins == 0 {
		e.d.Release()
	}
}

// evictLocked drops a key from the map.
func (c *DentryCache) evictLocked(path string) {
	e, ok := c.entries[path]
	if !ok {
		return
	}
	delete(c.entries, path)
	e.evicted = true
	c.maybeRelease(e)
}

// evictTreeLocked drops path and everything below it.
func (c *DentryCache) evictTreeLocked(path string) {
	c.evictLocked(path)
	prefix := path
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	for p := range c.entries {
		if strings.HasPrefix(p, prefix) {
			c.evictLocked(p)
		}
	}
}

// Get leases the cached dentry of path.
// Returns nil if not found, expired, or caching is disabled (OVLSTACK_CACHE=0).
// An expired entry is evicted together with the entries below it.
func (c *DentryCache) Get(path string) *Lease {
	if Disabled {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[path]
	if !ok {
		c.misses++
		return nil
	}
	if c.ttl > 0 && time.Now().After(e.expires) {
		c.evictTreeLocked(path)
		c.misses++
		return nil
	}
	c.hits++
	e.pins++
	return &Lease{c: c, e: e}
}

// Put stores the dentry of path and leases it back. The cache takes over
// the dentry's references. If path is already cached, d is released and
// the cached dentry is leased instead. When the cache is full or disabled
// d is leased uncached and released with the lease.
func (c *DentryCache) Put(path string, d *overlay.Dentry) *Lease {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := &dentryEntry{d: d, pins: 1}
	if Disabled {
		e.evicted = true
		return &Lease{c: c, e: e}
	}
	if old, ok := c.entries[path]; ok && (c.ttl == 0 || time.Now().Before(old.expires)) {
		d.Release()
		old.pins++
		return &Lease{c: c, e: old}
	}
	c.evictTreeLocked(path)

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		// Don't add new entries when at capacity
		e.evicted = true
		return &Lease{c: c, e: e}
	}
	if c.ttl > 0 {
		e.expires = time.Now().Add(c.ttl)
	}
	c.entries[path] = e
	return &Lease{c: c, e: e}
}

// Load leases the dentry of path, calling load on a miss. Concurrent
// misses of one path share a single load. A dentry the cache cannot keep
// is loaded again privately for the caller.
func (c *DentryCache) Load(path string, load func() (*overlay.Dentry, error)) (*Lease, error) {
	if l := c.Get(path); l != nil {
		return l, nil
	}
	if !Disabled {
		_, err, _ := c.group.Do(path, func() (interface{}, error) {
			c.mu.Lock()
			_, ok := c.entries[path]
			c.mu.Unlock()
			if ok {
				return nil, nil
			}
			d, err := load()
			if err != nil {
				return nil, err
			}
			c.Put(path, d).Release()
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
		if l := c.Get(path); l != nil {
			return l, nil
		}
	}
	d, err := load()
	if err != nil {
		return nil, err
	}
	return c.Put(path, d), nil
}

// Invalidate clears all entries from the cache.
func (c *DentryCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for p := range c.entries {
		c.evictLocked(p)
	}
}

// InvalidatePath removes path and every entry below it. A changed
// directory changes the lookup of all its descendants.
func (c *DentryCache) InvalidatePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictTreeLocked(path)
}

// Size returns the current number of entries in the cache.
func (c *DentryCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// DentryCacheStats describes the cache state.
type DentryCacheStats struct {
	Size    int           `yaml:"size"`
	MaxSize int           `yaml:"max_size"`
	TTL     time.Duration `yaml:"ttl"`
	Hits    uint64        `yaml:"hits"`
	Misses  uint64        `yaml:"misses"`
}

// Stats returns current cache statistics.
func (c *DentryCache) Stats() DentryCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return DentryCacheStats{
		Size:    len(c.entries),
		MaxSize: c.maxSize,
		TTL:     c.ttl,
		Hits:    c.hits,
		Misses:  c.misses,
	}
}
