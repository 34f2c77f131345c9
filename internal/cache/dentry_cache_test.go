package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ovlstack/internal/layer"
	"ovlstack/internal/memlayer"
	"ovlstack/internal/overlay"
)

// testFS mounts a single lower store holding a few files.
func testFS(t *testing.T) (*overlay.FS, *memlayer.Store) {
	t.Helper()
	st := memlayer.New()
	for _, p := range []string{"a/x", "a/y", "b"} {
		require.NoError(t, st.Create(p, layer.KindRegular))
	}
	fs, err := overlay.New(context.Background(), overlay.Config{
		Options: overlay.DefaultOptions(),
		Lowers:  []overlay.LayerSpec{{Store: st}},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		fs.Close()
		assert.Zero(t, st.Outstanding(), "leaked references")
		assert.Zero(t, st.OverReleased(), "released too often")
	})
	return fs, st
}

func lookup(t *testing.T, fs *overlay.FS, parent *overlay.Dentry, name string) *overlay.Dentry {
	t.Helper()
	d, err := fs.Lookup(context.Background(), parent, name)
	require.NoError(t, err)
	return d
}

func TestDentryCache_GetPut(t *testing.T) {
	fs, st := testFS(t)
	c := NewDentryCache(0, 0)
	defer c.Invalidate()

	assert.Nil(t, c.Get("/a"))

	l := c.Put("/a", lookup(t, fs, fs.Root(), "a"))
	assert.Equal(t, "/a", l.Dentry().Path())
	l.Release()

	held := st.Outstanding()
	got := c.Get("/a")
	require.NotNil(t, got)
	assert.Same(t, l.Dentry(), got.Dentry())
	got.Release()

	// A second Put of a cached path keeps the first dentry.
	dup := c.Put("/a", lookup(t, fs, fs.Root(), "a"))
	assert.Same(t, l.Dentry(), dup.Dentry())
	dup.Release()
	assert.Equal(t, held, st.Outstanding())

	stats := c.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestDentryCache_InvalidatePathDropsSubtree(t *testing.T) {
	fs, st := testFS(t)
	c := NewDentryCache(0, 0)

	a := c.Put("/a", lookup(t, fs, fs.Root(), "a"))
	c.Put("/a/x", lookup(t, fs, a.Dentry(), "x")).Release()
	c.Put("/a/y", lookup(t, fs, a.Dentry(), "y")).Release()
	c.Put("/b", lookup(t, fs, fs.Root(), "b")).Release()
	a.Release()
	require.Equal(t, 4, c.Size())

	c.InvalidatePath("/a")
	assert.Equal(t, 1, c.Size())
	assert.Nil(t, c.Get("/a/x"))
	b := c.Get("/b")
	require.NotNil(t, b)
	b.Release()

	c.Invalidate()
	assert.Zero(t, c.Size())
	assert.Zero(t, st.Outstanding()-rootRefs(fs), "evicted dentries are released")
}

// rootRefs is the number of references the mounted stack holds itself.
func rootRefs(fs *overlay.FS) int {
	return len(fs.Root().Entry.Lower)
}

func TestDentryCache_LeaseOutlivesEviction(t *testing.T) {
	fs, st := testFS(t)
	c := NewDentryCache(0, 0)

	l := c.Put("/b", lookup(t, fs, fs.Root(), "b"))
	c.Invalidate()
	assert.Equal(t, rootRefs(fs)+1, st.Outstanding(), "leased dentry stays referenced")
	assert.False(t, l.Dentry().Negative())

	l.Release()
	assert.Equal(t, rootRefs(fs), st.Outstanding())
}

func TestDentryCache_MaxSize(t *testing.T) {
	fs, st := testFS(t)
	c := NewDentryCache(0, 1)
	defer c.Invalidate()

	c.Put("/a", lookup(t, fs, fs.Root(), "a")).Release()
	l := c.Put("/b", lookup(t, fs, fs.Root(), "b"))
	assert.Equal(t, 1, c.Size())
	assert.Nil(t, c.Get("/b"))
	l.Release()
	assert.Equal(t, rootRefs(fs)+1, st.Outstanding(), "uncached dentry released with its lease")
}

func TestDentryCache_TTL(t *testing.T) {
	fs, st := testFS(t)
	c := NewDentryCache(50*time.Millisecond, 0)

	a := c.Put("/a", lookup(t, fs, fs.Root(), "a"))
	c.Put("/a/x", lookup(t, fs, a.Dentry(), "x")).Release()
	a.Release()

	g := NewWithT(t)
	g.Eventually(func() bool {
		l := c.Get("/a")
		if l != nil {
			l.Release()
		}
		return l == nil
	}, time.Second, 10*time.Millisecond).Should(BeTrue())

	// The expired directory took its children with it.
	g.Expect(c.Size()).To(BeZero())
	g.Expect(st.Outstanding()).To(Equal(rootRefs(fs)))
}

func TestDentryCache_Disabled(t *testing.T) {
	fs, st := testFS(t)
	old := Disabled
	Disabled = true
	defer func() { Disabled = old }()

	c := NewDentryCache(0, 0)
	l := c.Put("/b", lookup(t, fs, fs.Root(), "b"))
	assert.Zero(t, c.Size())
	assert.Nil(t, c.Get("/b"))
	l.Release()
	assert.Equal(t, rootRefs(fs), st.Outstanding())
}

func TestDentryCache_LoadSharesConcurrentMisses(t *testing.T) {
	fs, st := testFS(t)
	c := NewDentryCache(0, 0)
	defer c.Invalidate()

	var (
		mu    sync.Mutex
		loads int
	)
	release := make(chan struct{})
	load := func() (*overlay.Dentry, error) {
		mu.Lock()
		loads++
		mu.Unlock()
		<-release
		return fs.Lookup(context.Background(), fs.Root(), "b")
	}

	var wg sync.WaitGroup
	leases := make([]*Lease, 8)
	for i := range leases {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := c.Load("/b", load)
			assert.NoError(t, err)
			leases[i] = l
		}(i)
	}
	// Let every goroutine reach the cache before the first load returns.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, l := range leases {
		require.NotNil(t, l)
		assert.Same(t, leases[0].Dentry(), l.Dentry())
		l.Release()
	}
	assert.LessOrEqual(t, loads, len(leases))
	assert.Equal(t, rootRefs(fs)+1, st.Outstanding())
}

func TestDentryCache_LoadError(t *testing.T) {
	c := NewDentryCache(0, 0)
	_, err := c.Load("/x", func() (*overlay.Dentry, error) { return nil, overlay.ENOENT })
	assert.ErrorIs(t, err, overlay.ENOENT)
	assert.Zero(t, c.Size())
}
