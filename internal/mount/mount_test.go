package mount

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ovlstack/internal/config"
	"ovlstack/internal/layer"
	"ovlstack/internal/memlayer"
	"ovlstack/internal/overlay"
	"ovlstack/internal/storage"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newLayerFile(t *testing.T, dir, name string, build func(ctx context.Context, lf *storage.LayerFile)) string {
	t.Helper()
	return newLayerFileWith(t, dir, name, storage.CreateOptions{}, build)
}

func newLayerFileWith(t *testing.T, dir, name string, opts storage.CreateOptions, build func(ctx context.Context, lf *storage.LayerFile)) string {
	t.Helper()
	path := filepath.Join(dir, name)
	lf, err := storage.Create(path, opts)
	require.NoError(t, err)
	build(context.Background(), lf)
	require.NoError(t, lf.Close())
	return path
}

// open mounts the stack and checks on cleanup that every store got all
// its references back.
func open(t *testing.T, stack string, dir string) *Mount {
	t.Helper()
	cfg, err := config.ParseStackConfig([]byte(stack), dir)
	require.NoError(t, err)
	m, err := Open(context.Background(), cfg, WithCache(0, 0))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, m.Close())
		for path, st := range m.stores {
			switch s := st.(type) {
			case *memlayer.Store:
				assert.Zero(t, s.Outstanding(), path)
			case *storage.LayerFile:
				assert.Zero(t, s.Outstanding(), path)
			}
		}
	})
	return m
}

func TestResolveManifestStack(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "top.yaml", `
entries:
  - path: a
    kind: directory
  - path: a/f
  - path: gone
    kind: whiteout
`)
	writeFile(t, dir, "bottom.yaml", `
entries:
  - path: a/g
  - path: a/f
    kind: symlink
  - path: gone
`)
	m := open(t, `
lowers:
  - store: top.yaml
  - store: bottom.yaml
`, dir)
	ctx := context.Background()

	summary, err := m.Summarize(ctx, "/a/f")
	require.NoError(t, err)
	require.Len(t, summary, 3)
	assert.Equal(t, "/", summary[0].Path)
	assert.Equal(t, []int{1, 2}, positions(summary[1].Lower))
	assert.Equal(t, []int{1}, positions(summary[2].Lower), "the top file hides the bottom symlink")
	assert.Equal(t, 1, summary[2].DataPos)

	r, err := m.Resolve(ctx, "a/g")
	require.NoError(t, err)
	assert.Equal(t, "/a/g", r.Dentry().Path())
	assert.Equal(t, 2, r.Dentry().Entry.Lower[0].Pos)
	r.Release()

	r, err = m.Resolve(ctx, "gone")
	require.NoError(t, err)
	assert.True(t, r.Dentry().Negative())
	r.Release()

	_, err = m.Resolve(ctx, "gone/x")
	assert.ErrorIs(t, err, overlay.ENOENT)
	_, err = m.Resolve(ctx, "a/f/x")
	assert.ErrorIs(t, err, overlay.ENOTDIR)

	r, err = m.Resolve(ctx, "/")
	require.NoError(t, err)
	assert.Same(t, m.FS().Root(), r.Dentry())
	r.Release()

	_, err = m.ScanIndex(ctx)
	assert.ErrorIs(t, err, overlay.ENOTSUP)
}

func positions(es []overlay.EntrySummary) []int {
	var out []int
	for _, e := range es {
		out = append(out, e.Pos)
	}
	return out
}

func TestResolveIsCached(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "lower.yaml", "entries:\n  - path: d/f\n")
	m := open(t, "lowers:\n  - store: lower.yaml\n", dir)
	ctx := context.Background()

	first, err := m.Summarize(ctx, "d/f")
	require.NoError(t, err)
	second, err := m.Summarize(ctx, "d/f")
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(first, second))

	stats := m.Cache().Stats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, uint64(2), stats.Misses, "only the first walk looks up")
}

func TestLayerFileUpperWithIndex(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "lower.yaml", `
entries:
  - path: d/f
  - path: d/g
`)
	upper := newLayerFile(t, dir, "upper.ovl", func(ctx context.Context, lf *storage.LayerFile) {
		require.NoError(t, lf.Mkdir(ctx, "upper/d"))
		require.NoError(t, lf.Create(ctx, "upper/d/g", layer.KindWhiteout))
		require.NoError(t, lf.Mkdir(ctx, "work/index"))
	})
	m := open(t, `
upper:
  store: upper.ovl
  root: upper
index_dir: work/index
lowers:
  - store: lower.yaml
options:
  index: true
`, dir)
	ctx := context.Background()
	require.True(t, m.FS().HasIndex())

	summary, err := m.Summarize(ctx, "/d/f")
	require.NoError(t, err)
	d := summary[1]
	assert.True(t, d.IsDir)
	require.NotNil(t, d.Upper)
	assert.Equal(t, []int{1}, positions(d.Lower))
	assert.Nil(t, summary[2].Upper)

	r, err := m.Resolve(ctx, "/d/g")
	require.NoError(t, err)
	assert.True(t, r.Dentry().Negative())
	assert.True(t, r.Dentry().Opaque())
	r.Release()

	// The merged directory got its origin recorded in the upper file.
	lf := m.stores[upper].(*storage.LayerFile)
	x, err := lf.Xattrs(ctx, "upper/d")
	require.NoError(t, err)
	assert.Contains(t, x, overlay.XattrName(overlay.XattrOrigin, false))

	report, err := m.ScanIndex(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Checked)
}

func TestNilUUIDLayerFiles(t *testing.T) {
	dir := t.TempDir()
	nilUUID := storage.CreateOptions{NilUUID: true}
	newLayerFileWith(t, dir, "one.ovl", nilUUID, func(ctx context.Context, lf *storage.LayerFile) {
		require.NoError(t, lf.Create(ctx, "d/a", layer.KindRegular))
	})
	newLayerFileWith(t, dir, "two.ovl", nilUUID, func(ctx context.Context, lf *storage.LayerFile) {
		require.NoError(t, lf.Create(ctx, "d/b", layer.KindRegular))
	})
	m := open(t, `
lowers:
  - store: one.ovl
  - store: two.ovl
options:
  uuid: "null"
`, dir)
	ctx := context.Background()
	require.Len(t, m.stores, 2)

	summary, err := m.Summarize(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, positions(summary[1].Lower))

	for name, pos := range map[string]int{"d/a": 1, "d/b": 2} {
		r, err := m.Resolve(ctx, name)
		require.NoError(t, err, name)
		assert.Equal(t, pos, r.Dentry().Entry.Lower[0].Pos, name)
		r.Release()
	}
}

func TestSharedStoreAndInvalidate(t *testing.T) {
	dir := t.TempDir()
	file := newLayerFile(t, dir, "both.ovl", func(ctx context.Context, lf *storage.LayerFile) {
		require.NoError(t, lf.Mkdir(ctx, "upper"))
		require.NoError(t, lf.Create(ctx, "lower/f", layer.KindRegular))
	})
	m := open(t, `
upper:
  store: both.ovl
  root: upper
lowers:
  - store: both.ovl
    root: lower
`, dir)
	ctx := context.Background()
	require.Len(t, m.stores, 1)

	r, err := m.Resolve(ctx, "new")
	require.NoError(t, err)
	assert.True(t, r.Dentry().Negative())
	r.Release()

	lf := m.stores[file].(*storage.LayerFile)
	require.NoError(t, lf.Create(ctx, "upper/new", layer.KindRegular))

	r, err = m.Resolve(ctx, "new")
	require.NoError(t, err)
	assert.True(t, r.Dentry().Negative(), "the cached negative entry is kept")
	r.Release()

	m.Invalidate("new")
	r, err = m.Resolve(ctx, "new")
	require.NoError(t, err)
	assert.False(t, r.Dentry().Negative())
	assert.NotNil(t, r.Dentry().Entry.Upper)
	r.Release()

	r, err = m.Resolve(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Dentry().Entry.Lower[0].Pos)
	r.Release()
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.yaml", "entries:\n  - path: x\n    kind: wat\n")

	for name, stack := range map[string]string{
		"missing store": "lowers:\n  - store: nope.ovl\n",
		"bad manifest":  "lowers:\n  - store: bad.yaml\n",
	} {
		t.Run(name, func(t *testing.T) {
			cfg, err := config.ParseStackConfig([]byte(stack), dir)
			require.NoError(t, err)
			_, err = Open(context.Background(), cfg)
			assert.Error(t, err)
		})
	}
}
