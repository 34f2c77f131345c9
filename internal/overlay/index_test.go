package overlay

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ovlstack/internal/layer"
)

var indexOpts = withOpts(func(o *Options) { o.Index = true })

// lowerPath returns a lower entry as LookupIndex expects it. The stack
// keeps the store alive; no reference is taken.
func lowerPath(t *testing.T, s *testStack, i int, path string) layer.Path {
	t.Helper()
	e, err := s.lowers[i].Stat(path)
	require.NoError(t, err)
	return layer.Path{Layer: s.lowers[i], Entry: e}
}

func upperPath(t *testing.T, s *testStack, path string) layer.Path {
	t.Helper()
	e, err := s.upper.Stat(path)
	require.NoError(t, err)
	return layer.Path{Layer: s.upper, Entry: e}
}

func TestWhiteoutIndexDependsOnCaller(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStack(t, 1)
	s.create(s.lowers[0], "x", layer.KindRegular)
	s.create(s.lowers[0], "dir", layer.KindDirectory)
	fs := s.mount(indexOpts)
	for _, p := range []string{"x", "dir"} {
		s.create(s.upper, indexDir+"/"+IndexName(handleOf(t, fs, s.lowers[0], p, false)), layer.KindWhiteout)
	}

	// Decoding an overlay file handle: stale, and quietly so.
	_, err := fs.LookupIndex(ctx, nil, lowerPath(t, s, 0, "x"), false)
	require.ErrorIs(t, err, ESTALE)
	assert.Empty(t, s.warnings())

	// Path lookup of a non-directory: the index simply does not apply.
	index, err := fs.LookupIndex(ctx, nil, lowerPath(t, s, 0, "x"), true)
	require.NoError(t, err)
	assert.Nil(t, index)

	// A linked directory never has a whiteout index.
	_, err = fs.LookupIndex(ctx, nil, lowerPath(t, s, 0, "dir"), true)
	require.ErrorIs(t, err, EIO)
}

func TestIndexTypeMismatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kinds := []layer.Kind{layer.KindRegular, layer.KindDirectory, layer.KindSymlink}

	s := newTestStack(t, 1)
	fs := s.mount(indexOpts)
	for _, origin := range kinds {
		for _, idx := range kinds {
			if origin == idx {
				continue
			}
			name := fmt.Sprintf("%s-%s", origin, idx)
			s.create(s.lowers[0], name, origin)
			s.create(s.upper, indexDir+"/"+IndexName(handleOf(t, fs, s.lowers[0], name, false)), idx)
		}
	}

	for _, origin := range kinds {
		for _, idx := range kinds {
			if origin == idx {
				continue
			}
			name := fmt.Sprintf("%s-%s", origin, idx)
			t.Run(name, func(t *testing.T) {
				for _, verify := range []bool{true, false} {
					index, err := fs.LookupIndex(ctx, nil, lowerPath(t, s, 0, name), verify)
					require.ErrorIs(t, err, EIO, "verify=%t", verify)
					assert.Nil(t, index)
				}
			})
		}
	}
	assert.NotEmpty(t, s.warnings())
}

func TestIndexMatchingTypes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := newTestStack(t, 1)
	fs := s.mount(indexOpts)
	for _, k := range []layer.Kind{layer.KindRegular, layer.KindSymlink} {
		s.create(s.lowers[0], k.String(), k)
		s.create(s.upper, indexDir+"/"+IndexName(handleOf(t, fs, s.lowers[0], k.String(), false)), k)

		index, err := fs.LookupIndex(ctx, nil, lowerPath(t, s, 0, k.String()), true)
		require.NoError(t, err)
		require.NotNil(t, index)
		index.Release()
	}
}

func TestDirectoryIndexVerification(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := newTestStack(t, 1)
	s.create(s.lowers[0], "d", layer.KindDirectory)
	s.create(s.upper, up("d"), layer.KindDirectory)
	s.create(s.upper, up("other"), layer.KindDirectory)
	fs := s.mount(indexOpts)
	indexName := indexDir + "/" + IndexName(handleOf(t, fs, s.lowers[0], "d", false))
	s.create(s.upper, indexName, layer.KindDirectory)
	origin := lowerPath(t, s, 0, "d")
	upper := upperPath(t, s, up("d"))

	_, err := fs.LookupIndex(ctx, nil, origin, true)
	require.ErrorIs(t, err, EIO)
	assert.Contains(t, s.warnings()[len(s.warnings())-1], "suspected uncovered redirected dir")

	// No upper attribute on the index yet.
	_, err = fs.LookupIndex(ctx, &upper, origin, true)
	require.ErrorIs(t, err, EIO)

	s.setXattr(s.upper, indexName, XattrUpper, handleOf(t, fs, s.upper, up("other"), true).Bytes())
	_, err = fs.LookupIndex(ctx, &upper, origin, true)
	require.ErrorIs(t, err, EIO)
	assert.Contains(t, s.warnings()[len(s.warnings())-1], "suspected multiply redirected dir")

	s.setXattr(s.upper, indexName, XattrUpper, handleOf(t, fs, s.upper, up("d"), true).Bytes())
	index, err := fs.LookupIndex(ctx, &upper, origin, true)
	require.NoError(t, err)
	require.NotNil(t, index)
	index.Release()

	// Without verification the directory index is returned unchecked.
	index, err = fs.LookupIndex(ctx, nil, origin, false)
	require.NoError(t, err)
	require.NotNil(t, index)
	index.Release()
}

func TestIndexByHandle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := newTestStack(t, 1)
	for _, p := range []string{"live", "dead", "odd", "none"} {
		s.create(s.lowers[0], p, layer.KindRegular)
	}
	fs := s.mount(indexOpts)
	kinds := map[string]layer.Kind{"live": layer.KindRegular, "dead": layer.KindWhiteout, "odd": layer.KindWeird}
	for p, k := range kinds {
		s.create(s.upper, indexDir+"/"+IndexName(handleOf(t, fs, s.lowers[0], p, false)), k)
	}

	index, err := fs.IndexByHandle(ctx, handleOf(t, fs, s.lowers[0], "live", false))
	require.NoError(t, err)
	require.NotNil(t, index)
	index.Release()

	_, err = fs.IndexByHandle(ctx, handleOf(t, fs, s.lowers[0], "dead", false))
	require.ErrorIs(t, err, ESTALE)
	_, err = fs.IndexByHandle(ctx, handleOf(t, fs, s.lowers[0], "odd", false))
	require.ErrorIs(t, err, EIO)

	index, err = fs.IndexByHandle(ctx, handleOf(t, fs, s.lowers[0], "none", false))
	require.NoError(t, err)
	assert.Nil(t, index)
}

func TestParseNlink(t *testing.T) {
	t.Parallel()

	tests := []struct {
		v       string
		want    int
		wantErr bool
	}{
		{"L+1", 4, false},
		{"L-2", 1, false},
		{"U+3", 5, false},
		{"U-1", 1, false},
		{"L-3", 0, true},
		{"X+1", 0, true},
		{"L*1", 0, true},
		{"L+", 0, true},
		{"L+a", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := parseNlink(tt.v, 3, 2)
		if tt.wantErr {
			assert.ErrorIs(t, err, EINVAL, tt.v)
			continue
		}
		require.NoError(t, err, tt.v)
		assert.Equal(t, tt.want, got, tt.v)
	}
}

func TestScanIndex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	opts := withOpts(func(o *Options) {
		o.Index = true
		o.NFSExport = true
	})

	s := newTestStack(t, 1)
	// healthy: upper hardlinked into the index
	s.create(s.lowers[0], "healthy", layer.KindRegular)
	s.create(s.upper, up("healthy"), layer.KindRegular)
	// orphan: only the index link is left and the lower has one link
	s.create(s.lowers[0], "orphan", layer.KindRegular)
	// linked: only the index is left but the nlink attribute keeps it alive
	s.create(s.lowers[0], "linked", layer.KindRegular)
	require.NoError(t, s.lowers[0].Link("linked", "linked2"))
	// dir and gone-dir: directory index entries
	s.create(s.lowers[0], "dir", layer.KindDirectory)
	s.create(s.upper, up("dir"), layer.KindDirectory)
	s.create(s.lowers[0], "gonedir", layer.KindDirectory)
	s.create(s.upper, up("gonedir"), layer.KindDirectory)
	// mismatch: index origin xattr names another file
	s.create(s.lowers[0], "mismatch", layer.KindRegular)
	s.create(s.upper, up("mismatch"), layer.KindRegular)
	// stale: exported handle invalidated
	s.create(s.lowers[0], "stale", layer.KindRegular)
	fs := s.mount(opts)

	name := func(p string) string { return IndexName(handleOf(t, fs, s.lowers[0], p, false)) }
	idx := func(p string) string { return indexDir + "/" + name(p) }

	s.setXattr(s.upper, up("healthy"), XattrOrigin, handleOf(t, fs, s.lowers[0], "healthy", false).Bytes())
	require.NoError(t, s.upper.Link(up("healthy"), idx("healthy")))

	s.create(s.upper, idx("orphan"), layer.KindRegular)
	s.setXattr(s.upper, idx("orphan"), XattrOrigin, handleOf(t, fs, s.lowers[0], "orphan", false).Bytes())

	s.create(s.upper, idx("linked"), layer.KindRegular)
	s.setXattr(s.upper, idx("linked"), XattrOrigin, handleOf(t, fs, s.lowers[0], "linked", false).Bytes())
	s.setXattr(s.upper, idx("linked"), XattrNlink, []byte("L-1"))

	s.setXattr(s.upper, up("dir"), XattrOrigin, handleOf(t, fs, s.lowers[0], "dir", false).Bytes())
	s.create(s.upper, idx("dir"), layer.KindDirectory)
	s.setXattr(s.upper, idx("dir"), XattrUpper, handleOf(t, fs, s.upper, up("dir"), true).Bytes())

	s.create(s.upper, idx("gonedir"), layer.KindDirectory)
	s.setXattr(s.upper, idx("gonedir"), XattrUpper, handleOf(t, fs, s.upper, up("gonedir"), true).Bytes())
	require.NoError(t, s.upper.Remove(up("gonedir")))

	s.setXattr(s.upper, up("mismatch"), XattrOrigin, handleOf(t, fs, s.lowers[0], "healthy", false).Bytes())
	require.NoError(t, s.upper.Link(up("mismatch"), idx("mismatch")))

	s.create(s.upper, idx("stale"), layer.KindWhiteout)
	s.create(s.upper, indexDir+"/not-a-handle", layer.KindRegular)

	report, err := fs.ScanIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, report.Checked)
	assert.ElementsMatch(t, []string{name("orphan"), name("gonedir")}, report.Orphans)

	var bad []string
	for _, p := range report.Bad {
		bad = append(bad, p.Name)
	}
	assert.ElementsMatch(t, []string{name("mismatch"), "not-a-handle"}, bad)
}

func TestVerifyIndexSkipsDirectoriesWithoutExport(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := newTestStack(t, 1)
	s.create(s.lowers[0], "dir", layer.KindDirectory)
	fs := s.mount(indexOpts)
	name := IndexName(handleOf(t, fs, s.lowers[0], "dir", false))
	s.create(s.upper, indexDir+"/"+name, layer.KindDirectory)

	require.NoError(t, fs.VerifyIndex(ctx, upperPath(t, s, indexDir+"/"+name), name))

	_, err := (&FS{opts: indexOpts}).ScanIndex(ctx)
	require.ErrorIs(t, err, ENOTSUP)
}
