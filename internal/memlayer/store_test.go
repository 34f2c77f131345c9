package memlayer

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ovlstack/internal/common"
	"ovlstack/internal/layer"
)

func TestParseManifest(t *testing.T) {
	s, err := ParseManifest([]byte(`
uuid: nil
entries:
  - path: a/b
    kind: directory
    xattrs:
      trusted.overlay.opaque: "y"
      trusted.overlay.origin: "0x00fb"
  - path: a/b/f
  - path: a/w
    kind: whiteout
  - path: c
    link: a/b/f
`))
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, s.UUID())

	b, err := s.Stat("a/b")
	require.NoError(t, err)
	assert.True(t, b.IsDir())
	v, ok := s.XattrPath("a/b", "trusted.overlay.opaque")
	assert.True(t, ok)
	assert.Equal(t, []byte("y"), v)
	v, _ = s.XattrPath("a/b", "trusted.overlay.origin")
	assert.Equal(t, []byte{0x00, 0xfb}, v)

	a, err := s.Stat("a")
	require.NoError(t, err)
	assert.True(t, a.IsDir(), "parents are created")

	w, err := s.Stat("a/w")
	require.NoError(t, err)
	assert.Equal(t, layer.KindWhiteout, w.Kind)

	f, err := s.Stat("a/b/f")
	require.NoError(t, err)
	c, err := s.Stat("c")
	require.NoError(t, err)
	assert.Equal(t, f.Ino, c.Ino)
	assert.Equal(t, uint32(2), c.Nlink)
}

func TestParseManifestErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"bad uuid":     "uuid: nope\n",
		"bad kind":     "entries:\n  - path: x\n    kind: blob\n",
		"bad link":     "entries:\n  - path: x\n    link: missing\n",
		"bad hex":      "entries:\n  - path: x\n    xattrs:\n      user.a: 0xzz\n",
		"duplicate":    "entries:\n  - path: x\n  - path: x\n",
		"not yaml":     "entries: [\n",
		"under a file": "entries:\n  - path: x\n  - path: x/y\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseManifest([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestStoreReferences(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Create("d/f", layer.KindRegular))

	e, err := layer.Walk(ctx, s, "/d/f")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Outstanding(), "walk keeps only the last reference")

	dup := s.Dup(e)
	assert.Equal(t, 2, s.Outstanding())
	s.Release(dup)
	s.Release(e)
	assert.Zero(t, s.Outstanding())

	s.Release(e)
	assert.Equal(t, 1, s.OverReleased())

	_, err = layer.Walk(ctx, s, "d/f/x")
	assert.ErrorIs(t, err, layer.ErrNotDir)
	_, err = layer.Walk(ctx, s, "d/g")
	assert.ErrorIs(t, err, layer.ErrNotFound)
	assert.Zero(t, s.Outstanding())
}

func TestStoreHandles(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Create("f", layer.KindRegular))

	e, err := layer.Walk(ctx, s, "f")
	require.NoError(t, err)
	fid, err := s.EncodeFID(ctx, e)
	require.NoError(t, err)
	s.Release(e)

	got, err := s.DecodeFID(ctx, fid)
	require.NoError(t, err)
	assert.Equal(t, e.Ino, got.Ino)
	s.Release(got)

	require.NoError(t, s.Remove("f"))
	require.NoError(t, s.Create("f", layer.KindRegular))
	_, err = s.DecodeFID(ctx, fid)
	assert.ErrorIs(t, err, layer.ErrStale)

	noFH := New(WithoutHandles())
	root, err := noFH.Root(ctx)
	require.NoError(t, err)
	_, err = noFH.EncodeFID(ctx, root)
	assert.ErrorIs(t, err, layer.ErrNotSupported)
	noFH.Release(root)
	assert.Zero(t, s.Outstanding())
}

func TestStoreEditing(t *testing.T) {
	ctx := context.Background()
	s := New(WithoutXattrWrites())
	require.NoError(t, s.Mkdir("d/e"))
	require.NoError(t, s.Mkdir("d"), "existing directories are kept")
	assert.ErrorIs(t, s.Create("d", layer.KindRegular), common.ErrExists)
	assert.ErrorIs(t, s.Remove(""), common.ErrInvalidPath)
	assert.ErrorIs(t, s.Remove("d/nope"), layer.ErrNotFound)

	root, err := s.Root(ctx)
	require.NoError(t, err)
	defer s.Release(root)
	assert.ErrorIs(t, s.SetXattr(ctx, root, "user.x", nil), layer.ErrNotSupported)

	ents, err := s.ReadDir(ctx, root)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "d", ents[0].Name)
	assert.Equal(t, layer.KindDirectory, ents[0].Kind)

	s.FailLookup("d", layer.ErrNameTooLong)
	_, err = s.Lookup(ctx, root, "d")
	assert.ErrorIs(t, err, layer.ErrNameTooLong)
}
