package overlay

import (
	"context"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ovlstack/internal/layer"
	"ovlstack/internal/memlayer"
)

const (
	upperRoot = "upper"
	indexDir  = "work/index"
)

// testStack is an upper store plus lower stores, each its own filesystem.
type testStack struct {
	t      *testing.T
	upper  *memlayer.Store
	lowers []*memlayer.Store
	logger *log.Logger
	hook   *test.Hook
	creds  Credentials
}

func newTestStack(t *testing.T, lowers int) *testStack {
	t.Helper()
	logger, hook := test.NewNullLogger()
	s := &testStack{t: t, upper: memlayer.New(), logger: logger, hook: hook}
	require.NoError(t, s.upper.Mkdir(upperRoot))
	require.NoError(t, s.upper.Mkdir(indexDir))
	for i := 0; i < lowers; i++ {
		s.lowers = append(s.lowers, memlayer.New())
	}
	t.Cleanup(func() {
		for i, st := range append([]*memlayer.Store{s.upper}, s.lowers...) {
			assert.Zero(t, st.Outstanding(), "layer %d leaked references", i)
			assert.Zero(t, st.OverReleased(), "layer %d released too often", i)
		}
	})
	return s
}

func (s *testStack) config(o Options) Config {
	cfg := Config{
		Options:  o,
		Upper:    &LayerSpec{Store: s.upper, Root: upperRoot},
		IndexDir: indexDir,
		Creds:    s.creds,
		Logger:   s.logger,
	}
	for _, l := range s.lowers {
		cfg.Lowers = append(cfg.Lowers, LayerSpec{Store: l})
	}
	return cfg
}

func (s *testStack) mount(o Options) *FS {
	s.t.Helper()
	fs, err := New(context.Background(), s.config(o))
	require.NoError(s.t, err)
	s.t.Cleanup(fs.Close)
	return fs
}

// up returns the store path of an upper entry.
func up(path string) string { return upperRoot + "/" + path }

func (s *testStack) setXattr(st *memlayer.Store, path string, x Xattr, value []byte) {
	s.t.Helper()
	require.NoError(s.t, st.SetXattrPath(path, XattrName(x, false), value))
}

func (s *testStack) create(st *memlayer.Store, path string, kind layer.Kind) {
	s.t.Helper()
	if kind == layer.KindDirectory {
		require.NoError(s.t, st.Mkdir(path))
		return
	}
	require.NoError(s.t, st.Create(path, kind))
}

func (s *testStack) warnings() []string {
	var msgs []string
	for _, e := range s.hook.AllEntries() {
		if e.Level == log.WarnLevel {
			msgs = append(msgs, e.Message)
		}
	}
	return msgs
}

// handleOf encodes the handle of a store entry as the overlay would.
func handleOf(t *testing.T, fs *FS, st *memlayer.Store, path string, isUpper bool) *FileHandle {
	t.Helper()
	e, err := st.Stat(path)
	require.NoError(t, err)
	fh, err := fs.EncodeHandle(context.Background(), layer.Path{Layer: st, Entry: e}, isUpper)
	require.NoError(t, err)
	return fh
}

func ino(t *testing.T, st *memlayer.Store, path string) uint64 {
	t.Helper()
	e, err := st.Stat(path)
	require.NoError(t, err)
	return e.Ino
}

// resolve looks up every component of path from the root. All dentries
// are released when the test ends.
func resolve(t *testing.T, fs *FS, path string) (*Dentry, error) {
	t.Helper()
	cur := fs.Root()
	for _, name := range strings.Split(strings.Trim(path, "/"), "/") {
		next, err := fs.Lookup(context.Background(), cur, name)
		if err != nil {
			return nil, err
		}
		t.Cleanup(next.Release)
		cur = next
	}
	return cur, nil
}

func mustResolve(t *testing.T, fs *FS, path string) *Dentry {
	t.Helper()
	d, err := resolve(t, fs, path)
	require.NoError(t, err)
	return d
}

func lowerInos(e *MergedEntry) [][2]uint64 {
	var out [][2]uint64
	for _, p := range e.Lower {
		out = append(out, [2]uint64{uint64(p.Pos), p.Path.Entry.Ino})
	}
	return out
}
