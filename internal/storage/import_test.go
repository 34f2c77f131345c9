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

package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"ovlstack/internal/layer"
)

// createTestFile creates a test file in the given directory
func createTestFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestImporter_EmptyDirectory(t *testing.T) {
	lf := newTestLayerFile(t)
	result, err := NewImporter(lf, DefaultImportConfig()).ImportDirectory(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, result.TotalEntries)
	assert.Zero(t, result.ImportedEntries)
}

func TestImporter_Tree(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	createTestFile(t, src, "a/b/file.txt", "hello")
	createTestFile(t, src, "top.txt", "x")
	require.NoError(t, os.Symlink("top.txt", filepath.Join(src, "link")))
	require.NoError(t, os.Link(filepath.Join(src, "top.txt"), filepath.Join(src, "a/hard.txt")))

	lf := newTestLayerFile(t)
	config := DefaultImportConfig()
	config.BatchSize = 2
	result, err := NewImporter(lf, config).ImportDirectory(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 6, result.TotalEntries)
	assert.Equal(t, 6, result.ImportedEntries)
	assert.Equal(t, 1, result.Hardlinks)

	for path, kind := range map[string]layer.Kind{
		"a":            layer.KindDirectory,
		"a/b":          layer.KindDirectory,
		"a/b/file.txt": layer.KindRegular,
		"top.txt":      layer.KindRegular,
		"link":         layer.KindSymlink,
		"a/hard.txt":   layer.KindRegular,
	} {
		e, err := lf.Stat(ctx, path)
		require.NoError(t, err, path)
		assert.Equal(t, kind, e.Kind, path)
	}

	top, err := lf.Stat(ctx, "top.txt")
	require.NoError(t, err)
	hard, err := lf.Stat(ctx, "a/hard.txt")
	require.NoError(t, err)
	assert.Equal(t, top.Ino, hard.Ino)
	assert.Equal(t, uint32(2), top.Nlink)
}

func TestImporter_Dest(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	createTestFile(t, src, "f", "")

	lf := newTestLayerFile(t)
	config := DefaultImportConfig()
	config.Dest = "upper"
	_, err := NewImporter(lf, config).ImportDirectory(ctx, src)
	require.NoError(t, err)

	_, err = lf.Stat(ctx, "upper/f")
	require.NoError(t, err)

	// A second tree can go next to the first one.
	config.Dest = "work/index"
	_, err = NewImporter(lf, config).ImportDirectory(ctx, t.TempDir())
	require.NoError(t, err)
	e, err := lf.Stat(ctx, "work/index")
	require.NoError(t, err)
	assert.True(t, e.IsDir())
}

func TestImporter_Filter(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	createTestFile(t, src, ".gitignore", "*.log\nbuild/\n")
	createTestFile(t, src, "keep.txt", "")
	createTestFile(t, src, "debug.log", "")
	createTestFile(t, src, "build/out", "")
	createTestFile(t, src, "vendor/dep", "")
	createTestFile(t, src, "forced.log", "")

	lf := newTestLayerFile(t)
	config := DefaultImportConfig()
	config.Filter = BuildFileFilter(src, true, []string{"forced.log"}, []string{"vendor"})
	_, err := NewImporter(lf, config).ImportDirectory(ctx, src)
	require.NoError(t, err)

	for path, want := range map[string]bool{
		"keep.txt":   true,
		".gitignore": true,
		"forced.log": true,
		"debug.log":  false,
		"build":      false,
		"vendor":     false,
	} {
		_, err := lf.Stat(ctx, path)
		assert.Equal(t, want, err == nil, path)
	}
}

func TestImporter_OverlayXattrs(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(src, "d"), 0755))
	if err := unix.Lsetxattr(filepath.Join(src, "d"), "user.overlay.opaque", []byte("y"), 0); err != nil {
		t.Skipf("user xattrs not supported here: %v", err)
	}
	require.NoError(t, unix.Lsetxattr(filepath.Join(src, "d"), "user.other", []byte("z"), 0))

	lf := newTestLayerFile(t)
	result, err := NewImporter(lf, DefaultImportConfig()).ImportDirectory(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Xattrs)

	x, err := lf.Xattrs(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"user.overlay.opaque": []byte("y")}, x)
}

func TestImporter_Whiteouts(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	if err := unix.Mknod(filepath.Join(src, "gone"), unix.S_IFCHR|0600, 0); err != nil {
		t.Skipf("cannot create whiteout device: %v", err)
	}

	lf := newTestLayerFile(t)
	result, err := NewImporter(lf, DefaultImportConfig()).ImportDirectory(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Whiteouts)

	e, err := lf.Stat(ctx, "gone")
	require.NoError(t, err)
	assert.Equal(t, layer.KindWhiteout, e.Kind)
}

func TestImporter_ReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layer.ovl")
	lf, err := Create(path, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, lf.Close())

	ro, err := Open(path, true)
	require.NoError(t, err)
	defer ro.Close()
	_, err = NewImporter(ro, DefaultImportConfig()).ImportDirectory(context.Background(), t.TempDir())
	require.Error(t, err)
}
