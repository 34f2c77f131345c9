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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"golang.org/x/sys/unix"

	"ovlstack/internal/common"
	"ovlstack/internal/layer"
)

// Overlay attribute namespaces copied by an import. Other attributes are
// not part of a layer.
var importXattrPrefixes = []string{"trusted.overlay.", "user.overlay."}

// ImportConfig configures the import behavior
type ImportConfig struct {
	// BatchSize is the number of entries to batch per transaction (default: 100)
	BatchSize int
	// Dest is the directory inside the layer file the tree is imported
	// under ("" for the layer root).
	Dest string
	// AllowPartial continues on read errors and collects skipped entries
	AllowPartial bool
	// Filter is an optional filter. If nil, every entry is imported.
	Filter FileFilter
}

// DefaultImportConfig returns the default configuration
func DefaultImportConfig() ImportConfig {
	return ImportConfig{BatchSize: 100}
}

// ImportResult contains the result of an import
type ImportResult struct {
	TotalEntries    int
	ImportedEntries int
	Whiteouts       int
	Hardlinks       int
	Xattrs          int
	SkippedEntries  []string
	Duration        time.Duration
}

// Importer copies the metadata of a host directory tree into a layer
// file: directories, files, symlinks, device whiteouts, hardlinks and
// overlay extended attributes. File contents are not copied.
type Importer struct {
	lf     *LayerFile
	config ImportConfig
	result *ImportResult

	// links maps a host (dev, ino) to the layer inode already imported
	links map[[2]uint64]int64
}

// importItem is one host entry to import
type importItem struct {
	relPath string
	kind    layer.Kind
	hostID  [2]uint64
	nlink   uint64
	xattrs  map[string][]byte
}

// NewImporter creates a new Importer with the given configuration
func NewImporter(lf *LayerFile, config ImportConfig) *Importer {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	return &Importer{
		lf:     lf,
		config: config,
		result: &ImportResult{},
		links:  make(map[[2]uint64]int64),
	}
}

// kindOf classifies a host entry. A character device 0/0 is an overlay
// whiteout; other devices, fifos and sockets are special files.
func kindOf(info os.FileInfo) layer.Kind {
	mode := info.Mode()
	switch {
	case mode.IsDir():
		return layer.KindDirectory
	case mode&os.ModeSymlink != 0:
		return layer.KindSymlink
	case mode.IsRegular():
		return layer.KindRegular
	case mode&os.ModeCharDevice != 0:
		if st, ok := info.Sys().(*syscall.Stat_t); ok && st.Rdev == 0 {
			return layer.KindWhiteout
		}
	}
	return layer.KindSpecial
}

// readOverlayXattrs returns the overlay attributes of a host entry
// without following symlinks.
func readOverlayXattrs(p string) (map[string][]byte, error) {
	size, err := unix.Llistxattr(p, nil)
	if err != nil || size == 0 {
		if errors.Is(err, unix.ENOTSUP) {
			err = nil
		}
		return nil, err
	}
	buf := make([]byte, size)
	size, err = unix.Llistxattr(p, buf)
	if err != nil {
		return nil, err
	}

	result := make(map[string][]byte)
	for _, name := range bytes.Split(buf[:size], []byte{0}) {
		n := string(name)
		if n == "" || !hasOverlayPrefix(n) {
			continue
		}
		vsize, err := unix.Lgetxattr(p, n, nil)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n, err)
		}
		value := make([]byte, vsize)
		vsize, err = unix.Lgetxattr(p, n, value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n, err)
		}
		result[n] = value[:vsize]
	}
	return result, nil
}

func hasOverlayPrefix(name string) bool {
	for _, prefix := range importXattrPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// ImportDirectory imports every entry below sourcePath
func (im *Importer) ImportDirectory(ctx context.Context, sourcePath string) (*ImportResult, error) {
	if im.lf.readOnly {
		return nil, fmt.Errorf("%s: %w", im.lf.path, common.ErrReadOnly)
	}
	start := time.Now()

	resolvedSource, err := filepath.EvalSymlinks(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve source path: %w", err)
	}

	var items []importItem
	err = filepath.Walk(resolvedSource, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			if im.config.AllowPartial {
				im.result.SkippedEntries = append(im.result.SkippedEntries, p+": "+walkErr.Error())
				if info != nil && info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			return walkErr
		}

		relPath, err := filepath.Rel(resolvedSource, p)
		if err != nil {
			return err
		}
		if relPath == "." {
			relPath = ""
		}
		relPath = filepath.ToSlash(relPath)

		if relPath != "" && im.config.Filter != nil && !im.config.Filter(relPath, info.IsDir()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		item := importItem{relPath: relPath, kind: kindOf(info), nlink: 1}
		if st, ok := info.Sys().(*syscall.Stat_t); ok {
			item.hostID = [2]uint64{uint64(st.Dev), st.Ino}
			item.nlink = uint64(st.Nlink)
		}
		item.xattrs, err = readOverlayXattrs(p)
		if err != nil {
			if !im.config.AllowPartial {
				return fmt.Errorf("%s: %w", p, err)
			}
			im.result.SkippedEntries = append(im.result.SkippedEntries, p+": "+err.Error())
		}

		items = append(items, item)
		if relPath != "" {
			im.result.TotalEntries++
		}
		return nil
	})
	if err != nil {
		return im.result, err
	}

	for i := 0; i < len(items); i += im.config.BatchSize {
		if err := ctx.Err(); err != nil {
			return im.result, err
		}
		end := min(i+im.config.BatchSize, len(items))
		if err := im.processBatch(ctx, items[i:end]); err != nil {
			return im.result, err
		}
	}

	im.result.Duration = time.Since(start)
	log.Debugf("[Import] %s: %d entries (%d whiteouts, %d hardlinks, %d xattrs) in %v",
		sourcePath, im.result.ImportedEntries, im.result.Whiteouts, im.result.Hardlinks, im.result.Xattrs, im.result.Duration)
	return im.result, nil
}

// processBatch imports a batch of entries in a single transaction
func (im *Importer) processBatch(ctx context.Context, batch []importItem) error {
	return im.lf.update(ctx, func(tx bun.Tx) error {
		for _, item := range batch {
			if err := im.processItem(ctx, tx, item); err != nil {
				return fmt.Errorf("import %q: %w", item.relPath, err)
			}
		}
		return nil
	})
}

// processItem imports a single entry. The import root maps onto Dest,
// which is created if needed and receives the root's attributes.
func (im *Importer) processItem(ctx context.Context, tx bun.Tx, item importItem) error {
	dest := path.Join(im.config.Dest, item.relPath)

	var ino int64
	switch {
	case item.relPath == "" && common.NormalizePath(dest) == "":
		ino = RootIno
	case item.relPath == "":
		m, err := im.lf.createWith(tx, ctx, dest, layer.KindDirectory, true)
		if err != nil {
			return err
		}
		ino = m.Ino
	default:
		linked, err := im.linkExisting(ctx, tx, item, dest)
		if err != nil {
			return err
		}
		if linked {
			im.result.ImportedEntries++
			return nil
		}
		m, err := im.lf.createWith(tx, ctx, dest, item.kind, false)
		if err != nil {
			return err
		}
		ino = m.Ino
		if item.kind != layer.KindDirectory && item.nlink > 1 {
			im.links[item.hostID] = ino
		}
		if item.kind == layer.KindWhiteout {
			im.result.Whiteouts++
		}
		im.result.ImportedEntries++
	}

	for name, value := range item.xattrs {
		if err := im.lf.bunDB.SetXattrWith(tx, ctx, ino, name, value); err != nil {
			return err
		}
		im.result.Xattrs++
	}
	return nil
}

// linkExisting adds dest as another name of an already imported hardlink.
func (im *Importer) linkExisting(ctx context.Context, tx bun.Tx, item importItem, dest string) (bool, error) {
	if item.kind == layer.KindDirectory || item.nlink <= 1 {
		return false, nil
	}
	ino, ok := im.links[item.hostID]
	if !ok {
		return false, nil
	}
	parent, err := im.lf.resolveWith(tx, ctx, common.ParentPath(dest))
	if err != nil {
		return false, err
	}
	if err := im.lf.bunDB.CreateDentryWith(tx, ctx, parent.Ino, common.BaseName(dest), ino); err != nil {
		return false, err
	}
	if err := im.lf.bunDB.AddNlinkWith(tx, ctx, ino, 1); err != nil {
		return false, err
	}
	im.result.Hardlinks++
	return true, nil
}
