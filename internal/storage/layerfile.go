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
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"

	"ovlstack/internal/common"
	"ovlstack/internal/layer"
	"ovlstack/internal/util"
)

// fidTypeIno tags handles carrying a 64-bit inode number
const fidTypeIno = 0x01

const maxNameLen = 255

// LayerFile is a layer.Layer stored in a single SQLite file.
//
// Inode numbers are never reused, so Entry references need no pinning;
// the reference count is kept only to catch leaks.
type LayerFile struct {
	path     string
	db       *sql.DB
	bunDB    *BunDB
	uuid     uuid.UUID
	storeID  string
	readOnly bool
	lock     *flock.Flock
	refs     atomic.Int64
}

// CreateOptions configures a new layer file.
type CreateOptions struct {
	// UUID embedded in file handles. uuid.Nil asks for a random one;
	// NilUUID stores a null UUID on purpose.
	UUID    uuid.UUID
	NilUUID bool
}

func lockPath(path string) string { return path + ".lock" }

// Create creates a new layer file holding only a root directory.
func Create(path string, opts CreateOptions) (*LayerFile, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("file already exists: %s", path)
	}

	id := opts.UUID
	if id == uuid.Nil && !opts.NilUUID {
		id = uuid.New()
	}

	storeID := uuid.NewString()

	lock := flock.New(lockPath(path))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("layer file %s is in use", path)
	}

	db, err := sql.Open("libsql", BuildDSN(path))
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("failed to create database: %w", err)
	}
	fail := func(err error) (*LayerFile, error) {
		db.Close()
		os.Remove(path)
		lock.Unlock()
		return nil, err
	}
	if err := applyPragmas(db, false); err != nil {
		return fail(err)
	}
	if err := execStatements(db, layerFileSchema); err != nil {
		return fail(fmt.Errorf("failed to create schema: %w", err))
	}
	if err := execStatements(db, initLayerFile, SchemaVersion, FileType, id.String(), storeID, int64(layer.KindDirectory)); err != nil {
		return fail(fmt.Errorf("failed to initialize root: %w", err))
	}

	log.Debugf("[LayerFile] created %s (uuid=%s, store=%s)", path, id, storeID)
	return &LayerFile{path: path, db: db, bunDB: NewBunDB(db), uuid: id, storeID: storeID, lock: lock}, nil
}

// Open opens an existing layer file. A writable open takes an exclusive
// lock; read-only opens share it.
func Open(path string, readOnly bool) (*LayerFile, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("file not found: %s", path)
	}

	lock := flock.New(lockPath(path))
	var (
		locked bool
		err    error
	)
	if readOnly {
		locked, err = lock.TryRLock()
	} else {
		locked, err = lock.TryLock()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("layer file %s is in use", path)
	}

	db, err := sql.Open("libsql", BuildDSN(path))
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	fail := func(err error) (*LayerFile, error) {
		db.Close()
		lock.Unlock()
		return nil, err
	}
	if err := applyPragmas(db, readOnly); err != nil {
		return fail(err)
	}

	bunDB := NewBunDB(db)
	ctx := context.Background()
	fileType, err := bunDB.GetLayerInfo(ctx, "type")
	if err != nil {
		return fail(fmt.Errorf("failed to read layer info: %w", err))
	}
	if fileType != FileType {
		return fail(fmt.Errorf("not a layer file (type=%s)", fileType))
	}
	version, err := bunDB.GetLayerInfo(ctx, "version")
	if err != nil {
		return fail(fmt.Errorf("failed to read layer info: %w", err))
	}
	if version != SchemaVersion {
		return fail(fmt.Errorf("unsupported layer file version %q", version))
	}
	raw, err := bunDB.GetLayerInfo(ctx, "uuid")
	if err != nil {
		return fail(fmt.Errorf("failed to read layer info: %w", err))
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return fail(fmt.Errorf("bad layer uuid %q: %w", raw, err))
	}
	storeID, err := bunDB.GetLayerInfo(ctx, "store_id")
	if err != nil {
		return fail(fmt.Errorf("failed to read layer info: %w", err))
	}
	if storeID == "" {
		return fail(fmt.Errorf("layer file %s has no store id", path))
	}

	return &LayerFile{path: path, db: db, bunDB: bunDB, uuid: id, storeID: storeID, readOnly: readOnly, lock: lock}, nil
}

// Close checkpoints the WAL, closes the database and drops the lock.
func (lf *LayerFile) Close() error {
	if lf.db == nil {
		return nil
	}
	if n := lf.refs.Load(); n != 0 {
		log.Warnf("[LayerFile] closing %s with %d outstanding references", lf.path, n)
	}
	if !lf.readOnly {
		// PRAGMA wal_checkpoint returns rows, so it goes through Query
		if err := execPragma(lf.db, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			log.Warnf("[LayerFile] WAL checkpoint failed: %v", err)
		}
	}
	err := lf.db.Close()
	lf.db = nil
	if uerr := lf.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

// Path returns the file path
func (lf *LayerFile) Path() string { return lf.path }

// ReadOnly reports whether the file was opened read-only.
func (lf *LayerFile) ReadOnly() bool { return lf.readOnly }

// Outstanding returns the number of entry references not yet released.
func (lf *LayerFile) Outstanding() int64 { return lf.refs.Load() }

// mapErr translates storage errors into layer errors.
func mapErr(err error) error {
	if errors.Is(err, common.ErrNotFound) {
		return layer.ErrNotFound
	}
	return err
}

func (lf *LayerFile) hold(m *InodeModel) layer.Entry {
	lf.refs.Add(1)
	return m.ToEntry()
}

// --- layer.Layer ---

// FSID implements layer.Layer. It is the random store id written at
// Create, so files sharing a handle UUID (or the nil UUID) stay distinct.
func (lf *LayerFile) FSID() string { return "file-" + lf.storeID }

// UUID implements layer.Layer.
func (lf *LayerFile) UUID() uuid.UUID { return lf.uuid }

// Root implements layer.Layer.
func (lf *LayerFile) Root(ctx context.Context) (layer.Entry, error) {
	m, err := lf.bunDB.GetInode(ctx, RootIno)
	if err != nil {
		return layer.Entry{}, fmt.Errorf("root of %s: %w", lf.path, err)
	}
	return lf.hold(m), nil
}

// Lookup implements layer.Layer.
func (lf *LayerFile) Lookup(ctx context.Context, parent layer.Entry, name string) (layer.Entry, error) {
	if len(name) > maxNameLen {
		return layer.Entry{}, layer.ErrNameTooLong
	}
	if parent.Kind != layer.KindDirectory {
		return layer.Entry{}, layer.ErrNotDir
	}
	m, err := lf.bunDB.LookupDentry(ctx, int64(parent.Ino), name)
	if err != nil {
		return layer.Entry{}, mapErr(err)
	}
	return lf.hold(m), nil
}

// ReadDir implements layer.Layer.
func (lf *LayerFile) ReadDir(ctx context.Context, dir layer.Entry) ([]layer.DirEnt, error) {
	if dir.Kind != layer.KindDirectory {
		return nil, layer.ErrNotDir
	}
	ents, err := lf.bunDB.ListDentries(ctx, int64(dir.Ino))
	if err != nil {
		return nil, err
	}
	result := make([]layer.DirEnt, 0, len(ents))
	for _, e := range ents {
		result = append(result, layer.DirEnt{Name: e.Name, Ino: uint64(e.Ino), Kind: layer.Kind(e.Kind)})
	}
	return result, nil
}

// GetXattr implements layer.Layer.
func (lf *LayerFile) GetXattr(ctx context.Context, e layer.Entry, name string) ([]byte, error) {
	v, err := lf.bunDB.GetXattr(ctx, int64(e.Ino), name)
	if errors.Is(err, common.ErrNotFound) {
		return nil, layer.ErrNoData
	}
	return v, err
}

// SetXattr implements layer.Layer.
func (lf *LayerFile) SetXattr(ctx context.Context, e layer.Entry, name string, value []byte) error {
	if lf.readOnly {
		return fmt.Errorf("%s: %w", lf.path, common.ErrReadOnly)
	}
	return util.Retry(ctx, func() error {
		return lf.bunDB.SetXattrWith(lf.bunDB.DB, ctx, int64(e.Ino), name, value)
	}, util.LockRetry(ctx, "setxattr "+name)...)
}

// EncodeFID implements layer.Layer.
func (lf *LayerFile) EncodeFID(ctx context.Context, e layer.Entry) (layer.FID, error) {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, e.Ino)
	return layer.FID{Type: fidTypeIno, Data: data}, nil
}

// DecodeFID implements layer.Layer.
func (lf *LayerFile) DecodeFID(ctx context.Context, fid layer.FID) (layer.Entry, error) {
	if fid.Type != fidTypeIno || len(fid.Data) != 8 {
		return layer.Entry{}, layer.ErrStale
	}
	m, err := lf.bunDB.GetInode(ctx, int64(binary.LittleEndian.Uint64(fid.Data)))
	if errors.Is(err, common.ErrNotFound) {
		return layer.Entry{}, layer.ErrStale
	}
	if err != nil {
		return layer.Entry{}, err
	}
	return lf.hold(m), nil
}

// Dup implements layer.Layer.
func (lf *LayerFile) Dup(e layer.Entry) layer.Entry {
	lf.refs.Add(1)
	return e
}

// Release implements layer.Layer.
func (lf *LayerFile) Release(layer.Entry) {
	if lf.refs.Add(-1) < 0 {
		log.Warnf("[LayerFile] %s: entry released too often", lf.path)
	}
}

// --- tree building ---

// resolveWith walks path from the root without taking references.
func (lf *LayerFile) resolveWith(idb bun.IDB, ctx context.Context, path string) (*InodeModel, error) {
	cur, err := lf.bunDB.GetInodeWith(idb, ctx, RootIno)
	if err != nil {
		return nil, err
	}
	for _, name := range common.SplitPath(path) {
		if layer.Kind(cur.Kind) != layer.KindDirectory {
			return nil, fmt.Errorf("%s: %w", path, layer.ErrNotDir)
		}
		cur, err = lf.bunDB.LookupDentryWith(idb, ctx, cur.Ino, name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return cur, nil
}

// Stat returns the entry at path without taking a reference.
func (lf *LayerFile) Stat(ctx context.Context, path string) (layer.Entry, error) {
	m, err := lf.resolveWith(lf.bunDB.DB, ctx, path)
	if err != nil {
		return layer.Entry{}, mapErr(err)
	}
	return m.ToEntry(), nil
}

// update runs fn in a write transaction, retrying on lock contention.
func (lf *LayerFile) update(ctx context.Context, fn func(tx bun.Tx) error) error {
	if lf.readOnly {
		return fmt.Errorf("%s: %w", lf.path, common.ErrReadOnly)
	}
	return util.Retry(ctx, func() error {
		return lf.bunDB.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			return fn(tx)
		})
	}, util.LockRetry(ctx, "update "+lf.path)...)
}

// createWith adds an entry of kind at path, creating missing parent
// directories. With exist set an existing directory at path is kept.
func (lf *LayerFile) createWith(tx bun.Tx, ctx context.Context, path string, kind layer.Kind, exist bool) (*InodeModel, error) {
	parts := common.SplitPath(path)
	if len(parts) == 0 {
		return nil, fmt.Errorf("%q: %w", path, common.ErrInvalidPath)
	}
	cur, err := lf.bunDB.GetInodeWith(tx, ctx, RootIno)
	if err != nil {
		return nil, err
	}
	for i, name := range parts {
		if len(name) > maxNameLen {
			return nil, fmt.Errorf("%s: %w", path, layer.ErrNameTooLong)
		}
		last := i == len(parts)-1
		next, err := lf.bunDB.LookupDentryWith(tx, ctx, cur.Ino, name)
		switch {
		case err == nil && last:
			if exist && layer.Kind(next.Kind) == layer.KindDirectory && kind == layer.KindDirectory {
				return next, nil
			}
			return nil, fmt.Errorf("%s: %w", path, common.ErrExists)
		case err == nil:
			if layer.Kind(next.Kind) != layer.KindDirectory {
				return nil, fmt.Errorf("%s: %w", path, layer.ErrNotDir)
			}
			cur = next
			continue
		case !errors.Is(err, common.ErrNotFound):
			return nil, err
		}

		k := layer.KindDirectory
		if last {
			k = kind
		}
		created, err := lf.bunDB.CreateInodeWith(tx, ctx, int64(k))
		if err != nil {
			return nil, err
		}
		if err := lf.bunDB.CreateDentryWith(tx, ctx, cur.Ino, name, created.Ino); err != nil {
			return nil, err
		}
		cur = created
	}
	return cur, nil
}

// Create adds an entry of the given kind, creating parent directories.
func (lf *LayerFile) Create(ctx context.Context, path string, kind layer.Kind) error {
	return lf.update(ctx, func(tx bun.Tx) error {
		_, err := lf.createWith(tx, ctx, path, kind, false)
		return err
	})
}

// Mkdir creates a directory and any missing parents.
func (lf *LayerFile) Mkdir(ctx context.Context, path string) error {
	return lf.update(ctx, func(tx bun.Tx) error {
		_, err := lf.createWith(tx, ctx, path, layer.KindDirectory, true)
		return err
	})
}

// Link adds a second name for an existing non-directory.
func (lf *LayerFile) Link(ctx context.Context, oldPath, newPath string) error {
	return lf.update(ctx, func(tx bun.Tx) error {
		target, err := lf.resolveWith(tx, ctx, oldPath)
		if err != nil {
			return err
		}
		if layer.Kind(target.Kind) == layer.KindDirectory {
			return fmt.Errorf("%s: %w", oldPath, common.ErrIsDir)
		}
		parent, err := lf.resolveWith(tx, ctx, common.ParentPath(newPath))
		if err != nil {
			return err
		}
		if layer.Kind(parent.Kind) != layer.KindDirectory {
			return fmt.Errorf("%s: %w", newPath, layer.ErrNotDir)
		}
		name := common.BaseName(newPath)
		if _, err := lf.bunDB.LookupDentryWith(tx, ctx, parent.Ino, name); err == nil {
			return fmt.Errorf("%s: %w", newPath, common.ErrExists)
		}
		if err := lf.bunDB.CreateDentryWith(tx, ctx, parent.Ino, name, target.Ino); err != nil {
			return err
		}
		return lf.bunDB.AddNlinkWith(tx, ctx, target.Ino, 1)
	})
}

// Remove unlinks a name. The inode is dropped with its last link.
// Directories must be empty.
func (lf *LayerFile) Remove(ctx context.Context, path string) error {
	return lf.update(ctx, func(tx bun.Tx) error {
		if common.NormalizePath(path) == "" {
			return fmt.Errorf("%q: %w", path, common.ErrInvalidPath)
		}
		parent, err := lf.resolveWith(tx, ctx, common.ParentPath(path))
		if err != nil {
			return err
		}
		name := common.BaseName(path)
		target, err := lf.bunDB.LookupDentryWith(tx, ctx, parent.Ino, name)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if layer.Kind(target.Kind) == layer.KindDirectory {
			n, err := lf.bunDB.CountDentriesWith(tx, ctx, target.Ino)
			if err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("%s: %w", path, common.ErrNotEmpty)
			}
		}
		if err := lf.bunDB.DeleteDentryWith(tx, ctx, parent.Ino, name); err != nil {
			return err
		}
		if target.Nlink <= 1 {
			return lf.bunDB.DeleteInodeWith(tx, ctx, target.Ino)
		}
		return lf.bunDB.AddNlinkWith(tx, ctx, target.Ino, -1)
	})
}

// SetXattrPath sets an extended attribute on the entry at path.
func (lf *LayerFile) SetXattrPath(ctx context.Context, path, name string, value []byte) error {
	return lf.update(ctx, func(tx bun.Tx) error {
		m, err := lf.resolveWith(tx, ctx, path)
		if err != nil {
			return err
		}
		return lf.bunDB.SetXattrWith(tx, ctx, m.Ino, name, value)
	})
}

// Xattrs returns every extended attribute of the entry at path.
func (lf *LayerFile) Xattrs(ctx context.Context, path string) (map[string][]byte, error) {
	m, err := lf.resolveWith(lf.bunDB.DB, ctx, path)
	if err != nil {
		return nil, mapErr(err)
	}
	names, err := lf.bunDB.ListXattrs(ctx, m.Ino)
	if err != nil {
		return nil, err
	}
	result := make(map[string][]byte, len(names))
	for _, name := range names {
		v, err := lf.bunDB.GetXattr(ctx, m.Ino, name)
		if err != nil {
			return nil, err
		}
		result[name] = v
	}
	return result, nil
}
