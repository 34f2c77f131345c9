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
	"errors"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"ovlstack/internal/common"
)

// BunDB wraps a Bun database instance for type-safe queries.
type BunDB struct {
	*bun.DB
}

// NewBunDB wraps an existing *sql.DB with Bun's type-safe query builder.
func NewBunDB(sqlDB *sql.DB) *BunDB {
	return &BunDB{DB: bun.NewDB(sqlDB, sqlitedialect.New())}
}

// --- Layer info ---

// GetLayerInfo retrieves a layer_info value by key. A missing key is "".
func (db *BunDB) GetLayerInfo(ctx context.Context, key string) (string, error) {
	var info LayerInfoModel
	err := db.NewSelect().
		Model(&info).
		Where("key = ?", key).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return info.Value, nil
}

// --- Inode Operations ---

// GetInodeWith retrieves an inode using the provided bun.IDB (for transaction support).
// Returns ErrNotFound if the inode doesn't exist.
func (db *BunDB) GetInodeWith(idb bun.IDB, ctx context.Context, ino int64) (*InodeModel, error) {
	var inode InodeModel
	err := idb.NewSelect().
		Model(&inode).
		Where("ino = ?", ino).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inode, nil
}

// GetInode retrieves an inode.
func (db *BunDB) GetInode(ctx context.Context, ino int64) (*InodeModel, error) {
	return db.GetInodeWith(db.DB, ctx, ino)
}

// CreateInodeWith inserts a new inode and returns it with its number.
func (db *BunDB) CreateInodeWith(idb bun.IDB, ctx context.Context, kind int64) (*InodeModel, error) {
	model := &InodeModel{Kind: kind, Nlink: 1}
	// Use RETURNING clause to get the inode number (libsql doesn't support LastInsertId)
	_, err := idb.NewInsert().
		Model(model).
		ExcludeColumn("ino").
		Returning("ino").
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	return model, nil
}

// AddNlinkWith adjusts the link count of an inode by delta.
func (db *BunDB) AddNlinkWith(idb bun.IDB, ctx context.Context, ino, delta int64) error {
	_, err := idb.NewUpdate().
		Model((*InodeModel)(nil)).
		Set("nlink = nlink + ?", delta).
		Where("ino = ?", ino).
		Exec(ctx)
	return err
}

// DeleteInodeWith removes an inode and its attributes.
func (db *BunDB) DeleteInodeWith(idb bun.IDB, ctx context.Context, ino int64) error {
	if _, err := idb.NewDelete().Model((*XattrModel)(nil)).Where("ino = ?", ino).Exec(ctx); err != nil {
		return err
	}
	_, err := idb.NewDelete().Model((*InodeModel)(nil)).Where("ino = ?", ino).Exec(ctx)
	return err
}

// --- Dentry Operations ---

// LookupDentryWith finds the inode of name in parentIno.
// Returns ErrNotFound if there is no such entry.
func (db *BunDB) LookupDentryWith(idb bun.IDB, ctx context.Context, parentIno int64, name string) (*InodeModel, error) {
	var inodes []InodeModel
	err := idb.NewRaw(`
		SELECT i.ino, i.kind, i.nlink
		FROM dentries d
		JOIN inodes i ON i.ino = d.ino
		WHERE d.parent_ino = ? AND d.name = ?`, parentIno, name).Scan(ctx, &inodes)
	if err != nil {
		return nil, err
	}
	if len(inodes) == 0 {
		return nil, common.ErrNotFound
	}
	return &inodes[0], nil
}

// LookupDentry finds the inode of name in parentIno.
func (db *BunDB) LookupDentry(ctx context.Context, parentIno int64, name string) (*InodeModel, error) {
	return db.LookupDentryWith(db.DB, ctx, parentIno, name)
}

// ListDentries returns the children of a directory ordered by name.
func (db *BunDB) ListDentries(ctx context.Context, parentIno int64) ([]DentryWithKind, error) {
	var ents []DentryWithKind
	err := db.NewRaw(`
		SELECT d.name, d.ino, i.kind
		FROM dentries d
		JOIN inodes i ON i.ino = d.ino
		WHERE d.parent_ino = ?
		ORDER BY d.name`, parentIno).Scan(ctx, &ents)
	return ents, err
}

// CreateDentryWith links ino under parentIno as name.
func (db *BunDB) CreateDentryWith(idb bun.IDB, ctx context.Context, parentIno int64, name string, ino int64) error {
	_, err := idb.NewInsert().
		Model(&DentryModel{ParentIno: parentIno, Name: name, Ino: ino}).
		Exec(ctx)
	return err
}

// DeleteDentryWith unlinks name from parentIno.
func (db *BunDB) DeleteDentryWith(idb bun.IDB, ctx context.Context, parentIno int64, name string) error {
	_, err := idb.NewDelete().
		Model((*DentryModel)(nil)).
		Where("parent_ino = ?", parentIno).
		Where("name = ?", name).
		Exec(ctx)
	return err
}

// CountDentriesWith returns the number of children of a directory.
func (db *BunDB) CountDentriesWith(idb bun.IDB, ctx context.Context, parentIno int64) (int, error) {
	return idb.NewSelect().
		Model((*DentryModel)(nil)).
		Where("parent_ino = ?", parentIno).
		Count(ctx)
}

// --- Xattr Operations ---

// GetXattr returns the value of an extended attribute.
// Returns ErrNotFound if it is not set.
func (db *BunDB) GetXattr(ctx context.Context, ino int64, name string) ([]byte, error) {
	var x XattrModel
	err := db.NewSelect().
		Model(&x).
		Where("ino = ?", ino).
		Where("name = ?", name).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return x.Value, nil
}

// SetXattrWith sets an extended attribute (upserts).
func (db *BunDB) SetXattrWith(idb bun.IDB, ctx context.Context, ino int64, name string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := idb.NewInsert().
		Model(&XattrModel{Ino: ino, Name: name, Value: value}).
		On("CONFLICT (ino, name) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	return err
}

// ListXattrs returns the attribute names set on an inode.
func (db *BunDB) ListXattrs(ctx context.Context, ino int64) ([]string, error) {
	var names []string
	err := db.NewSelect().
		Model((*XattrModel)(nil)).
		Column("name").
		Where("ino = ?", ino).
		Order("name").
		Scan(ctx, &names)
	return names, err
}
