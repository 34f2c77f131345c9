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
	"github.com/uptrace/bun"

	"ovlstack/internal/layer"
)

// Bun ORM models for layer file tables.

// LayerInfoModel represents the layer_info table
type LayerInfoModel struct {
	bun.BaseModel `bun:"table:layer_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// InodeModel represents the inodes table
type InodeModel struct {
	bun.BaseModel `bun:"table:inodes"`

	Ino   int64 `bun:"ino,pk,autoincrement"`
	Kind  int64 `bun:"kind,notnull"`
	Nlink int64 `bun:"nlink,notnull"`
}

// ToEntry converts an InodeModel to a layer entry
func (m *InodeModel) ToEntry() layer.Entry {
	return layer.Entry{
		Ino:   uint64(m.Ino),
		Kind:  layer.Kind(m.Kind),
		Nlink: uint32(m.Nlink),
	}
}

// DentryModel represents the dentries table
type DentryModel struct {
	bun.BaseModel `bun:"table:dentries"`

	ParentIno int64  `bun:"parent_ino,pk"`
	Name      string `bun:"name,pk"`
	Ino       int64  `bun:"ino,notnull"`
}

// DentryWithKind is a dentry joined with the kind of its inode
type DentryWithKind struct {
	Name string `bun:"name"`
	Ino  int64  `bun:"ino"`
	Kind int64  `bun:"kind"`
}

// XattrModel represents the xattrs table
type XattrModel struct {
	bun.BaseModel `bun:"table:xattrs"`

	Ino   int64  `bun:"ino,pk"`
	Name  string `bun:"name,pk"`
	Value []byte `bun:"value,notnull"`
}
