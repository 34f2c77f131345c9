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

package overlay

import (
	"context"
	"errors"

	"ovlstack/internal/layer"
)

// LowerPositive reports whether the name of d exists in a lower layer
// below its parent. Rename and unlink use it to decide whether a
// whiteout has to be left behind.
func (fs *FS) LowerPositive(ctx context.Context, d *Dentry) bool {
	if d.Negative() {
		// A negative name hides a lower one only if it is a whiteout.
		return d.Opaque()
	}
	if d.Entry.Upper == nil {
		return true
	}
	if d.Parent == nil || d.Parent.Entry == nil {
		return false
	}

	for _, parent := range d.Parent.Entry.Lower {
		e, err := parent.Path.Layer.Lookup(ctx, parent.Path.Entry, d.Name)
		if err != nil {
			if errors.Is(err, layer.ErrNotFound) || errors.Is(err, layer.ErrNameTooLong) {
				continue
			}
			// Something is there, we just could not get at it.
			return true
		}
		parent.Path.Layer.Release(e)
		return e.Kind != layer.KindWhiteout
	}
	return false
}
