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
	"fmt"
	"strings"

	"ovlstack/internal/layer"
)

// lookupLayer resolves d.name below base. A name starting with '/' comes
// from an absolute redirect and is walked one component at a time from
// base, which is then a layer root. Each call starts a fresh set of walk
// bases.
func (fs *FS) lookupLayer(ctx context.Context, base layer.Path, d *lookupData) (*layer.Path, error) {
	d.traps.reset()
	d.traps.add(base.Ident())
	if !strings.HasPrefix(d.name, "/") {
		return fs.lookupSingle(ctx, base, d, d.name, 0, "")
	}

	// Counted from the end, since a redirect can rewrite the prefix.
	rem := len(d.name) - 1
	var cur *layer.Path
	b := base
	for b.Entry.IsDir() {
		start := len(d.name) - rem
		if d.name[start-1] != '/' {
			if cur != nil {
				cur.Release()
			}
			return nil, fmt.Errorf("walk %q at %d: %w", d.name, start, EIO)
		}
		end := len(d.name)
		if i := strings.IndexByte(d.name[start:], '/'); i >= 0 {
			end = start + i
		}
		name, post := d.name[start:end], d.name[end:]

		d.traps.add(b.Ident())
		found, err := fs.lookupSingle(ctx, b, d, name, start, post)
		if cur != nil {
			cur.Release()
		}
		if err != nil {
			return nil, err
		}
		cur = found
		if cur == nil || post == "" {
			break
		}

		rem -= len(name) + 1
		if rem < 0 || rem >= len(d.name) {
			cur.Release()
			return nil, fmt.Errorf("walk %q: %w", d.name, EIO)
		}
		b = *cur
	}
	return cur, nil
}
