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
	"fmt"

	"ovlstack/internal/layer"
)

// lookupData is the running state of one path element lookup.
type lookupData struct {
	name     string
	redirect string
	isDir    bool
	opaque   bool
	stop     bool
	last     bool
	metacopy bool
	traps    *trapArena
}

func (fs *FS) xattrName(x Xattr) string {
	return XattrName(x, fs.opts.UserXattr)
}

// getXattr reads one of the overlay attributes. A store without
// attribute support reads as if the attribute were absent.
func (fs *FS) getXattr(ctx context.Context, p layer.Path, x Xattr) ([]byte, bool, error) {
	v, err := p.Layer.GetXattr(ctx, p.Entry, fs.xattrName(x))
	switch {
	case err == nil:
		return v, true, nil
	case errors.Is(err, layer.ErrNoData), errors.Is(err, layer.ErrNotSupported):
		return nil, false, nil
	}
	return nil, false, fmt.Errorf("get %s xattr (ino=%d): %w", x, p.Entry.Ino, err)
}

func (fs *FS) setXattr(ctx context.Context, p layer.Path, x Xattr, value []byte) error {
	return p.Layer.SetXattr(ctx, p.Entry, fs.xattrName(x), value)
}

// isOpaque reports whether a directory hides the layers below it. Read
// errors count as not opaque.
func (fs *FS) isOpaque(ctx context.Context, p layer.Path) bool {
	v, ok, err := fs.getXattr(ctx, p, XattrOpaque)
	if err != nil {
		fs.log.Debugf("[Lookup] ignoring opaque xattr error: %v", err)
		return false
	}
	return ok && len(v) == 1 && v[0] == 'y'
}

// checkMetacopy reports whether a regular file only carries metadata.
// An empty attribute is the legacy form; otherwise the header must be
// well formed.
func (fs *FS) checkMetacopy(ctx context.Context, p layer.Path) (bool, error) {
	if p.Entry.Kind != layer.KindRegular {
		return false, nil
	}
	v, ok, err := fs.getXattr(ctx, p, XattrMetacopy)
	if err != nil || !ok {
		return false, err
	}
	if len(v) == 0 {
		return true, nil
	}
	if len(v) < metacopyMinSize || len(v) > metacopyMaxSize || int(v[1]) != len(v) || v[0] != metacopyVersion {
		fs.log.Warnf("invalid metacopy xattr (ino=%d, %x)", p.Entry.Ino, v)
		return false, fmt.Errorf("invalid metacopy xattr: %w", EIO)
	}
	return true, nil
}

// lookupSingle looks up one name in one directory of one layer and
// classifies the result. A nil path with a nil error means the layer has
// nothing to contribute.
func (fs *FS) lookupSingle(ctx context.Context, base layer.Path, d *lookupData, name string, prelen int, post string) (*layer.Path, error) {
	lastElement := post == ""

	e, err := base.Layer.Lookup(ctx, base.Entry, name)
	if err != nil {
		if errors.Is(err, layer.ErrNotFound) || errors.Is(err, layer.ErrNameTooLong) {
			return nil, nil
		}
		return nil, err
	}
	this := layer.Path{Layer: base.Layer, Entry: e}

	switch e.Kind {
	case layer.KindWeird:
		this.Release()
		return nil, fmt.Errorf("lookup %q: %w", name, EREMOTE)
	case layer.KindWhiteout:
		d.stop = true
		d.opaque = true
		this.Release()
		return nil, nil
	}

	if lastElement && d.metacopy && e.Kind != layer.KindRegular {
		d.stop = true
		this.Release()
		return nil, nil
	}

	if !e.IsDir() {
		if d.isDir || !lastElement {
			d.stop = true
			this.Release()
			return nil, nil
		}
		metacopy, err := fs.checkMetacopy(ctx, this)
		if err != nil {
			this.Release()
			return nil, err
		}
		d.metacopy = metacopy
		d.stop = !metacopy
		if !metacopy || d.last {
			return &this, nil
		}
	} else {
		if d.traps.contains(this.Ident()) {
			fs.log.Warnf("overlapping layers found (%s, ino=%d)", name, e.Ino)
			this.Release()
			return nil, fmt.Errorf("lookup %q: %w", name, ELOOP)
		}
		if lastElement {
			d.isDir = true
		}
		if d.last {
			return &this, nil
		}
		if fs.isOpaque(ctx, this) {
			d.stop = true
			if lastElement {
				d.opaque = true
			}
			return &this, nil
		}
	}

	if err := fs.checkRedirect(ctx, this, d, prelen, post); err != nil {
		this.Release()
		return nil, err
	}
	return &this, nil
}
