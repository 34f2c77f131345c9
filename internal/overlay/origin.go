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

	"github.com/google/uuid"

	"ovlstack/internal/layer"
)

// EncodeHandle encodes the overlay file handle of a real entry.
func (fs *FS) EncodeHandle(ctx context.Context, p layer.Path, isUpper bool) (*FileHandle, error) {
	fid, err := p.Layer.EncodeFID(ctx, p.Entry)
	if err != nil {
		return nil, err
	}
	id := uuid.Nil
	if fs.opts.UUID == UUIDOn {
		id = p.Layer.UUID()
	}
	return newHandle(fid, id, isUpper)
}

// getFH reads a handle stored in attribute x. Absent, unknown and
// corrupt handles all read as nil; only corrupt ones are reported.
func (fs *FS) getFH(ctx context.Context, p layer.Path, x Xattr) (*FileHandle, error) {
	v, ok, err := fs.getXattr(ctx, p, x)
	if err != nil || !ok || len(v) == 0 {
		return nil, err
	}
	fh, check := ParseHandle(v)
	switch check {
	case HandleUnknown:
		return nil, nil
	case HandleInvalid:
		fs.log.Warnf("invalid %s (ino=%d, %x)", x, p.Entry.Ino, v)
		return nil, nil
	}
	return fh, nil
}

// decodeRealFH decodes fh against one layer. It returns nil when the
// caller may not decode handles, when the UUID does not belong to the
// layer, and when a lower handle went stale. A stale upper handle is
// ESTALE.
func (fs *FS) decodeRealFH(ctx context.Context, fh *FileHandle, l *ovlLayer) (*layer.Path, error) {
	if !fs.creds.CanDecodeHandles() {
		return nil, nil
	}
	want := uuid.Nil
	if fs.opts.UUID == UUIDOn {
		want = l.store.UUID()
	}
	if fh.UUID != want {
		return nil, nil
	}

	e, err := l.store.DecodeFID(ctx, fh.LayerFID())
	if err != nil {
		if errors.Is(err, layer.ErrStale) || errors.Is(err, layer.ErrNotFound) {
			if !fh.IsUpper() {
				return nil, nil
			}
			return nil, fmt.Errorf("decode upper handle: %w", ESTALE)
		}
		return nil, err
	}
	p := layer.Path{Layer: l.store, Entry: e}
	if e.Kind == layer.KindWeird {
		p.Release()
		return nil, nil
	}
	return &p, nil
}

// checkOriginFH finds the lower entry fh refers to. Layers on another
// filesystem with an ambiguous UUID are skipped. If upper is given it
// must have the same file type as the origin unless it is a whiteout.
func (fs *FS) checkOriginFH(ctx context.Context, fh *FileHandle, upper *layer.Path) (*OvlPath, error) {
	var (
		origin *layer.Path
		pos    int
	)
	for i := 1; i < len(fs.layers); i++ {
		l := fs.layers[i]
		if l.fsid != 0 && l.badUUID {
			continue
		}
		p, err := fs.decodeRealFH(ctx, fh, l)
		if err != nil {
			return nil, err
		}
		if p != nil {
			origin, pos = p, i
			break
		}
	}
	if origin == nil {
		return nil, ESTALE
	}

	if upper != nil && upper.Entry.Kind != layer.KindWhiteout &&
		upper.Entry.Kind.FileType() != origin.Entry.Kind.FileType() {
		fs.log.Warnf("invalid origin (ino=%d, ftype=%o, origin ftype=%o)",
			upper.Entry.Ino, upper.Entry.Kind.FileType(), origin.Entry.Kind.FileType())
		origin.Release()
		return nil, fmt.Errorf("origin type mismatch: %w", EIO)
	}
	return &OvlPath{Path: *origin, Pos: pos}, nil
}

// checkOrigin resolves the copy-up origin of an upper entry. Unknown
// and stale origins are not errors.
func (fs *FS) checkOrigin(ctx context.Context, upper layer.Path) (*OvlPath, error) {
	fh, err := fs.getFH(ctx, upper, XattrOrigin)
	if err != nil || fh == nil {
		return nil, err
	}
	origin, err := fs.checkOriginFH(ctx, fh, &upper)
	if errors.Is(err, ESTALE) {
		return nil, nil
	}
	return origin, err
}

// verifyFH compares the handle stored in attribute x of p with fh.
func (fs *FS) verifyFH(ctx context.Context, p layer.Path, x Xattr, fh *FileHandle) error {
	stored, err := fs.getFH(ctx, p, x)
	if err != nil {
		return err
	}
	if stored == nil {
		return ENODATA
	}
	if !stored.Equal(fh) {
		return ESTALE
	}
	return nil
}

// verifySetFH checks that attribute x of p holds the handle of real.
// With set, a missing attribute is written instead.
func (fs *FS) verifySetFH(ctx context.Context, p layer.Path, x Xattr, real layer.Path, isUpper, set bool) error {
	fh, err := fs.EncodeHandle(ctx, real, isUpper)
	if err == nil {
		err = fs.verifyFH(ctx, p, x, fh)
		if set && errors.Is(err, ENODATA) {
			err = fs.setXattr(ctx, p, x, fh.Bytes())
		}
	}
	if err != nil {
		kind := "origin"
		if isUpper {
			kind = "upper"
		}
		fs.log.Warnf("failed to verify %s (ino=%d, err=%v)", kind, real.Entry.Ino, err)
	}
	return err
}

func (fs *FS) verifyOrigin(ctx context.Context, upper, origin layer.Path, set bool) error {
	return fs.verifySetFH(ctx, upper, XattrOrigin, origin, false, set)
}

func (fs *FS) verifyUpper(ctx context.Context, index, upper layer.Path, set bool) error {
	return fs.verifySetFH(ctx, index, XattrUpper, upper, true, set)
}

// fixOrigin records lower as the origin of a merged upper directory that
// has none yet, and marks the upper parent impure.
func (fs *FS) fixOrigin(ctx context.Context, parent *Dentry, lower, upper layer.Path) error {
	if _, ok, err := fs.getXattr(ctx, upper, XattrOrigin); err != nil || ok {
		return err
	}
	fh, err := fs.EncodeHandle(ctx, lower, false)
	if errors.Is(err, layer.ErrNotSupported) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := fs.setXattr(ctx, upper, XattrOrigin, fh.Bytes()); err != nil {
		if errors.Is(err, layer.ErrNotSupported) {
			return nil
		}
		return fmt.Errorf("set origin (ino=%d): %w", upper.Entry.Ino, err)
	}
	fs.log.Debugf("[Lookup] fixed origin of upper ino=%d", upper.Entry.Ino)
	return fs.setImpure(ctx, parent)
}

func (fs *FS) setImpure(ctx context.Context, parent *Dentry) error {
	if parent == nil || parent.Entry == nil || parent.Entry.Upper == nil {
		return nil
	}
	up := *parent.Entry.Upper
	v, ok, err := fs.getXattr(ctx, up, XattrImpure)
	if err != nil {
		return err
	}
	if ok && string(v) == "y" {
		return nil
	}
	if err := fs.setXattr(ctx, up, XattrImpure, []byte("y")); err != nil && !errors.Is(err, layer.ErrNotSupported) {
		return fmt.Errorf("set impure (ino=%d): %w", up.Entry.Ino, err)
	}
	return nil
}
