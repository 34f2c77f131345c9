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
	"strconv"

	"ovlstack/internal/layer"
)

// IndexNameOf returns the name of the index entry keyed by origin.
func (fs *FS) IndexNameOf(ctx context.Context, origin layer.Path) (string, error) {
	fh, err := fs.EncodeHandle(ctx, origin, false)
	if err != nil {
		return "", err
	}
	return IndexName(fh), nil
}

// LookupIndex finds the index entry of origin. With verify the entry is
// checked against the lookup that found origin by path; without it the
// caller is decoding an overlay file handle. A nil result with a nil
// error means there is no usable index entry.
func (fs *FS) LookupIndex(ctx context.Context, upper *layer.Path, origin layer.Path, verify bool) (*layer.Path, error) {
	if fs.index == nil {
		return nil, nil
	}
	name, err := fs.IndexNameOf(ctx, origin)
	if err != nil {
		return nil, err
	}

	e, err := fs.index.Layer.Lookup(ctx, fs.index.Entry, name)
	if err != nil {
		if !errors.Is(err, layer.ErrNotFound) {
			fs.log.Warnf("failed inode index lookup (ino=%d, key=%s, err=%v); mount with index off to disable inodes index",
				origin.Entry.Ino, name, err)
		}
		return nil, nil
	}
	index := layer.Path{Layer: fs.index.Layer, Entry: e}
	isDir := origin.Entry.IsDir()

	switch {
	case e.Kind == layer.KindWhiteout && !verify:
		// The overlay file handle is stale; nothing to report.
		index.Release()
		return nil, ESTALE
	case e.Kind == layer.KindWhiteout && !isDir:
		index.Release()
		return nil, nil
	case e.Kind == layer.KindWeird || e.Kind == layer.KindWhiteout ||
		e.Kind.FileType() != origin.Entry.Kind.FileType():
		fs.log.Warnf("bad index found (index=%s, ftype=%o, origin ftype=%o)",
			name, e.Kind.FileType(), origin.Entry.Kind.FileType())
		index.Release()
		return nil, fmt.Errorf("bad index %s: %w", name, EIO)
	case isDir && verify:
		if upper == nil {
			fs.log.Warnf("suspected uncovered redirected dir found (origin=%d, index=%s)", origin.Entry.Ino, name)
			index.Release()
			return nil, fmt.Errorf("uncovered index %s: %w", name, EIO)
		}
		if err := fs.verifyUpper(ctx, index, *upper, false); err != nil {
			if errors.Is(err, ESTALE) {
				fs.log.Warnf("suspected multiply redirected dir found (upper=%d, origin=%d, index=%s)",
					upper.Entry.Ino, origin.Entry.Ino, name)
			}
			index.Release()
			return nil, fmt.Errorf("dir index %s: %w", name, EIO)
		}
	case upper != nil && !index.Same(*upper):
		// The upper was renamed over; this index belongs to another inode.
		index.Release()
		return nil, nil
	}
	fs.log.Debugf("[Index] found %s for origin ino=%d", name, origin.Entry.Ino)
	return &index, nil
}

// IndexByHandle looks up the index entry named after fh, as done when
// decoding an overlay file handle.
func (fs *FS) IndexByHandle(ctx context.Context, fh *FileHandle) (*layer.Path, error) {
	if fs.index == nil {
		return nil, nil
	}
	name := IndexName(fh)
	e, err := fs.index.Layer.Lookup(ctx, fs.index.Entry, name)
	if err != nil {
		if errors.Is(err, layer.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	index := layer.Path{Layer: fs.index.Layer, Entry: e}
	switch e.Kind {
	case layer.KindWhiteout:
		index.Release()
		return nil, ESTALE
	case layer.KindWeird:
		index.Release()
		return nil, EIO
	}
	return &index, nil
}

// IndexUpper returns the upper entry an index entry stands for. A
// non-directory index is a hardlink of its upper; a directory index
// points at its upper through the upper attribute.
func (fs *FS) IndexUpper(ctx context.Context, index layer.Path) (*layer.Path, error) {
	if !index.Entry.IsDir() {
		p := index.Dup()
		return &p, nil
	}
	fh, err := fs.getFH(ctx, index, XattrUpper)
	if err != nil || fh == nil {
		return nil, err
	}
	if fs.layers[0] == nil {
		return nil, ESTALE
	}
	upper, err := fs.decodeRealFH(ctx, fh, fs.layers[0])
	if err != nil {
		return nil, err
	}
	if upper == nil {
		return nil, ESTALE
	}
	if !upper.Entry.IsDir() {
		fs.log.Warnf("invalid index upper (index ino=%d, upper ino=%d)", index.Entry.Ino, upper.Entry.Ino)
		upper.Release()
		return nil, EIO
	}
	return upper, nil
}

// ErrOrphan marks an index entry whose inode has no remaining aliases.
var ErrOrphan = fmt.Errorf("orphan index entry: %w", ENOENT)

// VerifyIndex checks one entry of the index directory. It returns nil
// for a healthy entry, an error wrapping ErrOrphan for an entry that
// should be cleaned up, and any other error for a corrupt one.
func (fs *FS) VerifyIndex(ctx context.Context, index layer.Path, name string) error {
	err := fs.verifyIndex(ctx, index, name)
	switch {
	case err == nil:
	case errors.Is(err, ErrOrphan):
		fs.log.Warnf("orphan index entry (%s, ftype=%o, nlink=%d)", name, index.Entry.Kind.FileType(), index.Entry.Nlink)
	default:
		fs.log.Warnf("failed to verify index (%s, ftype=%o, err=%v)", name, index.Entry.Kind.FileType(), err)
	}
	return err
}

func (fs *FS) verifyIndex(ctx context.Context, index layer.Path, name string) error {
	raw, err := ParseIndexName(name)
	if err != nil {
		return err
	}
	fh, check := ParseHandle(raw)
	switch check {
	case HandleInvalid:
		return fmt.Errorf("index name %s: %w", name, EINVAL)
	case HandleUnknown:
		return fmt.Errorf("index name %s: %w", name, ENODATA)
	}

	// A whiteout index marks an exported handle as stale and has no origin.
	if index.Entry.Kind == layer.KindWhiteout {
		return nil
	}
	// Stale directory entries only matter for exported handles.
	if index.Entry.IsDir() && !fs.opts.NFSExport {
		return nil
	}

	upper, err := fs.IndexUpper(ctx, index)
	if err != nil || upper == nil {
		if errors.Is(err, ESTALE) {
			return fmt.Errorf("%s: upper is gone: %w", name, ErrOrphan)
		}
		if err == nil {
			err = ESTALE
		}
		return err
	}
	err = fs.verifyFH(ctx, *upper, XattrOrigin, fh)
	upper.Release()
	if err != nil {
		return err
	}

	if !index.Entry.IsDir() && index.Entry.Nlink == 1 {
		origin, err := fs.checkOriginFH(ctx, fh, &index)
		if err != nil {
			return err
		}
		defer origin.Path.Release()
		if fs.getNlink(ctx, &origin.Path, &index, 0) == 0 {
			return fmt.Errorf("%s: %w", name, ErrOrphan)
		}
	}
	return nil
}

// getNlink computes the overlay link count of a hardlinked inode from
// the nlink attribute of its upper ("L+n" relative to the lower, "U-n"
// relative to the upper). fallback is returned whenever that fails.
func (fs *FS) getNlink(ctx context.Context, lower, upper *layer.Path, fallback int) int {
	if lower == nil || upper == nil || lower.Entry.Nlink == 1 {
		return fallback
	}

	v, ok, err := fs.getXattr(ctx, *upper, XattrNlink)
	if err == nil && !ok {
		err = ENODATA
	}
	if err == nil {
		var nlink int
		if nlink, err = parseNlink(string(v), lower.Entry.Nlink, upper.Entry.Nlink); err == nil {
			return nlink
		}
	}
	fs.log.Warnf("failed to get index nlink (ino=%d, err=%v)", upper.Entry.Ino, err)
	return fallback
}

func parseNlink(v string, lowerNlink, upperNlink uint32) (int, error) {
	if len(v) < 3 || (v[0] != 'L' && v[0] != 'U') || (v[1] != '+' && v[1] != '-') {
		return 0, fmt.Errorf("nlink %q: %w", v, EINVAL)
	}
	add, err := strconv.Atoi(v[1:])
	if err != nil {
		return 0, fmt.Errorf("nlink %q: %w", v, EINVAL)
	}
	base := lowerNlink
	if v[0] == 'U' {
		base = upperNlink
	}
	nlink := int(base) + add
	if nlink <= 0 {
		return 0, fmt.Errorf("nlink %q gives %d: %w", v, nlink, EINVAL)
	}
	return nlink, nil
}

// IndexReport is the outcome of scanning the index directory.
type IndexReport struct {
	Checked int            `yaml:"checked"`
	Orphans []string       `yaml:"orphans,omitempty"`
	Bad     []IndexProblem `yaml:"bad,omitempty"`
}

// IndexProblem is an index entry that failed verification.
type IndexProblem struct {
	Name string `yaml:"name"`
	Err  string `yaml:"error"`
}

// ScanIndex verifies every entry of the index directory. Nothing is
// removed; the report lists what a cleanup pass should whiteout or
// remove.
func (fs *FS) ScanIndex(ctx context.Context) (*IndexReport, error) {
	if fs.index == nil {
		return nil, fmt.Errorf("index is not enabled: %w", ENOTSUP)
	}
	ents, err := fs.index.Layer.ReadDir(ctx, fs.index.Entry)
	if err != nil {
		return nil, fmt.Errorf("read index dir: %w", err)
	}

	report := &IndexReport{}
	for _, ent := range ents {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		e, err := fs.index.Layer.Lookup(ctx, fs.index.Entry, ent.Name)
		if errors.Is(err, layer.ErrNotFound) {
			continue
		}
		if err != nil {
			return report, fmt.Errorf("lookup index %s: %w", ent.Name, err)
		}
		index := layer.Path{Layer: fs.index.Layer, Entry: e}
		err = fs.VerifyIndex(ctx, index, ent.Name)
		index.Release()

		report.Checked++
		switch {
		case err == nil:
		case errors.Is(err, ErrOrphan):
			report.Orphans = append(report.Orphans, ent.Name)
		default:
			report.Bad = append(report.Bad, IndexProblem{Name: ent.Name, Err: err.Error()})
		}
	}
	fs.log.Debugf("[Index] scanned %d entries: %d orphans, %d bad", report.Checked, len(report.Orphans), len(report.Bad))
	return report, nil
}
