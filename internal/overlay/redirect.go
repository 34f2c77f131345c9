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

// maxRedirectLen bounds an assembled lookup name.
const maxRedirectLen = 4096

// redirectBuf assembles a rewritten lookup name. Its size is fixed when
// it is created and appends past it fail instead of truncating.
type redirectBuf struct {
	b []byte
}

func newRedirectBuf(size int) (*redirectBuf, error) {
	if size > maxRedirectLen {
		return nil, fmt.Errorf("redirect of %d bytes: %w", size, ENAMETOOLONG)
	}
	return &redirectBuf{b: make([]byte, 0, size)}, nil
}

func (r *redirectBuf) append(s string) error {
	if len(r.b)+len(s) > cap(r.b) {
		return fmt.Errorf("redirect buffer overflow (%d+%d > %d): %w", len(r.b), len(s), cap(r.b), EIO)
	}
	r.b = append(r.b, s...)
	return nil
}

func (r *redirectBuf) String() string { return string(r.b) }

// validRedirect reports whether a stored redirect can be followed. An
// absolute redirect must not have empty components; a relative one is
// a single name.
func validRedirect(v string) bool {
	if v == "" {
		return false
	}
	if v[0] != '/' {
		return !strings.Contains(v, "/")
	}
	for _, c := range strings.Split(v[1:], "/") {
		if c == "" {
			return false
		}
	}
	return true
}

// getRedirect returns the redirect stored on p, or "" when there is none.
func (fs *FS) getRedirect(ctx context.Context, p layer.Path) (string, error) {
	v, ok, err := fs.getXattr(ctx, p, XattrRedirect)
	if err != nil || !ok {
		return "", err
	}
	if !validRedirect(string(v)) {
		fs.log.Warnf("invalid redirect (%q)", v)
		return "", fmt.Errorf("invalid redirect %q: %w", v, EINVAL)
	}
	return string(v), nil
}

// checkRedirect rewrites the lookup name when p carries a redirect. The
// first prelen bytes of the name are already resolved and post is what
// remains after the current component.
func (fs *FS) checkRedirect(ctx context.Context, p layer.Path, d *lookupData, prelen int, post string) error {
	target, err := fs.getRedirect(ctx, p)
	if err != nil || target == "" {
		return err
	}

	var buf *redirectBuf
	if target[0] == '/' {
		// A descendant's absolute redirect overrides an opaque ancestor.
		d.stop = false
		if buf, err = newRedirectBuf(len(target) + len(post)); err != nil {
			return err
		}
	} else {
		if buf, err = newRedirectBuf(prelen + len(target) + len(post)); err != nil {
			return err
		}
		if err := buf.append(d.name[:prelen]); err != nil {
			return err
		}
	}
	if err := buf.append(target); err != nil {
		return err
	}
	if err := buf.append(post); err != nil {
		return err
	}

	d.redirect = buf.String()
	d.name = d.redirect
	fs.log.Debugf("[Lookup] redirect %q -> %q", target, d.name)
	return nil
}
