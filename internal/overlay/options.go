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
	"fmt"
	"strings"
)

// DefaultNameMax is the longest name a lookup accepts by default.
const DefaultNameMax = 255

// UUIDPolicy controls the filesystem UUID carried in file handles.
type UUIDPolicy int

const (
	// UUIDOn stores the layer UUID and requires it to match on decode
	UUIDOn UUIDPolicy = iota
	// UUIDNull stores the nil UUID and requires it on decode
	UUIDNull
	// UUIDOff behaves like UUIDNull and also treats every lower layer as
	// sharing the upper filesystem, so no layer is skipped for an
	// ambiguous UUID
	UUIDOff
)

func (p UUIDPolicy) String() string {
	switch p {
	case UUIDOn:
		return "on"
	case UUIDNull:
		return "null"
	case UUIDOff:
		return "off"
	}
	return fmt.Sprintf("uuid(%d)", int(p))
}

// ParseUUIDPolicy parses "on", "null" or "off".
func ParseUUIDPolicy(s string) (UUIDPolicy, error) {
	switch strings.ToLower(s) {
	case "on", "":
		return UUIDOn, nil
	case "null":
		return UUIDNull, nil
	case "off":
		return UUIDOff, nil
	}
	return 0, fmt.Errorf("invalid uuid policy %q", s)
}

// Options are the mount options honored by lookup.
type Options struct {
	// RedirectFollow follows redirects stored on upper entries
	RedirectFollow bool
	// Metacopy allows metadata-only upper entries with data below
	Metacopy bool
	// Index consults the inode index for non-directories
	Index bool
	// IndexAll extends index lookups to directories
	IndexAll bool
	// NFSExport verifies directory index entries; implies VerifyLower
	NFSExport bool
	// VerifyLower refuses to merge a lower directory that does not
	// match the origin stored on the upper directory
	VerifyLower bool
	UUID        UUIDPolicy
	// UserXattr keeps overlay attributes in the user namespace
	UserXattr bool
	NameMax   int
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		RedirectFollow: true,
		UUID:           UUIDOn,
		NameMax:        DefaultNameMax,
	}
}

// Validate rejects option combinations that cannot work together.
func (o Options) Validate() error {
	switch {
	case o.NFSExport && !o.Index:
		return fmt.Errorf("nfs_export requires index: %w", EINVAL)
	case o.VerifyLower && !o.Index:
		return fmt.Errorf("verify_lower requires index: %w", EINVAL)
	case o.IndexAll && !o.Index:
		return fmt.Errorf("index_all requires index: %w", EINVAL)
	case o.Metacopy && !o.RedirectFollow:
		return fmt.Errorf("metacopy requires redirect_follow: %w", EINVAL)
	case o.NameMax < 0:
		return fmt.Errorf("name_max %d: %w", o.NameMax, EINVAL)
	}
	return nil
}

func (o Options) verifyLower() bool {
	return o.Index && (o.VerifyLower || o.NFSExport)
}

// Credentials gate decoding of file handles into real objects.
type Credentials interface {
	CanDecodeHandles() bool
}

type staticCredentials bool

func (c staticCredentials) CanDecodeHandles() bool { return bool(c) }

var (
	// Privileged may decode file handles
	Privileged Credentials = staticCredentials(true)
	// Unprivileged may not; every decode yields no result
	Unprivileged Credentials = staticCredentials(false)
)
