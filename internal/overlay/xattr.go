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

// Xattr identifies one of the overlay's private extended attributes.
type Xattr int

const (
	// XattrOpaque marks a directory that hides lower layers
	XattrOpaque Xattr = iota
	// XattrRedirect holds an absolute or relative redirect path
	XattrRedirect
	// XattrOrigin holds the file handle of the copy-up origin
	XattrOrigin
	// XattrImpure marks a directory with copied-up children
	XattrImpure
	// XattrNlink holds the hardlink count delta of an index entry
	XattrNlink
	// XattrUpper holds the upper directory handle of a directory index
	XattrUpper
	// XattrMetacopy marks a file whose data lives in a lower layer
	XattrMetacopy
)

const (
	trustedPrefix = "trusted.overlay."
	userPrefix    = "user.overlay."
)

var xattrSuffix = [...]string{
	XattrOpaque:   "opaque",
	XattrRedirect: "redirect",
	XattrOrigin:   "origin",
	XattrImpure:   "impure",
	XattrNlink:    "nlink",
	XattrUpper:    "upper",
	XattrMetacopy: "metacopy",
}

// XattrName returns the attribute name for x in the trusted or, with
// userXattr, the user namespace.
func XattrName(x Xattr, userXattr bool) string {
	if userXattr {
		return userPrefix + xattrSuffix[x]
	}
	return trustedPrefix + xattrSuffix[x]
}

func (x Xattr) String() string {
	if int(x) < 0 || int(x) >= len(xattrSuffix) {
		return "unknown"
	}
	return xattrSuffix[x]
}

// Metacopy header layout: version, length, flags, digest algorithm, digest.
const (
	metacopyVersion = 0
	metacopyMinSize = 4
	metacopyMaxSize = metacopyMinSize + 64
)
