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

import "golang.org/x/sys/unix"

// Lookup error codes mapped to errno values
var (
	ENOENT       = unix.ENOENT       // No such file or directory
	ENOTDIR      = unix.ENOTDIR      // Not a directory
	ESTALE       = unix.ESTALE       // Stale file handle
	EIO          = unix.EIO          // I/O error (structural corruption)
	EPERM        = unix.EPERM        // Operation not permitted (policy)
	ELOOP        = unix.ELOOP        // Overlapping layers
	EREMOTE      = unix.EREMOTE      // Object the union cannot traverse
	ENODATA      = unix.ENODATA      // Attribute not found
	ENAMETOOLONG = unix.ENAMETOOLONG // File name too long
	EINVAL       = unix.EINVAL       // Invalid argument
	ENOMEM       = unix.ENOMEM       // Out of memory
	ENOTSUP      = unix.ENOTSUP      // Operation not supported
	EXDEV        = unix.EXDEV        // Cross-device link
)
