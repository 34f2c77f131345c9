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

// Package cache keeps looked-up overlay dentries by merged path so a
// path walk does not repeat layer lookups for every component.
//
// The cache owns the layer references of the dentries it holds. Callers
// borrow a dentry through a Lease; an evicted dentry is released when its
// last lease is returned. Invalidating a path also drops everything below
// it, since child dentries point at their parent.
package cache

import "os"

// Disabled turns the dentry cache into a pass-through (OVLSTACK_CACHE=0).
// Get always misses, and Put and Load hand back a private lease that
// releases the dentry when it is returned.
var Disabled = os.Getenv("OVLSTACK_CACHE") == "0"
