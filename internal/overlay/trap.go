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

import "ovlstack/internal/layer"

// trapArena holds the directory identities a lookup must never descend
// into: every layer root and the index directory, plus the bases of the
// walk currently running in one layer. Ancestors of the parent are not
// traps; a redirect left by a rename may walk back through them.
type trapArena struct {
	static  map[layer.Ident]struct{}
	visited map[layer.Ident]struct{}
}

func newTrapArena(static map[layer.Ident]struct{}) *trapArena {
	return &trapArena{
		static:  static,
		visited: make(map[layer.Ident]struct{}),
	}
}

// reset forgets the bases of the previous walk.
func (t *trapArena) reset() {
	clear(t.visited)
}

func (t *trapArena) add(id layer.Ident) {
	t.visited[id] = struct{}{}
}

func (t *trapArena) contains(id layer.Ident) bool {
	if _, ok := t.static[id]; ok {
		return true
	}
	_, ok := t.visited[id]
	return ok
}
