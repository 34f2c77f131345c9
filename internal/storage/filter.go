// Copyright 2024 OvlStack Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package storage

import (
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"

	"ovlstack/internal/common"
)

// FileFilter decides whether relPath (slash separated, relative to the
// import root) is imported. Returning false for a directory skips it whole.
type FileFilter func(relPath string, isDir bool) bool

// importFilter applies excludes, then includes, then .gitignore rules.
// Rules are read from each directory the first time an entry below it
// is checked.
type importFilter struct {
	root      string
	gitignore bool
	includes  []string
	excludes  []string
	rules     map[string]*ignore.GitIgnore
}

// BuildFileFilter returns a filter for a tree rooted at root. Excludes
// win over includes; includes win over .gitignore. Entries are matched
// by exact path or by lying below a listed path. With gitignoreEnabled
// .git directories are skipped too.
func BuildFileFilter(root string, gitignoreEnabled bool, includes, excludes []string) FileFilter {
	f := &importFilter{
		root:      root,
		gitignore: gitignoreEnabled,
		includes:  cleanPrefixes(includes),
		excludes:  cleanPrefixes(excludes),
		rules:     make(map[string]*ignore.GitIgnore),
	}
	return f.allow
}

func cleanPrefixes(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p = common.NormalizePath(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// underAny reports whether relPath is one of prefixes or lies below one.
func underAny(relPath string, prefixes []string) bool {
	for _, p := range prefixes {
		if relPath == p || strings.HasPrefix(relPath, p+"/") {
			return true
		}
	}
	return false
}

func (f *importFilter) allow(relPath string, isDir bool) bool {
	switch {
	case underAny(relPath, f.excludes):
		return false
	case underAny(relPath, f.includes):
		return true
	case !f.gitignore:
		return true
	case isDir && common.BaseName(relPath) == ".git":
		return false
	}
	return !f.ignored(relPath, isDir)
}

// ignored checks relPath against the .gitignore of every directory
// above it, from its parent up to the root.
func (f *importFilter) ignored(relPath string, isDir bool) bool {
	for dir := common.ParentPath(relPath); ; dir = common.ParentPath(dir) {
		if gi := f.rulesFor(dir); gi != nil {
			rel := relPath
			if dir != "" {
				rel = strings.TrimPrefix(relPath, dir+"/")
			}
			if isDir {
				rel += "/"
			}
			if gi.MatchesPath(rel) {
				return true
			}
		}
		if dir == "" {
			return false
		}
	}
}

func (f *importFilter) rulesFor(dir string) *ignore.GitIgnore {
	if gi, ok := f.rules[dir]; ok {
		return gi
	}
	p := filepath.Join(f.root, filepath.FromSlash(dir), ".gitignore")
	gi, err := ignore.CompileIgnoreFile(p)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("[Import] ignoring unreadable %s: %v", p, err)
		}
		gi = nil
	}
	f.rules[dir] = gi
	return gi
}
