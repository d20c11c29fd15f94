// Copyright 2025 The Kite Authors
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

// Package discovery finds kite workflow definition files in a project tree.
package discovery

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultPattern matches workflow definition files anywhere in the tree.
const DefaultPattern = "**/*.kite.yaml"

// ignoredDirs are never descended into during discovery.
var ignoredDirs = map[string]bool{
	".git":         true,
	".kite":        true,
	"node_modules": true,
	"vendor":       true,
}

// Discover returns workflow definition files under root matching the
// glob patterns, sorted, as paths relative to root. With no patterns the
// default pattern applies.
func Discover(root string, patterns ...string) ([]string, error) {
	if len(patterns) == 0 {
		patterns = []string{DefaultPattern}
	}

	fsys := os.DirFS(root)
	seen := make(map[string]bool)
	var files []string

	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != "." && ignoredDirs[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		for _, pattern := range patterns {
			ok, err := doublestar.Match(pattern, filepath.ToSlash(path))
			if err != nil {
				return err
			}
			if ok && !seen[path] {
				seen[path] = true
				files = append(files, path)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

// IsDefinition reports whether a path looks like a kite definition file
// (its name ends in .kite.yaml).
func IsDefinition(path string) bool {
	return strings.HasSuffix(path, ".kite.yaml")
}
