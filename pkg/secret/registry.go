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

// Package secret provides the process-wide masking registry.
//
// Any component may register a sensitive value; the logger and process
// runner pass all text through Mask before it reaches the console, a log
// file, or a captured output string.
package secret

import (
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// minLength is the shortest value the registry will track. Masking
// shorter strings would redact common substrings all over the output.
const minLength = 4

type entry struct {
	value       string
	replacement string
}

// Registry holds sensitive strings and their derived encodings.
// Register and Mask may interleave freely from any goroutine.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	seen    map[string]bool
}

// NewRegistry creates an empty masking registry.
func NewRegistry() *Registry {
	return &Registry{seen: make(map[string]bool)}
}

// Register adds value and its derived encodings to the registry.
// The derived encodings are the percent-encoded form and the Base64 form
// (padding preserved); the Base64 entry's display tag is suffixed _BASE64.
// Empty or too-short values and already-registered values are ignored.
func (r *Registry) Register(value, hint string) {
	if len(value) < minLength {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.seen[value] {
		return
	}
	r.seen[value] = true

	// Copy-on-write: Mask iterates its snapshot outside the read lock,
	// so the published slice is never mutated in place.
	entries := append([]entry(nil), r.entries...)

	entries = add(entries, value, hint)
	if escaped := url.QueryEscape(value); escaped != value {
		entries = add(entries, escaped, hint)
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(value))
	b64Hint := hint
	if b64Hint != "" {
		b64Hint += "_BASE64"
	}
	entries = add(entries, encoded, b64Hint)

	// Longest first, so a short secret never consumes the prefix of a
	// longer one during replacement.
	sort.SliceStable(entries, func(i, j int) bool {
		return len(entries[i].value) > len(entries[j].value)
	})

	r.entries = entries
}

// add appends a single derived form, skipping duplicates.
func add(entries []entry, value, hint string) []entry {
	replacement := "***"
	if hint != "" {
		replacement = "[" + hint + ":***]"
	}
	for _, e := range entries {
		if e.value == value {
			return entries
		}
	}
	return append(entries, entry{value: value, replacement: replacement})
}

// Mask replaces every occurrence of every registered value in text.
// It is total: unregistered text passes through unchanged.
func (r *Registry) Mask(text string) string {
	r.mu.RLock()
	entries := r.entries
	r.mu.RUnlock()

	for _, e := range entries {
		text = strings.ReplaceAll(text, e.value, e.replacement)
	}
	return text
}

// Registered returns a snapshot of the tracked values.
// For tests only; production paths must not enumerate secrets.
func (r *Registry) Registered() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	values := make([]string, len(r.entries))
	for i, e := range r.entries {
		values[i] = e.value
	}
	return values
}

// Reset discards all registered values. For tests that share a registry
// across runs; production code creates a fresh registry per scheduler.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
	r.seen = make(map[string]bool)
}
