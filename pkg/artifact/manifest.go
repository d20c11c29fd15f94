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

package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	manifestName    = "manifest"
	manifestVersion = 1
)

// manifest is the on-disk index format. Readers of the same major
// version ignore unknown top-level keys; encoding/json already does.
type manifest struct {
	Version int               `json:"version"`
	Entries map[string]string `json:"entries"`
}

// SaveManifest serialises the name index to <root>/manifest with an
// atomic write (temp file, fsync, rename). Keys are emitted sorted for
// deterministic diffs.
func (s *Store) SaveManifest() error {
	s.mu.RLock()
	m := manifest{Version: manifestVersion, Entries: make(map[string]string, len(s.index))}
	for name, rel := range s.index {
		m.Entries[name] = rel
	}
	s.mu.RUnlock()

	// encoding/json writes map keys in sorted order.
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	data = append(data, '\n')

	path := filepath.Join(s.root, manifestName)
	tmp, err := os.CreateTemp(s.root, manifestName+".*")
	if err != nil {
		return fmt.Errorf("create manifest temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close manifest: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}

// LoadManifest populates the index from the on-disk manifest. A missing
// manifest leaves the store empty; entries whose target path has
// vanished (e.g. after a crash between copy and manifest write) are
// dropped with a warning.
func (s *Store) LoadManifest() error {
	path := filepath.Join(s.root, manifestName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	if m.Version != manifestVersion {
		return fmt.Errorf("unsupported manifest version %d", m.Version)
	}

	index := make(map[string]string, len(m.Entries))
	for name, rel := range m.Entries {
		target := filepath.Join(s.root, rel)
		if _, err := os.Lstat(target); err != nil {
			s.logger.Warn("dropping manifest entry with missing target",
				"artifact", name, "path", rel)
			continue
		}
		index[name] = rel
	}

	s.mu.Lock()
	s.index = index
	s.mu.Unlock()
	return nil
}
