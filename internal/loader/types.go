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

package loader

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// file is the YAML shape of one *.kite.yaml definition file.
type file struct {
	Segments []segmentDef `yaml:"segments"`
	Rides    []rideDef    `yaml:"rides"`
}

type segmentDef struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	DependsOn   []string    `yaml:"depends_on"`
	When        string      `yaml:"when"`
	Timeout     *duration   `yaml:"timeout"`
	MaxRetries  int         `yaml:"max_retries"`
	RetryDelay  duration    `yaml:"retry_delay"`
	RetryOn     []string    `yaml:"retry_on"`
	Inputs      []string    `yaml:"inputs"`
	Outputs     []outputDef `yaml:"outputs"`
	Run         string      `yaml:"run"`
}

type outputDef struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

type rideDef struct {
	Name            string                 `yaml:"name"`
	Description     string                 `yaml:"description"`
	Environment     map[string]string      `yaml:"environment"`
	MaxConcurrency  *int                   `yaml:"max_concurrency"`
	ContinueOnError bool                   `yaml:"continue_on_error"`
	Flow            []flowEntry            `yaml:"flow"`
	Overrides       map[string]overrideDef `yaml:"overrides"`
}

type overrideDef struct {
	Enabled   *bool     `yaml:"enabled"`
	Timeout   *duration `yaml:"timeout"`
	DependsOn []string  `yaml:"depends_on"`
	When      string    `yaml:"when"`
}

// flowEntry is one node of a ride's flow list. A scalar is a segment
// reference; a mapping with a parallel or sequence key nests children.
type flowEntry struct {
	Ref      string
	Parallel []flowEntry
	Sequence []flowEntry
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (e *flowEntry) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&e.Ref)
	case yaml.MappingNode:
		var m struct {
			Parallel []flowEntry `yaml:"parallel"`
			Sequence []flowEntry `yaml:"sequence"`
		}
		if err := node.Decode(&m); err != nil {
			return err
		}
		if len(m.Parallel) > 0 && len(m.Sequence) > 0 {
			return fmt.Errorf("line %d: flow entry cannot be both parallel and sequence", node.Line)
		}
		e.Parallel = m.Parallel
		e.Sequence = m.Sequence
		return nil
	default:
		return fmt.Errorf("line %d: flow entry must be a segment name or a parallel/sequence block", node.Line)
	}
}

// duration parses YAML scalars like "30s" or "5m" via time.ParseDuration.
type duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, raw, err)
	}
	*d = duration(parsed)
	return nil
}
