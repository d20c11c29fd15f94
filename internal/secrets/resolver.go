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

// Package secrets resolves secret references in ride environment values.
//
// Reference formats:
//
//	env:NAME               value of the NAME environment variable
//	file:/path/to/secret   trimmed contents of the file
//	keyring:service/user   OS keychain entry
//
// Values without a scheme prefix are plain literals. Every resolved
// secret reference is reported to the caller so it can be registered
// with the masking registry before any segment runs.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// ErrNotFound indicates the referenced secret does not exist.
var ErrNotFound = errors.New("secret not found")

// Resolved is one environment entry whose value came from a secret
// reference and must be masked in all output.
type Resolved struct {
	// Name is the environment variable name, used as the masking hint.
	Name string

	// Value is the resolved secret value.
	Value string
}

// ResolveEnvironment expands secret references in a ride environment
// map. It returns the resolved map and the entries that were secret
// references.
func ResolveEnvironment(env map[string]string) (map[string]string, []Resolved, error) {
	if len(env) == 0 {
		return env, nil, nil
	}

	resolved := make(map[string]string, len(env))
	var secrets []Resolved
	for name, ref := range env {
		value, isSecret, err := Resolve(ref)
		if err != nil {
			return nil, nil, fmt.Errorf("environment %s: %w", name, err)
		}
		resolved[name] = value
		if isSecret && value != "" {
			secrets = append(secrets, Resolved{Name: name, Value: value})
		}
	}
	return resolved, secrets, nil
}

// Resolve expands one value. The second return is true when the value
// was a secret reference rather than a literal.
func Resolve(ref string) (string, bool, error) {
	scheme, rest, ok := strings.Cut(ref, ":")
	if !ok {
		return ref, false, nil
	}
	switch scheme {
	case "env":
		value, ok := os.LookupEnv(rest)
		if !ok {
			return "", false, fmt.Errorf("%w: environment variable %q", ErrNotFound, rest)
		}
		return value, true, nil
	case "file":
		data, err := os.ReadFile(rest)
		if err != nil {
			if os.IsNotExist(err) {
				return "", false, fmt.Errorf("%w: file %q", ErrNotFound, rest)
			}
			return "", false, fmt.Errorf("read secret file %q: %w", rest, err)
		}
		return strings.TrimSpace(string(data)), true, nil
	case "keyring":
		service, user, ok := strings.Cut(rest, "/")
		if !ok || service == "" || user == "" {
			return "", false, fmt.Errorf("invalid keyring reference %q: want keyring:service/user", ref)
		}
		value, err := keyring.Get(service, user)
		if err != nil {
			if errors.Is(err, keyring.ErrNotFound) {
				return "", false, fmt.Errorf("%w: keyring entry %q", ErrNotFound, rest)
			}
			return "", false, fmt.Errorf("keyring lookup %q: %w", rest, err)
		}
		return value, true, nil
	default:
		// Unknown schemes are literals; "https://example.com" is a
		// value, not a reference.
		return ref, false, nil
	}
}
