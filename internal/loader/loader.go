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

// Package loader parses *.kite.yaml definition files into the segment
// and ride values the execution core consumes. Shell-command segments
// get bodies that run through the segment's execution context, so their
// output is captured, masked, and logged like any other command.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gianluz/kite/internal/secrets"
	kerrors "github.com/gianluz/kite/pkg/errors"
	"github.com/gianluz/kite/pkg/ride"
)

// Definitions is the loaded workspace: every segment and ride from the
// discovered definition files, with ride environments resolved and the
// secret values that resolution produced.
type Definitions struct {
	Segments map[string]*ride.Segment
	Rides    map[string]*ride.Ride

	// RideSecrets maps ride name to the secret values its environment
	// resolution produced; the CLI registers them with the masking
	// registry before the ride runs.
	RideSecrets map[string][]secrets.Resolved
}

// Load parses the given definition files (paths relative to root).
// Duplicate segment or ride names across files are load-time errors.
func Load(root string, files []string) (*Definitions, error) {
	defs := &Definitions{
		Segments:    make(map[string]*ride.Segment),
		Rides:       make(map[string]*ride.Ride),
		RideSecrets: make(map[string][]secrets.Resolved),
	}

	for _, rel := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &kerrors.ConfigError{Key: rel, Reason: "cannot read definition file", Cause: err}
		}
		var f file
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, &kerrors.ConfigError{Key: rel, Reason: "cannot parse definition file", Cause: err}
		}

		for i := range f.Segments {
			seg, err := convertSegment(&f.Segments[i])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", rel, err)
			}
			if _, exists := defs.Segments[seg.Name]; exists {
				return nil, &kerrors.DuplicateSegmentError{Name: seg.Name}
			}
			defs.Segments[seg.Name] = seg
		}

		for i := range f.Rides {
			r, rideSecrets, err := convertRide(&f.Rides[i])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", rel, err)
			}
			if _, exists := defs.Rides[r.Name]; exists {
				return nil, &kerrors.ValidationError{
					Field:   "rides",
					Message: fmt.Sprintf("duplicate ride name %q", r.Name),
				}
			}
			defs.Rides[r.Name] = r
			defs.RideSecrets[r.Name] = rideSecrets
		}
	}

	return defs, nil
}

func convertSegment(def *segmentDef) (*ride.Segment, error) {
	seg := &ride.Segment{
		Name:        def.Name,
		Description: def.Description,
		DependsOn:   def.DependsOn,
		MaxRetries:  def.MaxRetries,
		RetryDelay:  time.Duration(def.RetryDelay),
		Inputs:      def.Inputs,
	}

	if def.Timeout != nil {
		if *def.Timeout <= 0 {
			return nil, &kerrors.ValidationError{
				Field:   fmt.Sprintf("segment %q: timeout", def.Name),
				Message: "timeout must be positive",
			}
		}
		seg.Timeout = time.Duration(*def.Timeout)
	}

	for _, kind := range def.RetryOn {
		if !kerrors.ValidKind(kind) {
			return nil, &kerrors.ValidationError{
				Field:      fmt.Sprintf("segment %q: retry_on", def.Name),
				Message:    fmt.Sprintf("unknown error kind %q", kind),
				Suggestion: "valid kinds: non_zero_exit, launch_failure, timeout, missing_input, missing_output, user",
			}
		}
		seg.RetryOn = append(seg.RetryOn, kerrors.Kind(kind))
	}

	for _, out := range def.Outputs {
		seg.Outputs = append(seg.Outputs, ride.Output{Name: out.Name, SourcePath: out.Path})
	}

	if def.When != "" {
		when, err := compileCondition(def.Name, def.When)
		if err != nil {
			return nil, err
		}
		seg.When = when
	}

	if def.Run == "" {
		return nil, &kerrors.ValidationError{
			Field:   fmt.Sprintf("segment %q", def.Name),
			Message: "segment has no run command",
		}
	}
	seg.Run = commandBody(def.Run)

	if err := ride.ValidateSegment(seg); err != nil {
		return nil, err
	}
	return seg, nil
}

// commandBody wraps a shell command string as a segment body.
func commandBody(command string) ride.Body {
	return func(ctx *ride.ExecutionContext) error {
		_, err := ctx.Shell(command)
		return err
	}
}

func convertRide(def *rideDef) (*ride.Ride, []secrets.Resolved, error) {
	r := &ride.Ride{
		Name:            def.Name,
		Description:     def.Description,
		ContinueOnError: def.ContinueOnError,
	}

	if def.MaxConcurrency != nil {
		if *def.MaxConcurrency < 1 {
			return nil, nil, &kerrors.ConcurrencyError{Value: *def.MaxConcurrency}
		}
		r.MaxConcurrency = *def.MaxConcurrency
	}

	env, rideSecrets, err := secrets.ResolveEnvironment(def.Environment)
	if err != nil {
		return nil, nil, &kerrors.ConfigError{
			Key:    fmt.Sprintf("ride %q: environment", def.Name),
			Reason: "secret resolution failed",
			Cause:  err,
		}
	}
	r.Environment = env

	children := make([]ride.FlowNode, 0, len(def.Flow))
	for _, entry := range def.Flow {
		node, err := convertFlow(entry)
		if err != nil {
			return nil, nil, fmt.Errorf("ride %q: %w", def.Name, err)
		}
		children = append(children, node)
	}
	r.Flow = ride.Sequence(children...)

	if len(def.Overrides) > 0 {
		r.Overrides = make(map[string]*ride.SegmentOverride, len(def.Overrides))
		for name, ov := range def.Overrides {
			converted, err := convertOverride(name, ov)
			if err != nil {
				return nil, nil, fmt.Errorf("ride %q: %w", def.Name, err)
			}
			r.Overrides[name] = converted
		}
	}

	if err := ride.ValidateRide(r); err != nil {
		return nil, nil, err
	}
	return r, rideSecrets, nil
}

func convertFlow(entry flowEntry) (ride.FlowNode, error) {
	switch {
	case entry.Ref != "":
		return ride.Ref(entry.Ref), nil
	case len(entry.Parallel) > 0:
		children := make([]ride.FlowNode, 0, len(entry.Parallel))
		for _, child := range entry.Parallel {
			node, err := convertFlow(child)
			if err != nil {
				return ride.FlowNode{}, err
			}
			children = append(children, node)
		}
		return ride.Parallel(children...), nil
	case len(entry.Sequence) > 0:
		children := make([]ride.FlowNode, 0, len(entry.Sequence))
		for _, child := range entry.Sequence {
			node, err := convertFlow(child)
			if err != nil {
				return ride.FlowNode{}, err
			}
			children = append(children, node)
		}
		return ride.Sequence(children...), nil
	default:
		return ride.FlowNode{}, &kerrors.ValidationError{
			Field:   "flow",
			Message: "empty flow entry",
		}
	}
}

func convertOverride(segment string, def overrideDef) (*ride.SegmentOverride, error) {
	out := &ride.SegmentOverride{
		Enabled:   def.Enabled,
		DependsOn: def.DependsOn,
	}
	if def.Timeout != nil {
		t := time.Duration(*def.Timeout)
		if t <= 0 {
			return nil, &kerrors.ValidationError{
				Field:   fmt.Sprintf("overrides.%s.timeout", segment),
				Message: "timeout must be positive",
			}
		}
		out.Timeout = &t
	}
	if def.When != "" {
		when, err := compileCondition(segment, def.When)
		if err != nil {
			return nil, err
		}
		out.When = when
	}
	return out, nil
}
