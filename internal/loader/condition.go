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

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	kerrors "github.com/gianluz/kite/pkg/errors"
	"github.com/gianluz/kite/pkg/ride"
)

// compileCondition turns a `when:` expression into a segment condition.
// Expressions are compiled at load time so syntax errors surface as
// validation errors, not runtime segment failures.
//
// The expression sees:
//
//	ride                  the ride name
//	segment               the segment name
//	env("NAME")           environment lookup (ride overlay first)
//	hasArtifact("name")   whether an artifact is in the store
func compileCondition(segment, src string) (ride.Condition, error) {
	program, err := expr.Compile(src, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, &kerrors.ValidationError{
			Field:      fmt.Sprintf("segment %q: when", segment),
			Message:    fmt.Sprintf("invalid expression: %v", err),
			Suggestion: `example: env("CI") == "true" && hasArtifact("apk")`,
		}
	}
	return conditionFor(program), nil
}

func conditionFor(program *vm.Program) ride.Condition {
	return func(ctx *ride.ExecutionContext) (bool, error) {
		out, err := expr.Run(program, map[string]any{
			"ride":        ctx.RideName(),
			"segment":     ctx.SegmentName(),
			"env":         func(name string) string { return ctx.Env(name) },
			"hasArtifact": func(name string) bool { return ctx.HasArtifact(name) },
		})
		if err != nil {
			return false, err
		}
		result, ok := out.(bool)
		if !ok {
			return false, fmt.Errorf("condition returned %T, not bool", out)
		}
		return result, nil
	}
}
