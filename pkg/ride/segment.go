// Package ride implements the Kite execution core: the segment/ride data
// model, the dependency graph, and the sequential and bounded-parallel
// schedulers that drive segments through their execution protocol.
package ride

import (
	"time"

	kerrors "github.com/gianluz/kite/pkg/errors"
)

// Body is the user action of a segment. It receives the execution
// context for the attempt and may fail by returning an error.
type Body func(ctx *ExecutionContext) error

// Condition gates a segment's execution. A false result skips the
// segment; an error counts as a failure of the current attempt.
type Condition func(ctx *ExecutionContext) (bool, error)

// Hook is invoked at a fixed lifecycle point of a segment. Hook errors
// are logged and never alter the status of what the hook observes.
type Hook func(ctx *ExecutionContext) error

// FailureHook receives the error that terminated the segment.
type FailureHook func(ctx *ExecutionContext, err error) error

// CompletionHook fires after every terminal state with the final status.
type CompletionHook func(ctx *ExecutionContext, status Status) error

// Output declares a file or directory the segment produces, captured
// into the artifact store after a successful attempt.
type Output struct {
	// Name is the artifact name downstream segments read.
	Name string

	// SourcePath is where the body writes the output, relative to the
	// workspace root.
	SourcePath string
}

// Segment is a named unit of work. Segments are created by the loader
// and immutable afterwards; the scheduler never mutates them.
type Segment struct {
	// Name uniquely identifies the segment within a ride's resolved set.
	Name string

	// Description is free text shown by listing commands.
	Description string

	// DependsOn names the segments that must reach a terminal state
	// before this one may start.
	DependsOn []string

	// When gates execution; nil means always run.
	When Condition

	// Timeout bounds each attempt's body. Output capture after a
	// successful attempt is not bounded by it. Zero means no timeout.
	Timeout time.Duration

	// MaxRetries is the number of re-attempts after a retryable failure.
	MaxRetries int

	// RetryDelay is the wall-clock pause between attempts.
	RetryDelay time.Duration

	// RetryOn restricts which error kinds trigger a retry.
	// Empty means any failure is retryable when MaxRetries > 0.
	RetryOn []kerrors.Kind

	// Inputs names artifacts that must exist before execution.
	Inputs []string

	// Outputs are captured into the artifact store on success, in order.
	Outputs []Output

	// Run is the user action.
	Run Body

	// Lifecycle hooks; any may be nil.
	OnSuccess  Hook
	OnFailure  FailureHook
	OnComplete CompletionHook
}

// SegmentOverride carries per-ride adjustments for one segment.
type SegmentOverride struct {
	// Timeout replaces the segment timeout when set.
	Timeout *time.Duration

	// DependsOn is unioned with the segment's own dependencies.
	DependsOn []string

	// When replaces the segment condition when non-nil.
	When Condition

	// Enabled disables the segment for this ride when set to false.
	Enabled *bool
}

// effective returns a copy of seg with the override applied. The
// original segment is shared by every ride that references it and is
// never touched.
func (o *SegmentOverride) effective(seg *Segment) *Segment {
	out := *seg
	if o == nil {
		return &out
	}
	if o.Timeout != nil {
		out.Timeout = *o.Timeout
	}
	if len(o.DependsOn) > 0 {
		deps := make([]string, 0, len(seg.DependsOn)+len(o.DependsOn))
		seen := make(map[string]bool, len(seg.DependsOn)+len(o.DependsOn))
		for _, d := range append(append([]string{}, seg.DependsOn...), o.DependsOn...) {
			if !seen[d] {
				seen[d] = true
				deps = append(deps, d)
			}
		}
		out.DependsOn = deps
	}
	if o.When != nil {
		out.When = o.When
	}
	return &out
}

// disabled reports whether the override switches the segment off.
func (o *SegmentOverride) disabled() bool {
	return o != nil && o.Enabled != nil && !*o.Enabled
}
