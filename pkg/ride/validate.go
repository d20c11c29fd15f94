package ride

import (
	"fmt"

	kerrors "github.com/gianluz/kite/pkg/errors"
)

// ValidateSegment checks a single segment definition for constraint
// violations. Cross-segment checks (unresolved references, cycles)
// belong to graph construction.
func ValidateSegment(seg *Segment) error {
	if seg.Name == "" {
		return &kerrors.ValidationError{
			Field:   "name",
			Message: "segment name must not be empty",
		}
	}
	for _, dep := range seg.DependsOn {
		if dep == seg.Name {
			return &kerrors.SelfDependencyError{Segment: seg.Name}
		}
	}
	if seg.Timeout < 0 {
		return &kerrors.ValidationError{
			Field:   fmt.Sprintf("segment %q: timeout", seg.Name),
			Message: "timeout must be positive",
		}
	}
	if seg.MaxRetries < 0 {
		return &kerrors.ValidationError{
			Field:   fmt.Sprintf("segment %q: max_retries", seg.Name),
			Message: "max_retries must not be negative",
		}
	}
	if seg.RetryDelay < 0 {
		return &kerrors.ValidationError{
			Field:   fmt.Sprintf("segment %q: retry_delay", seg.Name),
			Message: "retry_delay must not be negative",
		}
	}
	for _, kind := range seg.RetryOn {
		if !kerrors.ValidKind(string(kind)) {
			return &kerrors.ValidationError{
				Field:      fmt.Sprintf("segment %q: retry_on", seg.Name),
				Message:    fmt.Sprintf("unknown error kind %q", kind),
				Suggestion: "valid kinds: non_zero_exit, launch_failure, timeout, missing_input, missing_output, user",
			}
		}
	}
	for _, out := range seg.Outputs {
		if out.Name == "" {
			return &kerrors.ValidationError{
				Field:   fmt.Sprintf("segment %q: outputs", seg.Name),
				Message: "output artifact name must not be empty",
			}
		}
		if out.SourcePath == "" {
			return &kerrors.ValidationError{
				Field:   fmt.Sprintf("segment %q: outputs", seg.Name),
				Message: fmt.Sprintf("output %q has no source path", out.Name),
			}
		}
	}
	if seg.Run == nil {
		return &kerrors.ValidationError{
			Field:   fmt.Sprintf("segment %q", seg.Name),
			Message: "segment has no body",
		}
	}
	return nil
}

// ValidateRide checks ride-level constraints that do not need the
// segment set.
func ValidateRide(r *Ride) error {
	if r.Name == "" {
		return &kerrors.ValidationError{
			Field:   "name",
			Message: "ride name must not be empty",
		}
	}
	if r.MaxConcurrency < 0 {
		return &kerrors.ConcurrencyError{Value: r.MaxConcurrency}
	}
	return nil
}
