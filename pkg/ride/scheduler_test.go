package ride

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/gianluz/kite/pkg/errors"
)

func newTestScheduler(t *testing.T) (*Scheduler, string) {
	t.Helper()
	workspace := t.TempDir()
	s, err := NewScheduler(workspace)
	require.NoError(t, err)
	s.WithConsole(io.Discard).WithLogger(slog.New(slog.DiscardHandler)).WithSequential()
	return s, workspace
}

func run(t *testing.T, s *Scheduler, r *Ride, segments ...*Segment) *Result {
	t.Helper()
	result, err := s.Run(context.Background(), r, defsOf(segments...))
	require.NoError(t, err)
	return result
}

func TestScheduler_LinearSuccess(t *testing.T) {
	s, workspace := newTestScheduler(t)

	write := func(name string) Body {
		return func(ctx *ExecutionContext) error {
			return os.WriteFile(filepath.Join(ctx.Workspace(), name+".out"), []byte(name), 0o644)
		}
	}
	a := &Segment{Name: "a", Run: write("a")}
	b := &Segment{Name: "b", DependsOn: []string{"a"}, Run: write("b")}
	c := &Segment{Name: "c", DependsOn: []string{"b"}, Run: write("c")}

	result := run(t, s, rideOf("c"), a, b, c)

	assert.False(t, result.Failed())
	assert.Equal(t, 0, result.ExitCode())
	assert.Equal(t, []string{"a", "b", "c"}, result.Order)
	for _, name := range []string{"a", "b", "c"} {
		assert.Equal(t, StatusSuccess, result.Segments[name].Status)
		assert.Equal(t, 1, result.Segments[name].Attempts)
		assert.FileExists(t, filepath.Join(workspace, name+".out"))
	}
}

func TestScheduler_AllSuccessMatchesGraph(t *testing.T) {
	s, _ := newTestScheduler(t)
	segs := []*Segment{seg("a"), seg("b", "a"), seg("c", "a"), seg("d", "b", "c")}

	result := run(t, s, rideOf("d"), segs...)

	for _, sg := range segs {
		require.Contains(t, result.Segments, sg.Name)
		assert.Equal(t, StatusSuccess, result.Segments[sg.Name].Status)
	}
}

func TestScheduler_DependencyFailurePropagation(t *testing.T) {
	s, _ := newTestScheduler(t)

	var aFailureFired, bFailureFired, bCompleteStatus atomic.Value
	a := &Segment{
		Name: "a",
		Run:  func(*ExecutionContext) error { return errors.New("boom") },
		OnFailure: func(_ *ExecutionContext, err error) error {
			aFailureFired.Store(true)
			return nil
		},
	}
	b := &Segment{
		Name:      "b",
		DependsOn: []string{"a"},
		Run:       noopBody,
		OnFailure: func(_ *ExecutionContext, err error) error {
			bFailureFired.Store(true)
			return nil
		},
		OnComplete: func(_ *ExecutionContext, status Status) error {
			bCompleteStatus.Store(status)
			return nil
		},
	}
	c := &Segment{Name: "c", Run: noopBody}

	result := run(t, s, rideOf("a", "b", "c"), a, b, c)

	assert.Equal(t, StatusFailure, result.Segments["a"].Status)
	assert.Equal(t, StatusSkipped, result.Segments["b"].Status)
	assert.Equal(t, SkipDependencyFailed, result.Segments["b"].SkipReason)
	assert.Equal(t, StatusSuccess, result.Segments["c"].Status)
	assert.Equal(t, 1, result.ExitCode())

	assert.Equal(t, true, aFailureFired.Load())
	assert.Nil(t, bFailureFired.Load())
	assert.Equal(t, StatusSkipped, bCompleteStatus.Load())
}

func TestScheduler_SkipPropagatesDownstream(t *testing.T) {
	s, _ := newTestScheduler(t)
	a := &Segment{Name: "a", Run: func(*ExecutionContext) error { return errors.New("boom") }}
	b := seg("b", "a")
	c := seg("c", "b")

	result := run(t, s, rideOf("c"), a, b, c)

	assert.Equal(t, SkipDependencyFailed, result.Segments["b"].SkipReason)
	assert.Equal(t, SkipDependencySkipped, result.Segments["c"].SkipReason)
}

func TestScheduler_RetryOnTransientError(t *testing.T) {
	s, _ := newTestScheduler(t)

	var calls atomic.Int32
	var stamps []time.Time
	a := &Segment{
		Name:       "a",
		MaxRetries: 3,
		RetryDelay: 10 * time.Millisecond,
		Run: func(*ExecutionContext) error {
			stamps = append(stamps, time.Now())
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	}

	result := run(t, s, rideOf("a"), a)

	assert.Equal(t, StatusSuccess, result.Segments["a"].Status)
	assert.Equal(t, 3, result.Segments["a"].Attempts)
	require.Len(t, stamps, 3)
	for i := 1; i < 3; i++ {
		assert.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), 10*time.Millisecond)
	}
}

func TestScheduler_NoRetryWhenMaxRetriesZero(t *testing.T) {
	s, _ := newTestScheduler(t)

	var calls atomic.Int32
	a := &Segment{
		Name: "a",
		Run: func(*ExecutionContext) error {
			calls.Add(1)
			return errors.New("boom")
		},
	}

	result := run(t, s, rideOf("a"), a)

	assert.Equal(t, StatusFailure, result.Segments["a"].Status)
	assert.Equal(t, 1, result.Segments["a"].Attempts)
	assert.Equal(t, int32(1), calls.Load())
}

func TestScheduler_RetryOnFiltersKinds(t *testing.T) {
	s, _ := newTestScheduler(t)

	var calls atomic.Int32
	a := &Segment{
		Name:       "a",
		MaxRetries: 3,
		RetryOn:    []kerrors.Kind{kerrors.KindNonZeroExit},
		Run: func(*ExecutionContext) error {
			calls.Add(1)
			return &kerrors.TimeoutError{Operation: "x", Duration: time.Second}
		},
	}

	result := run(t, s, rideOf("a"), a)

	// A timeout-kind error is not in retry_on, so one attempt only.
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, StatusTimeout, result.Segments["a"].Status)
}

func TestScheduler_ConditionFalseSkips(t *testing.T) {
	s, workspace := newTestScheduler(t)

	a := &Segment{
		Name: "a",
		When: func(*ExecutionContext) (bool, error) { return false, nil },
		Outputs: []Output{
			{Name: "out", SourcePath: "a.out"},
		},
		Run: func(ctx *ExecutionContext) error {
			return os.WriteFile(filepath.Join(ctx.Workspace(), "a.out"), []byte("x"), 0o644)
		},
	}

	result := run(t, s, rideOf("a"), a)

	assert.Equal(t, StatusSkipped, result.Segments["a"].Status)
	assert.Equal(t, SkipConditionFalse, result.Segments["a"].SkipReason)
	assert.Equal(t, 0, result.Segments["a"].Attempts)
	// A skipped segment never produces outputs.
	assert.False(t, s.Store().Has("out"))
	assert.NoFileExists(t, filepath.Join(workspace, "a.out"))
	assert.Equal(t, 0, result.ExitCode())
}

func TestScheduler_ConditionErrorFailsSegment(t *testing.T) {
	s, _ := newTestScheduler(t)
	a := &Segment{
		Name: "a",
		When: func(*ExecutionContext) (bool, error) { return false, errors.New("bad predicate") },
		Run:  noopBody,
	}

	result := run(t, s, rideOf("a"), a)

	assert.Equal(t, StatusFailure, result.Segments["a"].Status)
	assert.ErrorContains(t, result.Segments["a"].Err, "bad predicate")
}

func TestScheduler_DisabledOverride(t *testing.T) {
	s, _ := newTestScheduler(t)

	var completeStatus atomic.Value
	a := &Segment{
		Name: "a",
		Run:  noopBody,
		OnComplete: func(_ *ExecutionContext, status Status) error {
			completeStatus.Store(status)
			return nil
		},
	}
	off := false
	r := rideOf("a")
	r.Overrides = map[string]*SegmentOverride{"a": {Enabled: &off}}

	result := run(t, s, r, a)

	assert.Equal(t, StatusSkipped, result.Segments["a"].Status)
	assert.Equal(t, SkipDisabled, result.Segments["a"].SkipReason)
	assert.Equal(t, StatusSkipped, completeStatus.Load())
	assert.Equal(t, 0, result.ExitCode())
}

func TestScheduler_MissingInput(t *testing.T) {
	s, _ := newTestScheduler(t)

	var calls atomic.Int32
	a := &Segment{
		Name:       "a",
		Inputs:     []string{"never-produced"},
		MaxRetries: 2,
		Run: func(*ExecutionContext) error {
			calls.Add(1)
			return nil
		},
	}

	result := run(t, s, rideOf("a"), a)

	assert.Equal(t, StatusFailure, result.Segments["a"].Status)
	assert.Equal(t, kerrors.KindMissingInput, kerrors.KindOf(result.Segments["a"].Err))
	assert.Equal(t, 1, result.Segments["a"].Attempts)
	assert.Equal(t, int32(0), calls.Load(), "body must not run without its inputs")
}

func TestScheduler_MissingOutputNoRetry(t *testing.T) {
	s, _ := newTestScheduler(t)

	var calls atomic.Int32
	a := &Segment{
		Name:       "a",
		MaxRetries: 3,
		Outputs:    []Output{{Name: "out", SourcePath: "not-written.txt"}},
		Run: func(*ExecutionContext) error {
			calls.Add(1)
			return nil
		},
	}

	result := run(t, s, rideOf("a"), a)

	assert.Equal(t, StatusFailure, result.Segments["a"].Status)
	assert.Equal(t, kerrors.KindMissingOutput, kerrors.KindOf(result.Segments["a"].Err))
	assert.Equal(t, int32(1), calls.Load(), "output capture failures are not retried")
}

func TestScheduler_OutputCapture(t *testing.T) {
	s, _ := newTestScheduler(t)

	producer := &Segment{
		Name:    "producer",
		Outputs: []Output{{Name: "apk", SourcePath: "build/app.apk"}},
		Run: func(ctx *ExecutionContext) error {
			path := filepath.Join(ctx.Workspace(), "build", "app.apk")
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			return os.WriteFile(path, []byte("apk-bytes"), 0o644)
		},
	}
	var consumerSaw atomic.Value
	consumer := &Segment{
		Name:      "consumer",
		DependsOn: []string{"producer"},
		Inputs:    []string{"apk"},
		Run: func(ctx *ExecutionContext) error {
			path, ok := ctx.Artifact("apk")
			if !ok {
				return errors.New("artifact missing")
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			consumerSaw.Store(string(data))
			return nil
		},
	}

	result := run(t, s, rideOf("consumer"), producer, consumer)

	assert.Equal(t, StatusSuccess, result.Segments["consumer"].Status)
	assert.Equal(t, []string{"apk"}, result.Segments["producer"].Outputs)
	assert.Equal(t, "apk-bytes", consumerSaw.Load())
}

func TestScheduler_ArtifactsPersistAcrossRuns(t *testing.T) {
	s, workspace := newTestScheduler(t)

	producer := &Segment{
		Name:    "producer",
		Outputs: []Output{{Name: "apk", SourcePath: "app.apk"}},
		Run: func(ctx *ExecutionContext) error {
			return os.WriteFile(filepath.Join(ctx.Workspace(), "app.apk"), []byte("v1"), 0o644)
		},
	}
	run(t, s, rideOf("producer"), producer)

	// Second run in the same workspace: a fresh scheduler reads the
	// artifact before any producer has run.
	s2, err := NewScheduler(workspace)
	require.NoError(t, err)
	s2.WithConsole(io.Discard).WithLogger(slog.New(slog.DiscardHandler)).WithSequential()

	var got atomic.Value
	reader := &Segment{
		Name: "reader",
		Run: func(ctx *ExecutionContext) error {
			path, ok := ctx.Artifact("apk")
			if !ok {
				return errors.New("artifact not recovered from manifest")
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			got.Store(string(data))
			return nil
		},
	}
	result := run(t, s2, rideOf("reader"), reader)

	assert.Equal(t, StatusSuccess, result.Segments["reader"].Status)
	assert.Equal(t, "v1", got.Load())
}

func TestScheduler_TimeoutClassification(t *testing.T) {
	s, _ := newTestScheduler(t)

	var failureKind atomic.Value
	a := &Segment{
		Name:    "a",
		Timeout: 50 * time.Millisecond,
		Run: func(ctx *ExecutionContext) error {
			select {
			case <-ctx.Context().Done():
				return ctx.Context().Err()
			case <-time.After(10 * time.Second):
				return nil
			}
		},
		OnFailure: func(_ *ExecutionContext, err error) error {
			failureKind.Store(kerrors.KindOf(err))
			return nil
		},
	}

	start := time.Now()
	result := run(t, s, rideOf("a"), a)

	assert.Equal(t, StatusTimeout, result.Segments["a"].Status)
	assert.Equal(t, kerrors.KindTimeout, failureKind.Load())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestScheduler_TimeoutWithUncooperativeBody(t *testing.T) {
	s, _ := newTestScheduler(t)
	a := &Segment{
		Name:    "a",
		Timeout: 50 * time.Millisecond,
		Run: func(*ExecutionContext) error {
			time.Sleep(400 * time.Millisecond)
			return nil
		},
	}

	start := time.Now()
	result := run(t, s, rideOf("a"), a)

	assert.Equal(t, StatusTimeout, result.Segments["a"].Status)
	assert.Less(t, time.Since(start), 350*time.Millisecond,
		"timeout must be classified without waiting for the body")
}

func TestScheduler_HookErrorsDoNotReclassify(t *testing.T) {
	s, _ := newTestScheduler(t)
	a := &Segment{
		Name:       "a",
		Run:        noopBody,
		OnSuccess:  func(*ExecutionContext) error { return errors.New("hook boom") },
		OnComplete: func(*ExecutionContext, Status) error { panic("hook panic") },
	}

	result := run(t, s, rideOf("a"), a)

	assert.Equal(t, StatusSuccess, result.Segments["a"].Status)
	assert.Equal(t, 0, result.ExitCode())
}

func TestScheduler_BodyPanicIsFailure(t *testing.T) {
	s, _ := newTestScheduler(t)
	a := &Segment{Name: "a", Run: func(*ExecutionContext) error { panic("user bug") }}

	result := run(t, s, rideOf("a"), a)

	assert.Equal(t, StatusFailure, result.Segments["a"].Status)
	assert.ErrorContains(t, result.Segments["a"].Err, "user bug")
}

func TestScheduler_RideHooks(t *testing.T) {
	s, _ := newTestScheduler(t)

	var successCalled, failureCalled, completeCalled atomic.Bool
	r := rideOf("a")
	r.OnSuccess = func(*Result) error { successCalled.Store(true); return nil }
	r.OnFailure = func(*Result) error { failureCalled.Store(true); return nil }
	r.OnComplete = func(result *Result) error {
		completeCalled.Store(true)
		// Every segment has a terminal status by now.
		for _, sr := range result.Segments {
			if !sr.Status.Terminal() {
				return fmt.Errorf("segment %s not terminal in on_complete", sr.Segment)
			}
		}
		return nil
	}

	run(t, s, r, seg("a"))

	assert.True(t, successCalled.Load())
	assert.False(t, failureCalled.Load())
	assert.True(t, completeCalled.Load())
}

func TestScheduler_RideFailureHook(t *testing.T) {
	s, _ := newTestScheduler(t)

	var failureCalled atomic.Bool
	r := rideOf("a")
	r.OnFailure = func(*Result) error { failureCalled.Store(true); return nil }

	a := &Segment{Name: "a", Run: func(*ExecutionContext) error { return errors.New("boom") }}
	run(t, s, r, a)

	assert.True(t, failureCalled.Load())
}

func TestScheduler_ConfigErrorBeforeExecution(t *testing.T) {
	s, _ := newTestScheduler(t)

	var bodyRan atomic.Bool
	a := &Segment{Name: "a", DependsOn: []string{"ghost"}, Run: func(*ExecutionContext) error {
		bodyRan.Store(true)
		return nil
	}}

	_, err := s.Run(context.Background(), rideOf("a"), defsOf(a))
	require.Error(t, err)
	assert.Equal(t, 2, kerrors.ExitCode(err))
	assert.False(t, bodyRan.Load())
}

func TestScheduler_EnvironmentOverlay(t *testing.T) {
	s, _ := newTestScheduler(t)

	t.Setenv("KITE_TEST_INHERITED", "from-process")
	r := rideOf("a")
	r.Environment = map[string]string{"KITE_TEST_RIDE": "from-ride"}

	var inherited, fromRide, viaDefault string
	a := &Segment{Name: "a", Run: func(ctx *ExecutionContext) error {
		inherited = ctx.Env("KITE_TEST_INHERITED")
		fromRide = ctx.Env("KITE_TEST_RIDE")
		viaDefault = ctx.EnvOrDefault("KITE_TEST_UNSET", "fallback")
		return nil
	}}

	run(t, s, r, a)

	assert.Equal(t, "from-process", inherited)
	assert.Equal(t, "from-ride", fromRide)
	assert.Equal(t, "fallback", viaDefault)
}
