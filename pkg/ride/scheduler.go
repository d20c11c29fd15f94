package ride

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gianluz/kite/pkg/artifact"
	kerrors "github.com/gianluz/kite/pkg/errors"
	"github.com/gianluz/kite/pkg/secret"
)

// Scheduler executes rides over a workspace. One scheduler owns the
// workspace's artifact store and masking registry for the duration of a
// run; concurrent runs in the same workspace are not supported.
type Scheduler struct {
	workspace  string
	logger     *slog.Logger
	console    io.Writer
	verbosity  Verbosity
	registry   *secret.Registry
	store      *artifact.Store
	metrics    *Metrics
	sequential bool
	// maxConcurrency overrides the ride's cap when positive.
	maxConcurrency int
}

// NewScheduler creates a scheduler rooted at the workspace and opens
// the workspace artifact store.
func NewScheduler(workspace string) (*Scheduler, error) {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, &kerrors.ConfigError{Key: "workspace", Reason: "cannot resolve workspace path", Cause: err}
	}
	registry := secret.NewRegistry()
	store, err := artifact.NewStore(abs, nil)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		workspace: abs,
		logger:    slog.Default(),
		console:   os.Stdout,
		verbosity: VerbosityNormal,
		registry:  registry,
		store:     store,
	}, nil
}

// WithLogger sets the engine diagnostics logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// WithConsole sets the writer segment log lines are echoed to.
func (s *Scheduler) WithConsole(w io.Writer) *Scheduler {
	s.console = w
	return s
}

// WithVerbosity sets the console verbosity for segment output.
func (s *Scheduler) WithVerbosity(v Verbosity) *Scheduler {
	s.verbosity = v
	return s
}

// WithMetrics attaches scheduler metrics.
func (s *Scheduler) WithMetrics(m *Metrics) *Scheduler {
	s.metrics = m
	return s
}

// WithSequential forces the sequential variant regardless of the ride's
// concurrency settings.
func (s *Scheduler) WithSequential() *Scheduler {
	s.sequential = true
	return s
}

// WithMaxConcurrency overrides the ride's concurrency cap.
func (s *Scheduler) WithMaxConcurrency(n int) *Scheduler {
	s.maxConcurrency = n
	return s
}

// Registry returns the run's masking registry so the embedding CLI can
// pre-register secrets resolved at load time.
func (s *Scheduler) Registry() *secret.Registry {
	return s.registry
}

// Store returns the workspace artifact store.
func (s *Scheduler) Store() *artifact.Store {
	return s.store
}

// Run executes the ride over the given segment definitions. A non-nil
// error is a configuration error (exit code 2); execution failures are
// reported through the Result.
func (s *Scheduler) Run(ctx context.Context, r *Ride, defs map[string]*Segment) (*Result, error) {
	graph, err := BuildGraph(r, defs)
	if err != nil {
		return nil, err
	}

	if err := s.store.LoadManifest(); err != nil {
		s.logger.Warn("failed to load artifact manifest", "ride", r.Name, "error", err)
	}

	result := &Result{
		Ride:      r.Name,
		RunID:     uuid.NewString(),
		Segments:  make(map[string]*SegmentResult),
		StartedAt: time.Now(),
	}
	s.logger.Info("ride started",
		"ride", r.Name, "run_id", result.RunID, "segments", len(graph.Segments()))

	ex := &execution{
		scheduler: s,
		ride:      r,
		graph:     graph,
		result:    result,
	}
	if s.sequential {
		ex.runSequential(ctx)
	} else {
		ex.runParallel(ctx)
	}
	result.EndedAt = time.Now()

	if err := s.store.SaveManifest(); err != nil {
		// Reported at ride completion; segment statuses stand.
		s.logger.Error("failed to persist artifact manifest", "ride", r.Name, "error", err)
	}

	s.fireRideHooks(r, result)
	s.logger.Info("ride finished",
		"ride", r.Name, "run_id", result.RunID,
		"failed", result.Failed(), "duration_ms", result.Duration().Milliseconds())
	return result, nil
}

// fireRideHooks invokes the ride-level hooks after every segment has a
// terminal state and the manifest has been persisted.
func (s *Scheduler) fireRideHooks(r *Ride, result *Result) {
	if result.Failed() {
		s.invokeRideHook(r.Name, "on_failure", r.OnFailure, result)
	} else {
		s.invokeRideHook(r.Name, "on_success", r.OnSuccess, result)
	}
	s.invokeRideHook(r.Name, "on_complete", r.OnComplete, result)
}

func (s *Scheduler) invokeRideHook(ride, name string, hook RideHook, result *Result) {
	if hook == nil {
		return
	}
	if err := safeRideHook(hook, result); err != nil {
		s.logger.Warn("ride hook failed", "ride", ride, "hook", name, "error", err)
	}
}

// execution holds the mutable state of one ride run.
type execution struct {
	scheduler *Scheduler
	ride      *Ride
	graph     *Graph
	result    *Result

	mu sync.Mutex
	// failed gates fail-fast scheduling in the parallel variant.
	failed atomic.Bool
}

func (e *execution) logRoot() string {
	return filepath.Join(e.scheduler.workspace, filepath.FromSlash(DefaultLogRoot))
}

func (e *execution) record(res *SegmentResult) {
	e.mu.Lock()
	e.result.Segments[res.Segment] = res
	e.result.Order = append(e.result.Order, res.Segment)
	e.mu.Unlock()
	if res.Status == StatusFailure || res.Status == StatusTimeout {
		e.failed.Store(true)
	}
}

func (e *execution) statusOf(name string) (Status, SkipReason, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.result.Segments[name]
	if !ok {
		return StatusPending, "", false
	}
	return res.Status, res.SkipReason, true
}

// skipReason decides §4.6.1 step 1: a failed dependency skips the
// segment once as dependency_failed; a dependency that was itself
// skipped by upstream failure propagates as dependency_skipped.
func (e *execution) skipReason(seg *Segment) (SkipReason, bool) {
	for _, dep := range seg.DependsOn {
		status, reason, ok := e.statusOf(dep)
		if !ok {
			continue
		}
		switch {
		case status == StatusFailure || status == StatusTimeout:
			return SkipDependencyFailed, true
		case status == StatusSkipped &&
			(reason == SkipDependencyFailed || reason == SkipDependencySkipped):
			return SkipDependencySkipped, true
		}
	}
	return "", false
}

// runSegment drives one segment through the execution protocol and
// records its terminal result.
func (e *execution) runSegment(ctx context.Context, name string) {
	s := e.scheduler
	seg := e.graph.Segment(name)
	res := &SegmentResult{Segment: name, Status: StatusPending}

	logger, err := NewSegmentLogger(e.logRoot(), name, s.console, s.verbosity, s.registry)
	if err != nil {
		res.Status = StatusFailure
		res.Err = fmt.Errorf("open segment log: %w", err)
		res.Attempts = 1
		e.record(res)
		return
	}
	defer logger.Close()

	ectx := e.newContext(ctx, name, logger)

	// Dependency propagation and disabled overrides skip before any
	// user code runs; only on_complete observes the skip.
	if reason, skip := e.skipReason(seg); skip {
		e.finishSkipped(ectx, seg, res, reason)
		return
	}
	if e.graph.Disabled(name) {
		e.finishSkipped(ectx, seg, res, SkipDisabled)
		return
	}

	// Condition gate. A condition error counts as a segment failure.
	if seg.When != nil {
		ok, err := safeCondition(seg.When, ectx)
		if err != nil {
			res.Status = StatusFailure
			res.Err = &kerrors.UserError{Message: "condition failed", Cause: err}
			res.Attempts = 1
			res.StartedAt = time.Now()
			res.EndedAt = res.StartedAt
			logger.Errorf("condition failed: %v", err)
			e.finish(ectx, seg, res)
			return
		}
		if !ok {
			logger.Info("condition evaluated to false")
			e.finishSkipped(ectx, seg, res, SkipConditionFalse)
			return
		}
	}

	res.StartedAt = time.Now()
	res.Status = StatusRunning
	s.metrics.segmentStarted()
	defer func() { s.metrics.segmentDone(res.Status) }()

	// Declared inputs must be present before the body runs.
	var inputErr error
	for _, input := range seg.Inputs {
		if !s.store.Has(input) {
			inputErr = &kerrors.MissingInputError{Name: input}
			break
		}
	}
	if inputErr != nil {
		res.Status = StatusFailure
		res.Err = inputErr
		res.Attempts = 1
		res.EndedAt = time.Now()
		logger.Errorf("%v", inputErr)
		e.finish(ectx, seg, res)
		return
	}

	attemptErr := e.attemptLoop(ctx, seg, ectx, res)
	if attemptErr == nil {
		attemptErr = e.captureOutputs(seg, res, logger)
	}

	res.EndedAt = time.Now()
	if attemptErr != nil {
		res.Err = attemptErr
		if kerrors.KindOf(attemptErr) == kerrors.KindTimeout {
			res.Status = StatusTimeout
		} else {
			res.Status = StatusFailure
		}
	} else {
		res.Status = StatusSuccess
	}
	e.finish(ectx, seg, res)
}

// attemptLoop runs §4.6.1 step 5: up to maxRetries+1 attempts, each
// inside a timeout envelope covering the body. The envelope's context
// also bounds every subprocess the body starts.
func (e *execution) attemptLoop(ctx context.Context, seg *Segment, ectx *ExecutionContext, res *SegmentResult) error {
	maxAttempts := seg.MaxRetries + 1
	logger := ectx.logger

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		if attempt > 1 {
			logger.Infof("retry attempt %d/%d", attempt, maxAttempts)
			e.scheduler.metrics.retried()
		}

		lastErr = e.runAttempt(ctx, seg, ectx)
		if lastErr == nil {
			return nil
		}
		logger.Errorf("attempt %d failed: %v", attempt, lastErr)

		if attempt == maxAttempts {
			break
		}
		if !kerrors.Retryable(lastErr, seg.RetryOn) {
			break
		}
		if ctx.Err() != nil {
			// Ride cancelled: no further attempts.
			break
		}
		if seg.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(seg.RetryDelay):
			}
		}
	}
	return lastErr
}

// runAttempt executes the body once under the segment's timeout. The
// body runs in its own goroutine so a timeout can be classified even if
// the body ignores its context; the envelope's cancel tears down any
// subprocesses the abandoned body still owns.
func (e *execution) runAttempt(ctx context.Context, seg *Segment, ectx *ExecutionContext) error {
	var attemptCtx context.Context
	var cancel context.CancelFunc
	if seg.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, seg.Timeout)
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	bodyCtx := *ectx
	bodyCtx.ctx = attemptCtx

	done := make(chan error, 1)
	go func() {
		done <- safeBody(seg.Run, &bodyCtx)
	}()

	select {
	case err := <-done:
		if seg.Timeout > 0 && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return &kerrors.TimeoutError{Operation: "segment " + seg.Name, Duration: seg.Timeout}
		}
		return err
	case <-attemptCtx.Done():
		if seg.Timeout > 0 && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return &kerrors.TimeoutError{Operation: "segment " + seg.Name, Duration: seg.Timeout}
		}
		// Ride cancellation is advisory: the attempt finishes on its own.
		return <-done
	}
}

// captureOutputs copies declared outputs into the store after a
// successful attempt. A missing source re-classifies the segment as
// failed without retries; retries are for body failures only.
func (e *execution) captureOutputs(seg *Segment, res *SegmentResult, logger *SegmentLogger) error {
	for _, out := range seg.Outputs {
		source := filepath.Join(e.scheduler.workspace, filepath.FromSlash(out.SourcePath))
		if _, err := os.Stat(source); err != nil {
			return &kerrors.MissingOutputError{Name: out.Name, Path: out.SourcePath}
		}
		if err := e.scheduler.store.Put(out.Name, source); err != nil {
			return fmt.Errorf("capture output %q: %w", out.Name, err)
		}
		res.Outputs = append(res.Outputs, out.Name)
		logger.Infof("captured output %q from %s", out.Name, out.SourcePath)
	}
	return nil
}

// finishSkipped records a skip and fires only on_complete.
func (e *execution) finishSkipped(ectx *ExecutionContext, seg *Segment, res *SegmentResult, reason SkipReason) {
	res.Status = StatusSkipped
	res.SkipReason = reason
	ectx.logger.Infof("skipped (%s)", reason)
	e.scheduler.metrics.segmentSkipped()
	e.fireSegmentHooks(ectx, seg, res)
	e.record(res)
}

// finish records a terminal run result and fires the segment hooks.
func (e *execution) finish(ectx *ExecutionContext, seg *Segment, res *SegmentResult) {
	ectx.logger.LogCompletion(res.Status, res.Duration())
	e.fireSegmentHooks(ectx, seg, res)
	e.record(res)
}

// fireSegmentHooks implements §4.6.1 step 7. Hook errors are logged at
// warn and never re-classify the segment.
func (e *execution) fireSegmentHooks(ectx *ExecutionContext, seg *Segment, res *SegmentResult) {
	logger := ectx.logger
	switch res.Status {
	case StatusSuccess:
		if seg.OnSuccess != nil {
			if err := safeHook(func() error { return seg.OnSuccess(ectx) }); err != nil {
				logger.Warnf("on_success hook failed: %v", err)
			}
		}
	case StatusFailure, StatusTimeout:
		if seg.OnFailure != nil {
			if err := safeHook(func() error { return seg.OnFailure(ectx, res.Err) }); err != nil {
				logger.Warnf("on_failure hook failed: %v", err)
			}
		}
	}
	if seg.OnComplete != nil {
		if err := safeHook(func() error { return seg.OnComplete(ectx, res.Status) }); err != nil {
			logger.Warnf("on_complete hook failed: %v", err)
		}
	}
}

// newContext builds the ExecutionContext one segment's user code sees.
func (e *execution) newContext(ctx context.Context, name string, logger *SegmentLogger) *ExecutionContext {
	s := e.scheduler
	return &ExecutionContext{
		ctx:       ctx,
		workspace: s.workspace,
		rideName:  e.ride.Name,
		segment:   name,
		logger:    logger,
		store:     s.store,
		registry:  s.registry,
		env:       e.ride.Environment,
		runner:    NewProcessRunner(s.workspace, e.ride.Environment, logger, s.registry),
	}
}

// effectiveConcurrency resolves the worker cap: CLI override, then the
// ride's setting, then the runtime's parallelism.
func (e *execution) effectiveConcurrency() int {
	if n := e.scheduler.maxConcurrency; n > 0 {
		return n
	}
	if n := e.ride.MaxConcurrency; n > 0 {
		return n
	}
	return runtime.GOMAXPROCS(0)
}

// safeBody runs the segment body, converting a panic into a UserError
// so one segment cannot take down the scheduler.
func safeBody(body Body, ectx *ExecutionContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &kerrors.UserError{Message: fmt.Sprintf("segment body panicked: %v", r)}
		}
	}()
	return body(ectx)
}

func safeCondition(cond Condition, ectx *ExecutionContext) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("condition panicked: %v", r)
		}
	}()
	return cond(ectx)
}

func safeHook(hook func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return hook()
}

func safeRideHook(hook RideHook, result *Result) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return hook(result)
}
