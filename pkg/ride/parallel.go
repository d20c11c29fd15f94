package ride

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// runParallel executes the graph level by level. Segments within a
// level run concurrently under the ride's concurrency cap; level k+1
// does not start until every segment in level k has a terminal state,
// which gives dependents the happens-before guarantee on their
// predecessors' hooks.
//
// Fail-fast: after the first failure no new segment starts; segments
// already running complete their current attempt, and everything not yet
// started is skipped through the ordinary dependency propagation (or en
// masse below for independent segments).
func (e *execution) runParallel(ctx context.Context) {
	workers := int64(e.effectiveConcurrency())
	sem := semaphore.NewWeighted(workers)

	for _, level := range e.graph.Levels() {
		var wg sync.WaitGroup
		for _, name := range level {
			// A ride that already failed stops scheduling new work
			// unless it opted into continue-on-error.
			if e.failed.Load() && !e.ride.ContinueOnError {
				e.skipUnstarted(ctx, name)
				continue
			}

			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				if err := sem.Acquire(ctx, 1); err != nil {
					e.skipUnstarted(ctx, name)
					return
				}
				defer sem.Release(1)

				if e.failed.Load() && !e.ride.ContinueOnError {
					e.skipUnstarted(ctx, name)
					return
				}
				e.runSegment(ctx, name)
			}(name)
		}
		wg.Wait()
	}
}

// skipUnstarted records a segment that never began because the ride is
// failing fast (or was cancelled before the segment got a worker).
func (e *execution) skipUnstarted(ctx context.Context, name string) {
	s := e.scheduler
	seg := e.graph.Segment(name)

	logger, err := NewSegmentLogger(e.logRoot(), name, s.console, s.verbosity, s.registry)
	if err != nil {
		e.record(&SegmentResult{
			Segment:    name,
			Status:     StatusSkipped,
			SkipReason: SkipDependencyFailed,
		})
		return
	}
	defer logger.Close()

	ectx := e.newContext(ctx, name, logger)

	res := &SegmentResult{Segment: name}
	reason, skip := e.skipReason(seg)
	if !skip {
		reason = SkipDependencyFailed
	}
	e.finishSkipped(ectx, seg, res, reason)
}
