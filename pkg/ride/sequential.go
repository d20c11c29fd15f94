package ride

import (
	"context"
)

// runSequential walks the topological order and drives each segment
// through the execution protocol. Terminal statuses feed the skip
// decision of later segments; independent segments keep running after a
// failure.
func (e *execution) runSequential(ctx context.Context) {
	for _, name := range e.graph.Segments() {
		if ctx.Err() != nil {
			e.skipUnstarted(ctx, name)
			continue
		}
		e.runSegment(ctx, name)
	}
}
