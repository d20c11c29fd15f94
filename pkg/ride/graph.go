package ride

import (
	"sort"

	kerrors "github.com/gianluz/kite/pkg/errors"
)

// Graph is the immutable DAG over the segments a ride can reach.
// Overrides are already applied to the segments it holds; the authored
// flow shape is not consulted for ordering, only dependencies are.
type Graph struct {
	segments map[string]*Segment
	disabled map[string]bool
	order    []string
	levels   [][]string
}

// BuildGraph resolves the segments reachable from the ride's flow and
// overrides, applies overrides, and validates the result: every
// reference must resolve, no segment may depend on itself, and the
// dependency relation must be acyclic. Definitions not reached from the
// flow are silently excluded.
func BuildGraph(r *Ride, defs map[string]*Segment) (*Graph, error) {
	if err := ValidateRide(r); err != nil {
		return nil, err
	}

	// Overrides must name loaded segments.
	for name := range r.Overrides {
		if _, ok := defs[name]; !ok {
			return nil, &kerrors.UnresolvedReferenceError{Segment: name}
		}
	}

	g := &Graph{
		segments: make(map[string]*Segment),
		disabled: make(map[string]bool),
	}

	// Closure over flow refs plus transitive depends_on, with overrides
	// applied as we go. Disabled segments stay in the graph so the
	// scheduler can record them as skipped, but their dependencies are
	// not pulled in on their account.
	queue := r.Flow.refs()
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if _, done := g.segments[name]; done {
			continue
		}
		def, ok := defs[name]
		if !ok {
			return nil, &kerrors.UnresolvedReferenceError{Segment: name}
		}

		override := r.Overrides[name]
		seg := override.effective(def)
		if err := ValidateSegment(seg); err != nil {
			return nil, err
		}
		g.segments[name] = seg

		if override.disabled() {
			g.disabled[name] = true
			continue
		}
		queue = append(queue, seg.DependsOn...)
	}

	// Dependencies of disabled segments may be absent; prune them so the
	// ordering passes below only see resolved edges.
	for name := range g.disabled {
		seg := g.segments[name]
		var deps []string
		for _, dep := range seg.DependsOn {
			if _, ok := g.segments[dep]; ok {
				deps = append(deps, dep)
			}
		}
		seg.DependsOn = deps
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &kerrors.CycleError{Path: cycle}
	}

	g.order = g.topologicalOrder()
	g.levels = g.executionLevels()
	return g, nil
}

// Segments returns the resolved segment names in topological order.
func (g *Graph) Segments() []string {
	return append([]string(nil), g.order...)
}

// Segment returns the effective (override-applied) segment by name.
func (g *Graph) Segment(name string) *Segment {
	return g.segments[name]
}

// Disabled reports whether the ride's override switched the segment off.
func (g *Graph) Disabled(name string) bool {
	return g.disabled[name]
}

// Levels partitions segments by longest distance from a root. Level k
// contains segments whose furthest predecessor chain has length k; the
// parallel scheduler uses levels as synchronisation points.
func (g *Graph) Levels() [][]string {
	out := make([][]string, len(g.levels))
	for i, level := range g.levels {
		out[i] = append([]string(nil), level...)
	}
	return out
}

// findCycle runs a depth-first traversal with a recursion stack and
// returns the first cycle found as a name path (first member repeated at
// the end), or nil. Roots are visited in name order so the reported
// cycle is deterministic.
func (g *Graph) findCycle() []string {
	const (
		white = 0 // unvisited
		grey  = 1 // on the recursion stack
		black = 2 // fully explored
	)
	color := make(map[string]int, len(g.segments))
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = grey
		stack = append(stack, name)

		deps := append([]string(nil), g.segments[name].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch color[dep] {
			case white:
				if visit(dep) {
					return true
				}
			case grey:
				// Slice the stack from the first occurrence of dep to
				// report the cycle members in traversal order.
				for i, n := range stack {
					if n == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						return true
					}
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[name] = black
		return false
	}

	for _, name := range sortedNames(g.segments) {
		if color[name] == white {
			if visit(name) {
				return cycle
			}
		}
	}
	return nil
}

// topologicalOrder runs Kahn's algorithm with a name tiebreak so the
// resulting order is deterministic. Callers run this after cycle
// detection, so every node drains.
func (g *Graph) topologicalOrder() []string {
	inDegree := make(map[string]int, len(g.segments))
	dependents := make(map[string][]string, len(g.segments))
	for name, seg := range g.segments {
		inDegree[name] = len(seg.DependsOn)
		for _, dep := range seg.DependsOn {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.segments))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		for _, dep := range dependents[name] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = insertSorted(ready, dep)
			}
		}
	}
	return order
}

// executionLevels groups segments by longest predecessor distance.
// Walks the topological order, so every dependency's level is known
// before its dependents are placed.
func (g *Graph) executionLevels() [][]string {
	level := make(map[string]int, len(g.segments))
	maxLevel := 0
	for _, name := range g.order {
		l := 0
		for _, dep := range g.segments[name].DependsOn {
			if depLevel := level[dep] + 1; depLevel > l {
				l = depLevel
			}
		}
		level[name] = l
		if l > maxLevel {
			maxLevel = l
		}
	}

	if len(g.order) == 0 {
		return nil
	}
	levels := make([][]string, maxLevel+1)
	for _, name := range g.order {
		levels[level[name]] = append(levels[level[name]], name)
	}
	return levels
}

func sortedNames(segments map[string]*Segment) []string {
	names := make([]string, 0, len(segments))
	for name := range segments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func insertSorted(names []string, name string) []string {
	i := sort.SearchStrings(names, name)
	names = append(names, "")
	copy(names[i+1:], names[i:])
	names[i] = name
	return names
}
