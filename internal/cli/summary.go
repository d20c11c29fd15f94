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

package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	kerrors "github.com/gianluz/kite/pkg/errors"
	"github.com/gianluz/kite/pkg/ride"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failureStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	skippedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	dimStyle     = lipgloss.NewStyle().Faint(true)
)

func statusLabel(res *ride.SegmentResult) string {
	switch res.Status {
	case ride.StatusSuccess:
		return successStyle.Render("success")
	case ride.StatusFailure:
		return failureStyle.Render("failure")
	case ride.StatusTimeout:
		return failureStyle.Render("timeout")
	case ride.StatusSkipped:
		return skippedStyle.Render(fmt.Sprintf("skipped (%s)", res.SkipReason))
	default:
		return string(res.Status)
	}
}

// printSummary renders the per-segment outcome table after a run.
func printSummary(w io.Writer, result *ride.Result) {
	fmt.Fprintf(w, "\nRide %s (%s)\n", result.Ride, result.Duration().Round(time.Millisecond))

	for _, name := range result.Order {
		res := result.Segments[name]
		line := fmt.Sprintf("  %-20s %s", name, statusLabel(res))
		if res.Attempts > 1 {
			line += dimStyle.Render(fmt.Sprintf("  [%d attempts]", res.Attempts))
		}
		if d := res.Duration(); d > 0 {
			line += dimStyle.Render("  " + d.Round(time.Millisecond).String())
		}
		if res.Err != nil {
			line += "\n" + failureStyle.Render(fmt.Sprintf("    %s: %v", kerrors.KindOf(res.Err), res.Err))
		}
		fmt.Fprintln(w, line)
	}
}

// printPlan renders the authored flow shape and the computed execution
// levels without running anything.
func printPlan(w io.Writer, r *ride.Ride, defs map[string]*ride.Segment) {
	fmt.Fprintf(w, "Ride %s\n\nFlow:\n", r.Name)
	printFlow(w, r.Flow, 1)

	graph, err := ride.BuildGraph(r, defs)
	if err != nil {
		fmt.Fprintf(w, "\n%s\n", failureStyle.Render("invalid: "+err.Error()))
		return
	}
	fmt.Fprintf(w, "\nExecution levels:\n")
	for i, level := range graph.Levels() {
		fmt.Fprintf(w, "  %d: %s\n", i, strings.Join(level, ", "))
	}
}

func printFlow(w io.Writer, node ride.FlowNode, depth int) {
	indent := strings.Repeat("  ", depth)
	switch node.Kind {
	case ride.FlowRef:
		fmt.Fprintf(w, "%s- %s\n", indent, node.Segment)
	case ride.FlowSequence:
		if depth > 1 {
			fmt.Fprintf(w, "%ssequence:\n", indent)
			depth++
		}
		for _, child := range node.Children {
			printFlow(w, child, depth)
		}
	case ride.FlowParallel:
		fmt.Fprintf(w, "%sparallel:\n", indent)
		for _, child := range node.Children {
			printFlow(w, child, depth+1)
		}
	}
}
