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
	"time"

	"github.com/spf13/cobra"

	"github.com/gianluz/kite/internal/history"
)

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded ride runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := history.Open(opts.workspace)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				segments, err := store.Segments(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if len(segments) == 0 {
					return fmt.Errorf("no run with id %q", args[0])
				}
				for _, row := range segments {
					line := fmt.Sprintf("  %-20s %-10s", row.Segment, row.Status)
					if row.SkipReason != "" {
						line += fmt.Sprintf(" (%s)", row.SkipReason)
					}
					if row.Attempts > 1 {
						line += fmt.Sprintf("  [%d attempts]", row.Attempts)
					}
					if row.DurationMS > 0 {
						line += fmt.Sprintf("  %dms", row.DurationMS)
					}
					if row.Error != "" {
						line += "\n    " + failureStyle.Render(row.Error)
					}
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
				return nil
			}

			runs, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, run := range runs {
				status := successStyle.Render(run.Status)
				if run.Status != "success" {
					status = failureStyle.Render(run.Status)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-20s %s  %s  (%s)\n",
					run.ID, run.Ride, status,
					run.StartedAt.Local().Format(time.DateTime),
					run.Duration().Round(time.Millisecond))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}
