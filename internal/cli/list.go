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
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

func newSegmentsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "segments",
		Short: "List loaded segments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := opts.load()
			if err != nil {
				return err
			}

			names := make([]string, 0, len(defs.Segments))
			for name := range defs.Segments {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				seg := defs.Segments[name]
				line := fmt.Sprintf("%-24s", name)
				if len(seg.DependsOn) > 0 {
					deps := append([]string(nil), seg.DependsOn...)
					sort.Strings(deps)
					line += dimStyle.Render(" <- " + strings.Join(deps, ", "))
				}
				if seg.Description != "" {
					line += "  " + seg.Description
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
}

func newRidesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rides",
		Short: "List loaded rides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := opts.load()
			if err != nil {
				return err
			}

			names := make([]string, 0, len(defs.Rides))
			for name := range defs.Rides {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				r := defs.Rides[name]
				line := fmt.Sprintf("%-24s", name)
				if r.Description != "" {
					line += "  " + r.Description
				}
				if r.MaxConcurrency > 0 {
					line += dimStyle.Render(fmt.Sprintf("  (max_concurrency %d)", r.MaxConcurrency))
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
}
