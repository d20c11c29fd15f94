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

	"github.com/spf13/cobra"

	"github.com/gianluz/kite/pkg/ride"
)

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [ride...]",
		Short: "Validate definitions and ride graphs without executing",
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := opts.load()
			if err != nil {
				return err
			}

			names := args
			if len(names) == 0 {
				for name := range defs.Rides {
					names = append(names, name)
				}
				sort.Strings(names)
			}

			failed := false
			for _, name := range names {
				r, ok := defs.Rides[name]
				if !ok {
					fmt.Fprintf(cmd.OutOrStdout(), "%-24s %s\n", name, failureStyle.Render("unknown ride"))
					failed = true
					continue
				}
				if _, err := ride.BuildGraph(r, defs.Segments); err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%-24s %s\n", name, failureStyle.Render(err.Error()))
					failed = true
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %s\n", name, successStyle.Render("ok"))
			}

			if failed {
				return &exitError{code: 2}
			}
			return nil
		},
	}
}
