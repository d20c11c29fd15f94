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

// Package cli implements the kite command line interface.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/gianluz/kite/internal/discovery"
	"github.com/gianluz/kite/internal/loader"
	"github.com/gianluz/kite/internal/log"
	kerrors "github.com/gianluz/kite/pkg/errors"
)

// rootOptions holds state shared by every subcommand.
type rootOptions struct {
	workspace string
	logger    *slog.Logger
}

// NewRootCommand builds the kite command tree.
func NewRootCommand(version string) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "kite",
		Short: "Local and CI workflow runner",
		Long: `Kite discovers *.kite.yaml workflow definitions in a project tree and
executes rides: named compositions of segments with dependencies,
conditions, retries, timeouts, artifact handoff, and secret masking.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			opts.logger = log.New(log.FromEnv())
			slog.SetDefault(opts.logger)
			if opts.workspace == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return err
				}
				opts.workspace = cwd
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.workspace, "workspace", "C", "", "workspace root (default: current directory)")

	cmd.AddCommand(
		newRunCommand(opts),
		newSegmentsCommand(opts),
		newRidesCommand(opts),
		newValidateCommand(opts),
		newHistoryCommand(opts),
		newWatchCommand(opts),
	)
	return cmd
}

// Execute runs the CLI and returns the process exit code, honouring the
// exit-code contract: 0 success, 1 execution failure, 2 configuration
// error.
func Execute(version string) int {
	cmd := NewRootCommand(version)
	if err := cmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			if exitErr.message != "" {
				fmt.Fprintln(os.Stderr, "Error:", exitErr.message)
			}
			return exitErr.code
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		return kerrors.ExitCode(err)
	}
	return 0
}

// exitError carries an explicit exit code out of a subcommand.
type exitError struct {
	code    int
	message string
}

func (e *exitError) Error() string { return e.message }

// load discovers and parses every definition file in the workspace.
func (o *rootOptions) load() (*loader.Definitions, error) {
	files, err := discovery.Discover(o.workspace)
	if err != nil {
		return nil, fmt.Errorf("discover definitions: %w", err)
	}
	if len(files) == 0 {
		return nil, &kerrors.ConfigError{
			Key:    "workspace",
			Reason: fmt.Sprintf("no *.kite.yaml definitions found under %s", o.workspace),
		}
	}
	return loader.Load(o.workspace, files)
}
