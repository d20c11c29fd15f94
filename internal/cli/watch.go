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
	"context"
	"fmt"
	"io/fs"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/gianluz/kite/pkg/ride"
)

// debounceWindow coalesces filesystem event bursts (editors write
// several events per save) into one re-run.
const debounceWindow = 500 * time.Millisecond

func newWatchCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <ride>",
		Short: "Re-run a ride whenever workspace files change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rideName := args[0]

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("create watcher: %w", err)
			}
			defer watcher.Close()

			if err := watchTree(watcher, opts.workspace); err != nil {
				return err
			}

			runOnce := func() {
				if err := watchRun(ctx, opts, rideName, cmd); err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
				}
			}

			runOnce()
			fmt.Fprintf(cmd.OutOrStdout(), "\nwatching %s for changes (ctrl-c to stop)\n", opts.workspace)

			var debounce *time.Timer
			pending := make(chan struct{}, 1)
			for {
				select {
				case <-ctx.Done():
					return nil
				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if ignoredPath(opts.workspace, event.Name) {
						continue
					}
					// New directories must be added to the watch.
					if event.Op.Has(fsnotify.Create) {
						watchTree(watcher, event.Name)
					}
					if debounce != nil {
						debounce.Stop()
					}
					debounce = time.AfterFunc(debounceWindow, func() {
						select {
						case pending <- struct{}{}:
						default:
						}
					})
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					opts.logger.Warn("watch error", "error", err)
				case <-pending:
					runOnce()
					fmt.Fprintf(cmd.OutOrStdout(), "\nwatching %s for changes (ctrl-c to stop)\n", opts.workspace)
				}
			}
		},
	}
	return cmd
}

// watchRun reloads definitions and executes the ride once.
func watchRun(ctx context.Context, opts *rootOptions, rideName string, cmd *cobra.Command) error {
	defs, err := opts.load()
	if err != nil {
		return err
	}
	r, ok := defs.Rides[rideName]
	if !ok {
		return fmt.Errorf("ride %q not found", rideName)
	}

	scheduler, err := ride.NewScheduler(opts.workspace)
	if err != nil {
		return err
	}
	scheduler.WithLogger(opts.logger).WithConsole(cmd.OutOrStdout())
	for _, sec := range defs.RideSecrets[rideName] {
		scheduler.Registry().Register(sec.Value, sec.Name)
	}

	result, err := scheduler.Run(ctx, r, defs.Segments)
	if err != nil {
		return err
	}
	printSummary(cmd.OutOrStdout(), result)
	return nil
}

// watchTree registers root and every directory below it, skipping state
// and VCS directories.
func watchTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		name := d.Name()
		if name == ".git" || name == ".kite" || name == "node_modules" || name == "vendor" {
			return fs.SkipDir
		}
		watcher.Add(path)
		return nil
	})
}

// ignoredPath filters events under kite's own state directory, which
// every run mutates.
func ignoredPath(workspace, path string) bool {
	rel, err := filepath.Rel(workspace, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	return rel == ".kite" || strings.HasPrefix(rel, ".kite/") ||
		strings.HasPrefix(rel, ".git/") || strings.Contains(rel, "/.git/")
}
