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
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/gianluz/kite/internal/history"
	"github.com/gianluz/kite/internal/loader"
	"github.com/gianluz/kite/internal/secrets"
	kerrors "github.com/gianluz/kite/pkg/errors"
	"github.com/gianluz/kite/pkg/ride"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	var (
		sequential     bool
		maxConcurrency int
		plan           bool
		quiet          bool
		verbose        int
		noHistory      bool
		metricsAddr    string
	)

	cmd := &cobra.Command{
		Use:   "run <ride | segment...>",
		Short: "Execute a ride, or a one-off sequence of segments",
		Long: `Run executes a ride by name. When the arguments name segments instead,
they run as a one-off ride over those segments and their dependencies;
as with any ride, dependencies (not argument order) decide the order.

Exit codes:
  0  every non-skipped segment succeeded
  1  at least one segment failed or timed out
  2  the ride failed validation before execution`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := opts.load()
			if err != nil {
				return err
			}

			r, rideSecrets, err := resolveTarget(defs, args)
			if err != nil {
				return err
			}

			if plan {
				printPlan(cmd.OutOrStdout(), r, defs.Segments)
				return nil
			}

			scheduler, err := ride.NewScheduler(opts.workspace)
			if err != nil {
				return err
			}
			scheduler.WithLogger(opts.logger).WithConsole(cmd.OutOrStdout())
			scheduler.WithVerbosity(verbosityFrom(quiet, verbose))
			if sequential {
				scheduler.WithSequential()
			}
			if maxConcurrency > 0 {
				scheduler.WithMaxConcurrency(maxConcurrency)
			}
			for _, sec := range rideSecrets {
				scheduler.Registry().Register(sec.Value, sec.Name)
			}

			if metricsAddr != "" {
				registry := prometheus.NewRegistry()
				scheduler.WithMetrics(ride.NewMetrics(registry))
				server := serveMetrics(metricsAddr, registry)
				defer server.Close()
			}

			// Cancellation is advisory: running attempts finish, no new
			// segments start.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			result, err := scheduler.Run(ctx, r, defs.Segments)
			if err != nil {
				return err
			}

			printSummary(cmd.OutOrStdout(), result)

			if !noHistory {
				recordHistory(opts, result)
			}

			if result.Failed() {
				return &exitError{code: kerrors.ExitFailure}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&sequential, "sequential", false, "execute segments one at a time in topological order")
	cmd.Flags().IntVar(&maxConcurrency, "max-concurrency", 0, "override the ride's concurrency cap")
	cmd.Flags().BoolVar(&plan, "plan", false, "print the authored flow and execution levels without running")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "only show errors")
	cmd.Flags().CountVarP(&verbose, "verbose", "v", "stream live command output (-v), include debug records (-vv)")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "do not record this run in the history database")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address for the duration of the run")
	return cmd
}

// resolveTarget maps the positional arguments to a ride: either an
// existing ride by name, or a one-off sequence over segment names.
func resolveTarget(defs *loader.Definitions, args []string) (*ride.Ride, []secrets.Resolved, error) {
	if len(args) == 1 {
		if r, ok := defs.Rides[args[0]]; ok {
			return r, defs.RideSecrets[r.Name], nil
		}
	}

	refs := make([]ride.FlowNode, 0, len(args))
	for _, name := range args {
		if _, ok := defs.Segments[name]; !ok {
			if _, isRide := defs.Rides[name]; isRide {
				return nil, nil, &kerrors.ValidationError{
					Field:      "arguments",
					Message:    fmt.Sprintf("%q is a ride and cannot be mixed with segment names", name),
					Suggestion: "run a ride on its own: kite run " + name,
				}
			}
			return nil, nil, &kerrors.UnresolvedReferenceError{Segment: name}
		}
		refs = append(refs, ride.Ref(name))
	}
	oneOff := &ride.Ride{
		Name: "adhoc",
		Flow: ride.Sequence(refs...),
	}
	return oneOff, nil, nil
}

func verbosityFrom(quiet bool, verbose int) ride.Verbosity {
	switch {
	case quiet:
		return ride.VerbosityQuiet
	case verbose >= 2:
		return ride.VerbosityDebug
	case verbose == 1:
		return ride.VerbosityVerbose
	default:
		return ride.VerbosityNormal
	}
}

func serveMetrics(addr string, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}
	go server.ListenAndServe()
	return server
}

func recordHistory(opts *rootOptions, result *ride.Result) {
	store, err := history.Open(opts.workspace)
	if err != nil {
		opts.logger.Warn("history database unavailable", "error", err)
		return
	}
	defer store.Close()
	if err := store.Record(context.Background(), result); err != nil {
		opts.logger.Warn("failed to record run history", "error", err)
	}
}
