package ride

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	kerrors "github.com/gianluz/kite/pkg/errors"
	"github.com/gianluz/kite/pkg/secret"
)

// defaultGrace is how long a terminated process group gets to shut down
// before the runner escalates to a kill signal.
const defaultGrace = 5 * time.Second

// CommandSpec describes one subprocess invocation.
type CommandSpec struct {
	// Program and Args launch the command directly (no shell).
	Program string
	Args    []string

	// Shell, when non-empty, runs the string through the platform shell
	// (sh -c on POSIX, cmd /C on Windows). Program and Args are ignored.
	Shell string

	// Dir is the working directory; defaults to the runner's.
	Dir string

	// Env is merged over the runner's environment overlay.
	Env map[string]string

	// Timeout bounds this command on its own; zero means the command is
	// only bounded by the caller's context.
	Timeout time.Duration
}

func (s CommandSpec) display() string {
	if s.Shell != "" {
		return s.Shell
	}
	if len(s.Args) == 0 {
		return s.Program
	}
	return s.Program + " " + strings.Join(s.Args, " ")
}

// ProcessRunner launches subprocesses for one segment: streams are
// captured and forwarded line-by-line to the segment logger, every line
// and every returned string is masked, and the child runs in its own
// process group so termination reaches its descendants.
type ProcessRunner struct {
	workDir  string
	env      map[string]string
	logger   *SegmentLogger
	registry *secret.Registry
	grace    time.Duration
}

// NewProcessRunner creates a runner bound to a segment's logger. env is
// the ride's environment overlay, applied to every command.
func NewProcessRunner(workDir string, env map[string]string, logger *SegmentLogger, registry *secret.Registry) *ProcessRunner {
	return &ProcessRunner{
		workDir:  workDir,
		env:      env,
		logger:   logger,
		registry: registry,
		grace:    defaultGrace,
	}
}

// Run executes the command and returns its captured stdout with the
// trailing newline stripped. Failures are classified: launch failure,
// non-zero exit (with captured stderr), or timeout. All exits close the
// pipes and reap the child.
func (r *ProcessRunner) Run(ctx context.Context, spec CommandSpec) (string, error) {
	program := spec.Program
	args := spec.Args
	if spec.Shell != "" {
		program, args = shellCommand(spec.Shell)
	}

	cmd := exec.Command(program, args...)
	cmd.Dir = spec.Dir
	if cmd.Dir == "" {
		cmd.Dir = r.workDir
	}
	cmd.Env = overlayEnv(os.Environ(), r.env, spec.Env)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", &kerrors.CommandError{Command: spec.display(), Launch: true, Cause: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", &kerrors.CommandError{Command: spec.display(), Launch: true, Cause: err}
	}

	if r.logger != nil {
		if spec.Shell != "" {
			r.logger.LogCommand(spec.Shell, nil)
		} else {
			r.logger.LogCommand(spec.Program, spec.Args)
		}
	}

	if err := cmd.Start(); err != nil {
		return "", &kerrors.CommandError{Command: spec.display(), Launch: true, Cause: err}
	}

	// Both streams are drained in parallel so neither can block the
	// other, and every line is forwarded live.
	var outBuf, errBuf strings.Builder
	var pumps errgroup.Group
	pumps.Go(func() error { return r.pump(stdout, &outBuf) })
	pumps.Go(func() error { return r.pump(stderr, &errBuf) })

	// The child is reaped only after both pipes are fully drained.
	result := make(chan error, 1)
	go func() {
		pumps.Wait()
		result <- cmd.Wait()
	}()

	var timeoutCh <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	exited := make(chan struct{})
	defer close(exited)

	var waitErr error
	timedOut := false
	cancelled := false
	select {
	case waitErr = <-result:
	case <-timeoutCh:
		timedOut = true
		go r.terminate(cmd, exited)
		waitErr = <-result
	case <-ctx.Done():
		cancelled = true
		go r.terminate(cmd, exited)
		waitErr = <-result
	}

	capturedOut := r.mask(strings.TrimSuffix(outBuf.String(), "\n"))
	capturedErr := r.mask(errBuf.String())

	switch {
	case timedOut:
		return capturedOut, &kerrors.TimeoutError{Operation: "command " + spec.display(), Duration: spec.Timeout}
	case cancelled:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return capturedOut, &kerrors.TimeoutError{Operation: "command " + spec.display(), Duration: 0}
		}
		return capturedOut, ctx.Err()
	case waitErr != nil:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return capturedOut, &kerrors.CommandError{
				Command:  spec.display(),
				ExitCode: exitErr.ExitCode(),
				Stderr:   capturedErr,
				Cause:    waitErr,
			}
		}
		return capturedOut, &kerrors.CommandError{Command: spec.display(), Launch: true, Cause: waitErr}
	}
	return capturedOut, nil
}

// pump reads one stream line-by-line, forwarding each masked line to
// the segment logger and accumulating the raw capture.
func (r *ProcessRunner) pump(stream io.Reader, buf *strings.Builder) error {
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		if r.logger != nil {
			r.logger.LogOutput(line)
		}
	}
	return scanner.Err()
}

// terminate asks the child's process group to exit, escalating to a
// kill signal if it is still alive after the grace period.
func (r *ProcessRunner) terminate(cmd *exec.Cmd, exited <-chan struct{}) {
	terminateGroup(cmd.Process)
	select {
	case <-exited:
	case <-time.After(r.grace):
		killGroup(cmd.Process)
	}
}

func (r *ProcessRunner) mask(text string) string {
	if r.registry == nil {
		return text
	}
	return r.registry.Mask(text)
}

// overlayEnv merges overlays atop base; later keys override earlier.
func overlayEnv(base []string, overlays ...map[string]string) []string {
	merged := make(map[string]string, len(base))
	order := make([]string, 0, len(base))
	set := func(key, value string) {
		if _, ok := merged[key]; !ok {
			order = append(order, key)
		}
		merged[key] = value
	}
	for _, kv := range base {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			set(kv[:i], kv[i+1:])
		}
	}
	for _, overlay := range overlays {
		for key, value := range overlay {
			set(key, value)
		}
	}
	out := make([]string, 0, len(order))
	for _, key := range order {
		out = append(out, key+"="+merged[key])
	}
	return out
}
