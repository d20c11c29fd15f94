//go:build unix

package ride

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/gianluz/kite/pkg/errors"
	"github.com/gianluz/kite/pkg/secret"
)

func newTestRunner(t *testing.T, registry *secret.Registry) (*ProcessRunner, *SegmentLogger, string) {
	t.Helper()
	workspace := t.TempDir()
	logDir := filepath.Join(workspace, ".kite", "logs")
	logger, err := NewSegmentLogger(logDir, "proc", nil, VerbosityQuiet, registry)
	require.NoError(t, err)
	t.Cleanup(func() { logger.Close() })
	return NewProcessRunner(workspace, nil, logger, registry), logger, logDir
}

func TestProcessRunner_CapturesStdout(t *testing.T) {
	r, _, _ := newTestRunner(t, nil)

	out, err := r.Run(context.Background(), CommandSpec{Program: "echo", Args: []string{"hello", "world"}})
	require.NoError(t, err)
	assert.Equal(t, "hello world", out, "trailing newline is stripped")
}

func TestProcessRunner_Shell(t *testing.T) {
	r, _, _ := newTestRunner(t, nil)

	out, err := r.Run(context.Background(), CommandSpec{Shell: "echo one && echo two"})
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo", out)
}

func TestProcessRunner_NonZeroExit(t *testing.T) {
	r, _, _ := newTestRunner(t, nil)

	_, err := r.Run(context.Background(), CommandSpec{Shell: "echo oops >&2; exit 3"})
	require.Error(t, err)

	var cmdErr *kerrors.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 3, cmdErr.ExitCode)
	assert.Contains(t, cmdErr.Stderr, "oops")
	assert.Equal(t, kerrors.KindNonZeroExit, kerrors.KindOf(err))
}

func TestProcessRunner_LaunchFailure(t *testing.T) {
	r, _, _ := newTestRunner(t, nil)

	_, err := r.Run(context.Background(), CommandSpec{Program: "kite-no-such-binary-xyz"})
	require.Error(t, err)
	assert.Equal(t, kerrors.KindLaunchFailure, kerrors.KindOf(err))
}

func TestProcessRunner_EnvOverlay(t *testing.T) {
	workspace := t.TempDir()
	logger, err := NewSegmentLogger(filepath.Join(workspace, "logs"), "env", nil, VerbosityQuiet, nil)
	require.NoError(t, err)
	defer logger.Close()

	t.Setenv("KITE_PROC_BASE", "base")
	runner := NewProcessRunner(workspace, map[string]string{"KITE_PROC_RIDE": "ride", "KITE_PROC_BASE": "overridden"}, logger, nil)

	out, err := runner.Run(context.Background(), CommandSpec{
		Shell: `echo "$KITE_PROC_BASE/$KITE_PROC_RIDE/$KITE_PROC_SPEC"`,
		Env:   map[string]string{"KITE_PROC_SPEC": "spec"},
	})
	require.NoError(t, err)
	assert.Equal(t, "overridden/ride/spec", out, "later overlays win")
}

func TestProcessRunner_WorkingDir(t *testing.T) {
	r, _, _ := newTestRunner(t, nil)
	sub := filepath.Join(t.TempDir(), "sub")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	out, err := r.Run(context.Background(), CommandSpec{Program: "pwd", Dir: sub})
	require.NoError(t, err)
	assert.Equal(t, sub, strings.TrimSpace(out))
}

func TestProcessRunner_MasksOutput(t *testing.T) {
	registry := secret.NewRegistry()
	registry.Register("sk-abcd1234", "API_KEY")
	r, _, logDir := newTestRunner(t, registry)

	out, err := r.Run(context.Background(), CommandSpec{Program: "echo", Args: []string{"token=sk-abcd1234"}})
	require.NoError(t, err)
	assert.Equal(t, "token=[API_KEY:***]", out)
	assert.NotContains(t, out, "sk-abcd1234")

	data, err := os.ReadFile(filepath.Join(logDir, "proc.log"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-abcd1234")
	assert.Contains(t, string(data), "token=[API_KEY:***]")
}

func TestProcessRunner_MasksStderr(t *testing.T) {
	registry := secret.NewRegistry()
	registry.Register("sk-abcd1234", "API_KEY")
	r, _, _ := newTestRunner(t, registry)

	_, err := r.Run(context.Background(), CommandSpec{Shell: "echo leak=sk-abcd1234 >&2; exit 1"})
	var cmdErr *kerrors.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.NotContains(t, cmdErr.Stderr, "sk-abcd1234")
	assert.Contains(t, cmdErr.Stderr, "[API_KEY:***]")
}

func TestProcessRunner_Timeout(t *testing.T) {
	r, _, _ := newTestRunner(t, nil)

	start := time.Now()
	_, err := r.Run(context.Background(), CommandSpec{
		Program: "sleep",
		Args:    []string{"10"},
		Timeout: 100 * time.Millisecond,
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, kerrors.KindTimeout, kerrors.KindOf(err))
	assert.Less(t, elapsed, 3*time.Second, "terminated process must be reaped promptly")
}

func TestProcessRunner_ContextDeadline(t *testing.T) {
	r, _, _ := newTestRunner(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := r.Run(ctx, CommandSpec{Program: "sleep", Args: []string{"10"}})
	require.Error(t, err)
	assert.Equal(t, kerrors.KindTimeout, kerrors.KindOf(err))
}

func TestProcessRunner_TimeoutKillsProcessGroup(t *testing.T) {
	r, _, _ := newTestRunner(t, nil)

	// The shell spawns a child; termination must reach the whole group.
	marker := filepath.Join(t.TempDir(), "still-alive")
	_, err := r.Run(context.Background(), CommandSpec{
		Shell:   "sleep 10; touch " + marker,
		Timeout: 100 * time.Millisecond,
	})
	require.Error(t, err)

	time.Sleep(200 * time.Millisecond)
	assert.NoFileExists(t, marker)
}

func TestProcessRunner_StreamsForwardedLive(t *testing.T) {
	workspace := t.TempDir()
	logDir := filepath.Join(workspace, "logs")
	logger, err := NewSegmentLogger(logDir, "live", nil, VerbosityQuiet, nil)
	require.NoError(t, err)
	defer logger.Close()
	r := NewProcessRunner(workspace, nil, logger, nil)

	out, err := r.Run(context.Background(), CommandSpec{Shell: "echo out-line; echo err-line >&2"})
	require.NoError(t, err)
	assert.Equal(t, "out-line", out)

	data, err := os.ReadFile(filepath.Join(logDir, "live.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "out-line")
	assert.Contains(t, string(data), "err-line")
}
