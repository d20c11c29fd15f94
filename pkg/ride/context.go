package ride

import (
	"context"
	"fmt"
	"os"

	"github.com/gianluz/kite/pkg/artifact"
	kerrors "github.com/gianluz/kite/pkg/errors"
	"github.com/gianluz/kite/pkg/secret"
)

// ExecutionContext is what a segment body (and its condition and hooks)
// sees: the workspace, the segment's logger, read access to artifacts,
// secret-aware environment accessors, and process execution bound to the
// segment's logger and the ride's environment overlay.
//
// Writing artifacts is not part of the context: outputs are declared on
// the segment and captured by the scheduler after a successful attempt.
type ExecutionContext struct {
	ctx       context.Context
	workspace string
	rideName  string
	segment   string
	logger    *SegmentLogger
	store     *artifact.Store
	registry  *secret.Registry
	env       map[string]string
	runner    *ProcessRunner
}

// Context returns the context bounding the current attempt. It is
// cancelled when the segment times out or the ride is cancelled.
func (c *ExecutionContext) Context() context.Context {
	return c.ctx
}

// Workspace returns the absolute workspace root.
func (c *ExecutionContext) Workspace() string { return c.workspace }

// RideName returns the executing ride's name.
func (c *ExecutionContext) RideName() string { return c.rideName }

// SegmentName returns the executing segment's name.
func (c *ExecutionContext) SegmentName() string { return c.segment }

// Logger returns the segment's log sink.
func (c *ExecutionContext) Logger() *SegmentLogger { return c.logger }

// Artifact returns the stored path of a named artifact, or false.
func (c *ExecutionContext) Artifact(name string) (string, bool) {
	return c.store.Get(name)
}

// HasArtifact reports whether a named artifact exists in the store.
func (c *ExecutionContext) HasArtifact(name string) bool {
	return c.store.Has(name)
}

// Artifacts lists the stored artifact names.
func (c *ExecutionContext) Artifacts() []string {
	return c.store.List()
}

// Env returns the named variable from the ride environment overlay,
// falling back to the process environment. Empty if unset.
func (c *ExecutionContext) Env(name string) string {
	if value, ok := c.env[name]; ok {
		return value
	}
	return os.Getenv(name)
}

// EnvOrDefault returns the named variable or def when it is unset or
// empty.
func (c *ExecutionContext) EnvOrDefault(name, def string) string {
	if value := c.Env(name); value != "" {
		return value
	}
	return def
}

// RequireEnv returns the named variable or an error when it is unset or
// empty.
func (c *ExecutionContext) RequireEnv(name string) (string, error) {
	value := c.Env(name)
	if value == "" {
		return "", &kerrors.UserError{Message: fmt.Sprintf("required environment variable %q is not set", name)}
	}
	return value, nil
}

// Secret reads the named environment variable and, if non-empty,
// registers the value with the masking registry using the variable name
// as hint. Subsequent log and process output redacts it.
func (c *ExecutionContext) Secret(name string) string {
	value := c.Env(name)
	if value != "" {
		c.registry.Register(value, name)
	}
	return value
}

// RequireSecret is Secret, failing when the variable is unset or empty.
func (c *ExecutionContext) RequireSecret(name string) (string, error) {
	value := c.Secret(name)
	if value == "" {
		return "", &kerrors.UserError{Message: fmt.Sprintf("required secret %q is not set", name)}
	}
	return value, nil
}

// Exec runs a program with arguments (no shell) in the workspace,
// forwarding output to the segment log and returning captured stdout.
func (c *ExecutionContext) Exec(program string, args ...string) (string, error) {
	return c.runner.Run(c.ctx, CommandSpec{Program: program, Args: args})
}

// Shell runs a command line through the platform shell.
func (c *ExecutionContext) Shell(command string) (string, error) {
	return c.runner.Run(c.ctx, CommandSpec{Shell: command})
}
