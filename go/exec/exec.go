// Package exec is a wrapper around the os/exec package that supports timeouts
// and testing.
package exec

import (
	"bytes"
	"context"
	"errors"
	"io"
	osexec "os/exec"
	"strings"
	"time"

	"go.opensafely.org/jobrunner/go/skerr"
	"go.opensafely.org/jobrunner/go/sklog"
)

// Command is the input to Run.
type Command struct {
	// Name of the command, as will be passed to exec.Command.
	Name string
	// Arguments of the command, not including Name.
	Args []string
	// The environment of the command. If nil, the command inherits the
	// environment of the current process.
	Env []string
	// The working directory of the command. If empty, runs in the current
	// process's working directory.
	Dir string
	// See docs for exec.Cmd.Stdin.
	Stdin io.Reader
	// If true, duplicates stdout of the command to this process's stdout.
	LogStdout bool
	// Sends the stdout of the command to this writer as well.
	Stdout io.Writer
	// If true, duplicates stderr of the command to this process's stderr.
	LogStderr bool
	// Sends the stderr of the command to this writer as well.
	Stderr io.Writer
	// Timeout of the command. If zero, no timeout is applied.
	Timeout time.Duration
}

// DebugString returns the command in a human-readable form.
func DebugString(command *Command) string {
	return strings.TrimSpace(strings.Join(append([]string{command.Name}, command.Args...), " "))
}

type contextKeyType string

const contextKey contextKeyType = "runFn"

// RunFn is the type of the function used to run a Command.
type RunFn func(ctx context.Context, c *Command) error

// NewContext returns a context that causes Run to use the given function,
// used by tests to intercept subprocess invocations.
func NewContext(ctx context.Context, runFn RunFn) context.Context {
	return context.WithValue(ctx, contextKey, runFn)
}

func getRunFn(ctx context.Context) RunFn {
	if fn := ctx.Value(contextKey); fn != nil {
		return fn.(RunFn)
	}
	return defaultRun
}

func defaultRun(ctx context.Context, c *Command) error {
	if c.Timeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	cmd := osexec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	var stdouts, stderrs []io.Writer
	if c.Stdout != nil {
		stdouts = append(stdouts, c.Stdout)
	}
	if c.Stderr != nil {
		stderrs = append(stderrs, c.Stderr)
	}
	if c.LogStdout {
		stdouts = append(stdouts, sklog.InfoWriter())
	}
	if c.LogStderr {
		stderrs = append(stderrs, sklog.ErrorWriter())
	}
	if len(stdouts) > 0 {
		cmd.Stdout = io.MultiWriter(stdouts...)
	}
	if len(stderrs) > 0 {
		cmd.Stderr = io.MultiWriter(stderrs...)
	}
	return cmd.Run()
}

// Run runs the command and waits for it to finish. Returns an error if the
// command fails or times out.
func Run(ctx context.Context, c *Command) error {
	return getRunFn(ctx)(ctx, c)
}

// RunCommand runs the command and returns its combined output. If the command
// fails, the error includes the output.
func RunCommand(ctx context.Context, c *Command) (string, error) {
	buf := &bytes.Buffer{}
	c.Stdout = buf
	c.Stderr = buf
	err := Run(ctx, c)
	if err != nil {
		return buf.String(), skerr.Fmt("%s failed: %s; output:\n%s", DebugString(c), err, buf.String())
	}
	return buf.String(), nil
}

// RunCwd runs the given command in the given directory and returns its
// combined output.
func RunCwd(ctx context.Context, cwd string, cmd ...string) (string, error) {
	if len(cmd) == 0 {
		return "", skerr.Fmt("no command specified")
	}
	return RunCommand(ctx, &Command{
		Name: cmd[0],
		Args: cmd[1:],
		Dir:  cwd,
	})
}

// ExitCode extracts the exit code from an error returned by Run, or -1 if the
// command did not run to completion.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *osexec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
