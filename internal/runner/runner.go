package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/kriansa/vaultctl/internal/log"
)

const (
	// DefaultShell is the shell used to interpret command lines
	DefaultShell = "/bin/sh"
	// DefaultWaitDelay bounds how long Run waits for the output pipes to close
	// after a canceled command was killed. Children of the shell may hold
	// them open long after the shell itself is gone.
	DefaultWaitDelay = 3 * time.Second
)

// Outcome is the result of a single command invocation
type Outcome struct {
	// ExitCode is the process exit status
	ExitCode int
	// Stdout is everything the command wrote to standard output
	Stdout string
	// Stderr is everything the command wrote to standard error
	Stderr string
}

// Success reports whether the command exited with status 0
func (o Outcome) Success() bool {
	return o.ExitCode == 0
}

// Runner executes a command line and waits for it to complete.
// A non-zero exit status is reported through Outcome, not as an error.
// Only a failure to start the command returns a *SpawnError.
type Runner interface {
	Run(ctx context.Context, commandLine string) (Outcome, error)
}

// SpawnError is returned when the command could not be started at all
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ShellRunner implements Runner by handing command lines to a local shell
type ShellRunner struct {
	shell     string
	waitDelay time.Duration
}

// NewShellRunner creates a runner that executes command lines with `shell -c`
func NewShellRunner(shell string) *ShellRunner {
	if shell == "" {
		shell = DefaultShell
	}
	return &ShellRunner{shell: shell, waitDelay: DefaultWaitDelay}
}

// Run executes the command line and captures its exit code and output streams
func (r *ShellRunner) Run(ctx context.Context, commandLine string) (Outcome, error) {
	log.Debug("running command", "shell", r.shell, "command", commandLine)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.shell, "-c", commandLine)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = r.waitDelay

	err := cmd.Run()
	outcome := Outcome{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		outcome.ExitCode = exitErr.ExitCode()
	default:
		return outcome, &SpawnError{Command: commandLine, Err: err}
	}

	log.Debug("command finished", "command", commandLine, "exit_code", outcome.ExitCode)
	return outcome, nil
}
