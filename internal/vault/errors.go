package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kriansa/vaultctl/internal/probe"
	"github.com/kriansa/vaultctl/internal/runner"
	"github.com/kriansa/vaultctl/internal/status"
)

var (
	// ErrBusy is returned when another operation holds the operation lock
	ErrBusy = errors.New("another vault operation is in progress")
	// ErrNotMounted is returned by Unmount when the vault is not mounted
	ErrNotMounted = errors.New("vault is not mounted")
	// ErrMountFailed matches a *ToolError raised by a failed mount command
	ErrMountFailed = errors.New("mount failed")
	// ErrUnmountFailed matches a *ToolError raised by a failed dismount command
	ErrUnmountFailed = errors.New("unmount failed")
)

// ConfigError reports a configuration problem the operator must fix
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "invalid vault configuration: " + e.Reason
}

// ToolError is returned when the encryption tool refused a mount or dismount.
// Message is the tool's own diagnostic when it printed one, with the trailing
// line break removed.
type ToolError struct {
	Op       status.Operation
	ExitCode int
	Message  string
}

func (e *ToolError) Error() string {
	return e.Message
}

func (e *ToolError) Is(target error) bool {
	switch target {
	case ErrMountFailed:
		return e.Op == status.OpMount
	case ErrUnmountFailed:
		return e.Op == status.OpUnmount
	}
	return false
}

func newToolError(op status.Operation, binary string, out runner.Outcome) *ToolError {
	msg := strings.TrimRight(out.Stderr, "\r\n")
	if msg == "" {
		msg = fmt.Sprintf("%s %s exited with status %d", binary, op, out.ExitCode)
	}
	return &ToolError{Op: op, ExitCode: out.ExitCode, Message: msg}
}

// Classify maps an error returned by the orchestrator to its failure kind
func Classify(err error) status.Kind {
	var (
		configErr *ConfigError
		spawnErr  *runner.SpawnError
		probeErr  *probe.Error
	)

	switch {
	case err == nil:
		return ""
	case errors.As(err, &configErr):
		return status.KindConfig
	case errors.Is(err, ErrBusy):
		return status.KindBusy
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.KindCanceled
	case errors.As(err, &spawnErr):
		return status.KindSpawn
	case errors.As(err, &probeErr):
		return status.KindProbe
	case errors.Is(err, ErrNotMounted):
		return status.KindNotMounted
	case errors.Is(err, ErrMountFailed):
		return status.KindMountFailed
	case errors.Is(err, ErrUnmountFailed):
		return status.KindUnmountFailed
	default:
		return status.KindUnknown
	}
}
