package probe

import (
	"context"
	"fmt"
	"strings"

	"github.com/kriansa/vaultctl/internal/log"
	"github.com/kriansa/vaultctl/internal/runner"
	"github.com/kriansa/vaultctl/internal/tool"
)

// Result is the outcome of one probe
type Result struct {
	// Mounted reports whether the target appeared in the tool's listing
	Mounted bool
	// Raw is the listing text the decision was made on
	Raw string
}

// Error is returned when the list command failed for a reason other than an
// empty listing. It accompanies a Result with Mounted set to false.
type Error struct {
	ExitCode int
	Stderr   string
}

func (e *Error) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = "no diagnostic output"
	}
	return fmt.Sprintf("list volumes exited with status %d: %s", e.ExitCode, msg)
}

// Prober asks the encryption tool which volumes are mounted
type Prober struct {
	runner runner.Runner
	list   string
	marker string
}

// New creates a Prober that runs listCommand through r
func New(r runner.Runner, listCommand string) *Prober {
	return &Prober{
		runner: r,
		list:   listCommand,
		marker: tool.NoVolumesMarker,
	}
}

// Probe reports whether target is currently mounted.
//
// An empty listing (the tool's "no volumes mounted" marker on stderr) is not
// an error. Any other failed listing returns Mounted=false together with an
// *Error. A *runner.SpawnError is returned when the tool could not be started.
// When ctx ends while the listing runs, the context error is returned instead,
// since a killed listing says nothing about the vault.
func (p *Prober) Probe(ctx context.Context, target string) (Result, error) {
	log.Debug("probing mount status", "target", target)

	out, err := p.runner.Run(ctx, p.list)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, fmt.Errorf("list volumes: %w", ctxErr)
	}
	if err != nil {
		return Result{}, err
	}

	if strings.Contains(out.Stderr, p.marker) {
		log.Debug("no volumes mounted", "target", target)
		return Result{Mounted: false, Raw: out.Stderr}, nil
	}

	if !out.Success() {
		return Result{Mounted: false, Raw: out.Stderr}, &Error{ExitCode: out.ExitCode, Stderr: out.Stderr}
	}

	mounted := strings.Contains(out.Stdout, target)
	log.Debug("probe finished", "target", target, "mounted", mounted)
	return Result{Mounted: mounted, Raw: out.Stdout}, nil
}
