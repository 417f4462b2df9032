package vault

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kriansa/vaultctl/internal/log"
	"github.com/kriansa/vaultctl/internal/paths"
	"github.com/kriansa/vaultctl/internal/probe"
	"github.com/kriansa/vaultctl/internal/runner"
	"github.com/kriansa/vaultctl/internal/status"
	"github.com/kriansa/vaultctl/internal/tool"
)

// Volume is the configured location of the vault. Either path may be
// relative to the orchestrator's base directory.
type Volume struct {
	// ContainerPath is the encrypted container file
	ContainerPath string
	// MountPath is the directory the vault is mounted on
	MountPath string
}

// Orchestrator drives the mount lifecycle of a single vault.
//
// At most one operation runs at a time. The operation lock is only ever
// acquired with TryLock, so a concurrent call fails with ErrBusy instead of
// queueing behind a running mount or dismount.
type Orchestrator struct {
	lock      sync.Mutex
	state     status.State // guarded by lock
	published bool         // guarded by lock

	volume    Volume
	resolver  paths.Resolver
	runner    runner.Runner
	prober    *probe.Prober
	commands  tool.Commands
	publisher *status.Publisher
}

// New creates an orchestrator for vol, resolving relative paths under base
func New(
	base string,
	vol Volume,
	r runner.Runner,
	commands tool.Commands,
	publisher *status.Publisher,
) *Orchestrator {
	return &Orchestrator{
		volume:    vol,
		resolver:  paths.Resolver{Base: base},
		runner:    r,
		prober:    probe.New(r, commands.List()),
		commands:  commands,
		publisher: publisher,
	}
}

// Paths returns the resolved container and mount paths
func (o *Orchestrator) Paths() paths.Volume {
	return o.resolver.Volume(o.volume.ContainerPath, o.volume.MountPath)
}

// State returns the last published state without taking the operation lock
func (o *Orchestrator) State() status.State {
	return o.publisher.State()
}

// Init probes the vault once and publishes the initial state
func (o *Orchestrator) Init(ctx context.Context) error {
	if !o.lock.TryLock() {
		return ErrBusy
	}
	defer o.lock.Unlock()

	if err := o.checkConfig(); err != nil {
		log.Warn("mount directory not configured, vault stays unmounted")
		o.transition(status.Unmounted)
		return nil
	}

	mounted, err := o.probe(ctx, status.OpRefresh, o.Paths().MountPoint)
	if err != nil {
		return o.fail(status.OpRefresh, err)
	}

	o.transition(stateOf(mounted))
	log.Info("vault state initialized", "state", o.state.String(), "mount_path", o.Paths().MountPoint)
	return nil
}

// Mount mounts the container on the mount path and returns the resolved paths
func (o *Orchestrator) Mount(ctx context.Context) (paths.Volume, error) {
	if err := o.checkConfig(); err != nil {
		return paths.Volume{}, o.fail(status.OpMount, err)
	}
	if !o.lock.TryLock() {
		return paths.Volume{}, o.fail(status.OpMount, ErrBusy)
	}
	defer o.lock.Unlock()

	p := o.Paths()
	if err := o.mount(ctx, p); err != nil {
		return paths.Volume{}, err
	}
	return p, nil
}

// Unmount dismounts the vault. It probes first and returns ErrNotMounted
// without running the dismount command when the vault is not mounted.
func (o *Orchestrator) Unmount(ctx context.Context) error {
	if err := o.checkConfig(); err != nil {
		return o.fail(status.OpUnmount, err)
	}
	if !o.lock.TryLock() {
		return o.fail(status.OpUnmount, ErrBusy)
	}
	defer o.lock.Unlock()

	p := o.Paths()
	mounted, err := o.probe(ctx, status.OpUnmount, p.MountPoint)
	if err != nil {
		return o.fail(status.OpUnmount, err)
	}
	if !mounted {
		return o.fail(status.OpUnmount, ErrNotMounted)
	}

	return o.dismount(ctx, p)
}

// Toggle probes the vault once and then mounts it if it is unmounted or
// dismounts it if it is mounted. The cached state is never trusted here,
// since the vault may have been changed by another process.
func (o *Orchestrator) Toggle(ctx context.Context) (status.State, error) {
	if err := o.checkConfig(); err != nil {
		return o.State(), o.fail(status.OpToggle, err)
	}
	if !o.lock.TryLock() {
		return o.State(), o.fail(status.OpToggle, ErrBusy)
	}
	defer o.lock.Unlock()

	p := o.Paths()
	mounted, err := o.probe(ctx, status.OpToggle, p.MountPoint)
	if err != nil {
		return o.state, o.fail(status.OpToggle, err)
	}

	log.Debug("toggling vault", "mounted", mounted)
	if mounted {
		err = o.dismount(ctx, p)
	} else {
		err = o.mount(ctx, p)
	}
	return o.state, err
}

// Refresh probes the vault and publishes the state if it changed
func (o *Orchestrator) Refresh(ctx context.Context) (status.State, error) {
	if !o.lock.TryLock() {
		return o.State(), ErrBusy
	}
	defer o.lock.Unlock()

	if err := o.checkConfig(); err != nil {
		return o.state, err
	}
	if _, err := o.probe(ctx, status.OpRefresh, o.Paths().MountPoint); err != nil {
		if ctx.Err() != nil {
			// Shutting down, nothing to report
			return o.state, err
		}
		return o.state, o.fail(status.OpRefresh, err)
	}
	return o.state, nil
}

// Watch refreshes the state every interval until ctx is done. Ticks that
// collide with a running operation are skipped.
func (o *Orchestrator) Watch(ctx context.Context, interval time.Duration) {
	log.Info("status watcher started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("status watcher stopped")
			return
		case <-ticker.C:
			if _, err := o.Refresh(ctx); err != nil && !errors.Is(err, ErrBusy) && ctx.Err() == nil {
				log.Warn("status refresh failed", "error", err)
			}
		}
	}
}

// mount runs the mount command. The lock must be held.
func (o *Orchestrator) mount(ctx context.Context, p paths.Volume) error {
	log.Debug("mounting vault", "container", p.Container, "mount_path", p.MountPoint)

	if err := ctx.Err(); err != nil {
		return o.fail(status.OpMount, err)
	}

	// A half-finished mount cannot be aborted safely
	out, err := o.runner.Run(context.WithoutCancel(ctx), o.commands.Mount(p.Container, p.MountPoint))
	if err != nil {
		return o.fail(status.OpMount, err)
	}
	if !out.Success() {
		return o.fail(status.OpMount, newToolError(status.OpMount, o.commands.Binary(), out))
	}

	o.transition(status.Mounted)
	o.succeed(status.OpMount, p)
	log.Info("vault mounted", "container", p.Container, "mount_path", p.MountPoint)
	return nil
}

// dismount runs the dismount command. The lock must be held.
func (o *Orchestrator) dismount(ctx context.Context, p paths.Volume) error {
	log.Debug("dismounting vault", "mount_path", p.MountPoint)

	if err := ctx.Err(); err != nil {
		return o.fail(status.OpUnmount, err)
	}

	out, err := o.runner.Run(context.WithoutCancel(ctx), o.commands.Dismount(p.MountPoint))
	if err != nil {
		return o.fail(status.OpUnmount, err)
	}
	if !out.Success() {
		return o.fail(status.OpUnmount, newToolError(status.OpUnmount, o.commands.Binary(), out))
	}

	o.transition(status.Unmounted)
	o.succeed(status.OpUnmount, p)
	log.Info("vault unmounted", "mount_path", p.MountPoint)
	return nil
}

// probe asks the tool whether target is mounted and records a conclusive
// answer. An inconclusive listing is reported as a warning and treated as
// unmounted without touching the recorded state. A canceled listing is an
// error, so nothing is dispatched on its behalf. The lock must be held.
func (o *Orchestrator) probe(ctx context.Context, op status.Operation, target string) (bool, error) {
	res, err := o.prober.Probe(ctx, target)

	var probeErr *probe.Error
	if errors.As(err, &probeErr) {
		log.Warn("mount status is inconclusive, assuming unmounted", "operation", op, "error", err)
		o.publisher.Emit(status.Event{
			Type: status.ProbeWarning,
			Op:   op,
			Kind: status.KindProbe,
			Err:  err,
		})
		return false, nil
	}
	if err != nil {
		return false, err
	}

	o.transition(stateOf(res.Mounted))
	return res.Mounted, nil
}

// transition records state and publishes it when it differs from the current
// one. The first call always publishes.
func (o *Orchestrator) transition(state status.State) {
	if o.published && o.state == state {
		return
	}
	log.Debug("vault state changed", "from", o.state.String(), "to", state.String())
	o.state = state
	o.published = true
	o.publisher.SetState(state)
}

func (o *Orchestrator) succeed(op status.Operation, p paths.Volume) {
	o.publisher.Emit(status.Event{Type: status.OperationSucceeded, Op: op, State: o.state, Paths: p})
	o.publisher.Emit(status.Event{Type: status.RefreshRequested, Op: op, State: o.state, Paths: p})
}

// fail reports err to subscribers and returns it
func (o *Orchestrator) fail(op status.Operation, err error) error {
	kind := Classify(err)
	log.Debug("vault operation failed", "operation", op, "kind", kind, "error", err)
	o.publisher.Emit(status.Event{
		Type: status.OperationFailed,
		Op:   op,
		Kind: kind,
		Err:  err,
	})
	return err
}

func (o *Orchestrator) checkConfig() error {
	if o.volume.MountPath == "" {
		return &ConfigError{Reason: "mount directory is not set"}
	}
	return nil
}

func stateOf(mounted bool) status.State {
	if mounted {
		return status.Mounted
	}
	return status.Unmounted
}
