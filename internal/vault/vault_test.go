package vault

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kriansa/vaultctl/internal/log"
	"github.com/kriansa/vaultctl/internal/paths"
	"github.com/kriansa/vaultctl/internal/probe"
	"github.com/kriansa/vaultctl/internal/runner"
	"github.com/kriansa/vaultctl/internal/status"
	"github.com/kriansa/vaultctl/internal/tool"
)

func TestMain(m *testing.M) {
	log.Setup(false)
	os.Exit(m.Run())
}

const (
	testBase      = "/home/u/vault"
	testContainer = "/home/u/vault/container.vc"
	testMount     = "/home/u/vault/Vault/Secret"
)

// fakeTool emulates the encryption tool. Listing reflects what was mounted
// through it unless list is set.
type fakeTool struct {
	mu      sync.Mutex
	calls   []string
	mounted bool

	list     *runner.Outcome
	mount    runner.Outcome
	dismount runner.Outcome
	spawnErr error

	// blockList makes the listing hang until the caller's context ends, the
	// way a killed shell reports exit status -1
	blockList bool

	// started and release make mount and dismount block until released
	started chan struct{}
	release chan struct{}
}

func (f *fakeTool) Run(ctx context.Context, line string) (runner.Outcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, line)
	f.mu.Unlock()

	if f.spawnErr != nil {
		return runner.Outcome{}, f.spawnErr
	}

	switch {
	case strings.Contains(line, " --list"):
		if f.blockList {
			<-ctx.Done()
			return runner.Outcome{ExitCode: -1}, nil
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.list != nil {
			return *f.list, nil
		}
		if f.mounted {
			return runner.Outcome{Stdout: "1: " + testContainer + " /dev/mapper/veracrypt1 " + testMount + "\n"}, nil
		}
		return runner.Outcome{ExitCode: 1, Stderr: "Error: No volumes mounted.\n"}, nil

	case strings.Contains(line, " --mount "):
		f.wait()
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.mount.Success() {
			f.mounted = true
		}
		return f.mount, nil

	case strings.Contains(line, " --dismount "):
		f.wait()
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.dismount.Success() {
			f.mounted = false
		}
		return f.dismount, nil
	}

	return runner.Outcome{ExitCode: 127, Stderr: "unknown command"}, nil
}

func (f *fakeTool) wait() {
	if f.started == nil {
		return
	}
	f.started <- struct{}{}
	<-f.release
}

func (f *fakeTool) count(sub string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.Contains(c, sub) {
			n++
		}
	}
	return n
}

func (f *fakeTool) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTool) setMounted(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mounted = v
}

type recorder struct {
	mu     sync.Mutex
	events []status.Event
}

func (r *recorder) HandleEvent(e status.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(t status.EventType) []status.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []status.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func newTestVault(t *testing.T, ft *fakeTool, vol Volume) (*Orchestrator, *recorder) {
	t.Helper()
	pub := status.NewPublisher()
	rec := &recorder{}
	pub.Subscribe(rec)
	return New(testBase, vol, ft, tool.New("veracrypt"), pub), rec
}

var defaultVolume = Volume{ContainerPath: "container.vc", MountPath: "Vault/Secret"}

func TestMount_Success(t *testing.T) {
	ft := &fakeTool{}
	o, rec := newTestVault(t, ft, defaultVolume)

	got, err := o.Mount(context.Background())
	require.NoError(t, err)

	assert.Equal(t, paths.Volume{Container: testContainer, MountPoint: testMount}, got)
	assert.Equal(t, status.Mounted, o.State())
	assert.Equal(t, []string{"veracrypt --mount '" + testContainer + "' '" + testMount + "'"}, ft.calls)

	changed := rec.ofType(status.StatusChanged)
	require.Len(t, changed, 1, "state must be published exactly once")
	assert.Equal(t, status.Mounted, changed[0].State)

	succeeded := rec.ofType(status.OperationSucceeded)
	require.Len(t, succeeded, 1)
	assert.Equal(t, status.OpMount, succeeded[0].Op)
	assert.Equal(t, got, succeeded[0].Paths)

	assert.Len(t, rec.ofType(status.RefreshRequested), 1)
	assert.Empty(t, rec.ofType(status.OperationFailed))
}

func TestMount_ToolFailure(t *testing.T) {
	ft := &fakeTool{mount: runner.Outcome{ExitCode: 1, Stderr: "Incorrect password"}}
	o, rec := newTestVault(t, ft, defaultVolume)

	_, err := o.Mount(context.Background())
	require.ErrorIs(t, err, ErrMountFailed)
	assert.NotErrorIs(t, err, ErrUnmountFailed)

	var toolErr *ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, "Incorrect password", toolErr.Message)
	assert.Equal(t, "Incorrect password", err.Error())
	assert.Equal(t, 1, toolErr.ExitCode)

	assert.Equal(t, status.Unmounted, o.State())
	assert.Empty(t, rec.ofType(status.StatusChanged), "failed attempts are never published as transitions")
	assert.Empty(t, rec.ofType(status.OperationSucceeded))

	failed := rec.ofType(status.OperationFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, status.KindMountFailed, failed[0].Kind)
	assert.Equal(t, "Incorrect password", failed[0].Err.Error())
}

func TestMount_GenericMessage(t *testing.T) {
	ft := &fakeTool{mount: runner.Outcome{ExitCode: 2, Stderr: "\n"}}
	o, _ := newTestVault(t, ft, defaultVolume)

	_, err := o.Mount(context.Background())
	require.ErrorIs(t, err, ErrMountFailed)
	assert.Equal(t, "veracrypt mount exited with status 2", err.Error())
}

func TestMount_TrailingNewlineTrimmed(t *testing.T) {
	ft := &fakeTool{mount: runner.Outcome{ExitCode: 1, Stderr: "Error: Incorrect password\nor not a VeraCrypt volume.\n"}}
	o, _ := newTestVault(t, ft, defaultVolume)

	_, err := o.Mount(context.Background())
	assert.EqualError(t, err, "Error: Incorrect password\nor not a VeraCrypt volume.")
}

func TestOperations_ConfigError(t *testing.T) {
	ft := &fakeTool{}
	o, rec := newTestVault(t, ft, Volume{ContainerPath: "container.vc"})
	ctx := context.Background()

	_, err := o.Mount(ctx)
	var configErr *ConfigError
	assert.True(t, errors.As(err, &configErr), "mount: got %v", err)

	err = o.Unmount(ctx)
	assert.True(t, errors.As(err, &configErr), "unmount: got %v", err)

	_, err = o.Toggle(ctx)
	assert.True(t, errors.As(err, &configErr), "toggle: got %v", err)

	assert.Zero(t, ft.total(), "no command may run without a mount directory")

	failed := rec.ofType(status.OperationFailed)
	require.Len(t, failed, 3)
	for _, e := range failed {
		assert.Equal(t, status.KindConfig, e.Kind)
	}
}

func TestOperations_Busy(t *testing.T) {
	ft := &fakeTool{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	o, rec := newTestVault(t, ft, defaultVolume)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := o.Mount(ctx)
		done <- err
	}()

	<-ft.started
	before := ft.total()

	_, err := o.Mount(ctx)
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, o.Unmount(ctx), ErrBusy)
	_, err = o.Toggle(ctx)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = o.Refresh(ctx)
	assert.ErrorIs(t, err, ErrBusy)

	assert.Equal(t, before, ft.total(), "busy calls must not invoke the tool")

	close(ft.release)
	require.NoError(t, <-done)
	assert.Equal(t, status.Mounted, o.State())

	busy := 0
	for _, e := range rec.ofType(status.OperationFailed) {
		if e.Kind == status.KindBusy {
			busy++
		}
	}
	assert.Equal(t, 3, busy)

	// The lock is released once the first call returns
	ft.started = nil
	require.NoError(t, o.Unmount(ctx))
}

func TestUnmount_NotMounted(t *testing.T) {
	ft := &fakeTool{}
	o, rec := newTestVault(t, ft, defaultVolume)

	err := o.Unmount(context.Background())
	require.ErrorIs(t, err, ErrNotMounted)

	assert.Equal(t, 1, ft.count("--list"))
	assert.Zero(t, ft.count("--dismount"), "no destructive command for an unmounted vault")

	failed := rec.ofType(status.OperationFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, status.KindNotMounted, failed[0].Kind)
}

func TestUnmount_Success(t *testing.T) {
	ft := &fakeTool{mounted: true}
	o, rec := newTestVault(t, ft, defaultVolume)
	require.NoError(t, o.Init(context.Background()))
	rec.reset()

	require.NoError(t, o.Unmount(context.Background()))

	assert.Equal(t, status.Unmounted, o.State())
	assert.Equal(t, 1, ft.count("--dismount '"+testMount+"'"))

	changed := rec.ofType(status.StatusChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, status.Unmounted, changed[0].State)
	assert.Len(t, rec.ofType(status.RefreshRequested), 1)
}

func TestUnmount_ToolFailure(t *testing.T) {
	ft := &fakeTool{
		mounted:  true,
		dismount: runner.Outcome{ExitCode: 1, Stderr: "Error: device is busy\n"},
	}
	o, rec := newTestVault(t, ft, defaultVolume)
	require.NoError(t, o.Init(context.Background()))
	rec.reset()

	err := o.Unmount(context.Background())
	require.ErrorIs(t, err, ErrUnmountFailed)
	assert.EqualError(t, err, "Error: device is busy")

	assert.Equal(t, status.Mounted, o.State())
	assert.Empty(t, rec.ofType(status.StatusChanged))
}

func TestToggle_MountsWhenUnmounted(t *testing.T) {
	ft := &fakeTool{}
	o, _ := newTestVault(t, ft, defaultVolume)

	state, err := o.Toggle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, status.Mounted, state)
	assert.Equal(t, 1, ft.count("--list"))
	assert.Equal(t, 1, ft.count("--mount"))
}

func TestToggle_DismountsWhenMounted(t *testing.T) {
	ft := &fakeTool{mounted: true}
	o, _ := newTestVault(t, ft, defaultVolume)

	state, err := o.Toggle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, status.Unmounted, state)
	assert.Equal(t, 1, ft.count("--list"), "toggle probes exactly once")
	assert.Equal(t, 1, ft.count("--dismount"))
}

func TestToggle_AlwaysProbes(t *testing.T) {
	ft := &fakeTool{}
	o, _ := newTestVault(t, ft, defaultVolume)
	ctx := context.Background()

	require.NoError(t, o.Init(ctx))
	require.Equal(t, 1, ft.count("--list"))

	// Cached state already matches the tool; toggle must still probe
	_, err := o.Toggle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, ft.count("--list"))

	_, err = o.Toggle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, ft.count("--list"))
	assert.Equal(t, status.Unmounted, o.State())
}

func TestToggle_StaleState(t *testing.T) {
	ft := &fakeTool{}
	o, rec := newTestVault(t, ft, defaultVolume)
	ctx := context.Background()

	_, err := o.Mount(ctx)
	require.NoError(t, err)
	require.Equal(t, status.Mounted, o.State())

	// Another process dismounted the vault behind our back
	ft.setMounted(false)
	rec.reset()

	state, err := o.Toggle(ctx)
	require.NoError(t, err)
	assert.Equal(t, status.Mounted, state)
	assert.Zero(t, ft.count("--dismount"), "stale cache must not trigger a dismount")
	assert.Equal(t, 2, ft.count("--mount"))

	var seen []status.State
	for _, e := range rec.ofType(status.StatusChanged) {
		seen = append(seen, e.State)
	}
	assert.Equal(t, []status.State{status.Unmounted, status.Mounted}, seen)
}

func TestToggle_InconclusiveProbe(t *testing.T) {
	ft := &fakeTool{list: &runner.Outcome{ExitCode: 1, Stderr: "Error: permission denied\n"}}
	o, rec := newTestVault(t, ft, defaultVolume)

	state, err := o.Toggle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, status.Mounted, state)
	assert.Equal(t, 1, ft.count("--mount"), "an inconclusive probe is treated as unmounted")

	warnings := rec.ofType(status.ProbeWarning)
	require.Len(t, warnings, 1)
	var probeErr *probe.Error
	assert.True(t, errors.As(warnings[0].Err, &probeErr))
	assert.Equal(t, status.OpToggle, warnings[0].Op)
}

func TestUnmount_InconclusiveProbe(t *testing.T) {
	ft := &fakeTool{list: &runner.Outcome{ExitCode: 1, Stderr: "Error: permission denied\n"}}
	o, rec := newTestVault(t, ft, defaultVolume)

	err := o.Unmount(context.Background())
	require.ErrorIs(t, err, ErrNotMounted)
	assert.Zero(t, ft.count("--dismount"))
	assert.Len(t, rec.ofType(status.ProbeWarning), 1)
}

func TestOperations_CanceledDuringListing(t *testing.T) {
	ft := &fakeTool{blockList: true}
	o, rec := newTestVault(t, ft, defaultVolume)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := o.Toggle(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	err = o.Unmount(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrNotMounted)

	assert.Equal(t, 2, ft.count("--list"))
	assert.Zero(t, ft.count("--mount"), "an abandoned toggle must not start a mount")
	assert.Zero(t, ft.count("--dismount"))
	assert.Equal(t, status.Unmounted, o.State())

	assert.Empty(t, rec.ofType(status.ProbeWarning), "a canceled listing is not an inconclusive one")
	failed := rec.ofType(status.OperationFailed)
	require.Len(t, failed, 2)
	for _, e := range failed {
		assert.Equal(t, status.KindCanceled, e.Kind)
	}
}

func TestMount_CanceledBeforeStart(t *testing.T) {
	ft := &fakeTool{}
	o, _ := newTestVault(t, ft, defaultVolume)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Mount(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, status.KindCanceled, Classify(err))
	assert.Zero(t, ft.total())
}

func TestRefresh_CanceledIsQuiet(t *testing.T) {
	ft := &fakeTool{blockList: true}
	o, rec := newTestVault(t, ft, defaultVolume)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Refresh(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.ofType(status.OperationFailed))
}

func TestOperations_SpawnError(t *testing.T) {
	spawnErr := &runner.SpawnError{Command: "veracrypt --list", Err: errors.New("exec: no such file")}
	ft := &fakeTool{spawnErr: spawnErr}
	o, rec := newTestVault(t, ft, defaultVolume)

	_, err := o.Toggle(context.Background())
	require.ErrorIs(t, err, spawnErr)
	assert.Equal(t, status.KindSpawn, Classify(err))
	assert.Equal(t, 1, ft.total(), "nothing runs after the probe failed to spawn")

	failed := rec.ofType(status.OperationFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, status.KindSpawn, failed[0].Kind)

	_, err = o.Mount(context.Background())
	assert.Equal(t, status.KindSpawn, Classify(err))
	assert.Equal(t, status.Unmounted, o.State())
}

func TestInit_PublishesOnce(t *testing.T) {
	tests := []struct {
		name    string
		tool    *fakeTool
		want    status.State
		warning bool
	}{
		{"mounted", &fakeTool{mounted: true}, status.Mounted, false},
		{"unmounted", &fakeTool{}, status.Unmounted, false},
		{"inconclusive", &fakeTool{list: &runner.Outcome{ExitCode: 3}}, status.Unmounted, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, rec := newTestVault(t, tt.tool, defaultVolume)
			require.NoError(t, o.Init(context.Background()))

			changed := rec.ofType(status.StatusChanged)
			require.Len(t, changed, 1)
			assert.Equal(t, tt.want, changed[0].State)
			assert.Equal(t, tt.want, o.State())
			assert.Equal(t, tt.warning, len(rec.ofType(status.ProbeWarning)) == 1)
		})
	}
}

func TestInit_Unconfigured(t *testing.T) {
	ft := &fakeTool{}
	o, rec := newTestVault(t, ft, Volume{ContainerPath: "container.vc"})

	require.NoError(t, o.Init(context.Background()))
	assert.Zero(t, ft.total())
	assert.Len(t, rec.ofType(status.StatusChanged), 1)
}

func TestRefresh_PublishesChangesOnly(t *testing.T) {
	ft := &fakeTool{}
	o, rec := newTestVault(t, ft, defaultVolume)
	ctx := context.Background()
	require.NoError(t, o.Init(ctx))
	rec.reset()

	state, err := o.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, status.Unmounted, state)
	assert.Empty(t, rec.ofType(status.StatusChanged))

	ft.setMounted(true)
	state, err = o.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, status.Mounted, state)
	assert.Len(t, rec.ofType(status.StatusChanged), 1)
	assert.Empty(t, rec.ofType(status.OperationSucceeded), "refresh is not an operation result")
}

func TestWatch(t *testing.T) {
	ft := &fakeTool{}
	o, _ := newTestVault(t, ft, defaultVolume)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Watch(ctx, 5*time.Millisecond)
		close(done)
	}()

	ft.setMounted(true)
	require.Eventually(t, func() bool {
		return o.State() == status.Mounted
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop after cancel")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want status.Kind
	}{
		{"nil", nil, ""},
		{"config", &ConfigError{Reason: "x"}, status.KindConfig},
		{"busy", ErrBusy, status.KindBusy},
		{"canceled", errors.Join(errors.New("list volumes"), context.Canceled), status.KindCanceled},
		{"deadline", context.DeadlineExceeded, status.KindCanceled},
		{"wrapped busy", errors.Join(errors.New("ctx"), ErrBusy), status.KindBusy},
		{"spawn", &runner.SpawnError{Command: "x", Err: errors.New("y")}, status.KindSpawn},
		{"probe", &probe.Error{ExitCode: 1}, status.KindProbe},
		{"not mounted", ErrNotMounted, status.KindNotMounted},
		{"mount failed", &ToolError{Op: status.OpMount}, status.KindMountFailed},
		{"unmount failed", &ToolError{Op: status.OpUnmount}, status.KindUnmountFailed},
		{"unknown", errors.New("something else"), status.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
