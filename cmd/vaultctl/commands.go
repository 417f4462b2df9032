package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/docker/go-plugins-helpers/volume"
	"github.com/urfave/cli/v3"

	"github.com/kriansa/vaultctl/internal/config"
	"github.com/kriansa/vaultctl/internal/driver"
	"github.com/kriansa/vaultctl/internal/log"
	"github.com/kriansa/vaultctl/internal/notify"
	"github.com/kriansa/vaultctl/internal/runner"
	"github.com/kriansa/vaultctl/internal/status"
	"github.com/kriansa/vaultctl/internal/tool"
	"github.com/kriansa/vaultctl/internal/vault"
)

type app struct {
	cfg     *config.Config
	vault   *vault.Orchestrator
	closers []func() error
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			log.Warn("cleanup failed", "error", err)
		}
	}
}

// setup loads the configuration, wires the components and runs the initial probe
func setup(ctx context.Context, cmd *cli.Command, overrides config.Overrides) (*app, error) {
	log.Setup(cmd.Bool("verbose"))

	// Load config file
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	// Merge CLI flags (CLI takes precedence)
	overrides.BaseDir = cmd.String("base-dir")
	overrides.ContainerFile = cmd.String("container")
	overrides.MountDirectory = cmd.String("mount-dir")
	overrides.Tool = cmd.String("tool")
	overrides.Notify = cmd.Bool("notify")
	cfg.Merge(overrides)

	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log.Debug("configuration loaded",
		"base_dir", cfg.BaseDir,
		"container_file", cfg.ContainerFile,
		"mount_directory", cfg.MountDirectory,
		"tool", cfg.Tool,
		"remote", cfg.Remote.Host,
	)

	r, err := newRunner(cfg)
	if err != nil {
		return nil, fmt.Errorf("create command runner: %w", err)
	}

	a := &app{cfg: cfg}
	publisher := status.NewPublisher()
	publisher.Subscribe(status.SubscriberFunc(logEvent))

	if cfg.Notify {
		n, err := notify.NewNotifier()
		if err != nil {
			log.Warn("desktop notifications disabled", "error", err)
		} else {
			publisher.Subscribe(n)
			a.closers = append(a.closers, n.Close)
		}
	}

	a.vault = vault.New(
		cfg.BaseDir,
		vault.Volume{ContainerPath: cfg.ContainerFile, MountPath: cfg.MountDirectory},
		r,
		tool.New(cfg.Tool, cfg.ToolFlags...),
		publisher,
	)

	if err := a.vault.Init(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("probe vault status: %w", err)
	}

	return a, nil
}

func newRunner(cfg *config.Config) (runner.Runner, error) {
	if !cfg.Remote.Enabled() {
		return runner.NewShellRunner(cfg.Shell), nil
	}
	return runner.NewSSHRunner(runner.SSHOptions{
		Host:         cfg.Remote.Host,
		User:         cfg.Remote.User,
		IdentityFile: cfg.Remote.IdentityFile,
		KnownHosts:   cfg.Remote.KnownHosts,
	})
}

// logEvent is the CLI's own subscriber
func logEvent(e status.Event) {
	switch e.Type {
	case status.StatusChanged:
		log.Debug("vault status changed", "state", e.State.String())
	case status.OperationFailed:
		log.Error("vault operation failed", "operation", e.Op, "kind", e.Kind, "error", e.Err)
	case status.RefreshRequested:
		log.Debug("mount point contents changed", "path", e.Paths.MountPoint)
	}
}

func runStatus(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd, config.Overrides{})
	if err != nil {
		return err
	}
	defer a.Close()

	p := a.vault.Paths()
	fmt.Printf("%s\ncontainer: %s\nmount:     %s\n", a.vault.State(), p.Container, p.MountPoint)
	return nil
}

func runMount(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd, config.Overrides{})
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.vault.Mount(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("mounted %s on %s\n", p.Container, p.MountPoint)
	return nil
}

func runUnmount(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd, config.Overrides{})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.vault.Unmount(ctx); err != nil {
		return err
	}

	fmt.Printf("unmounted %s\n", a.vault.Paths().MountPoint)
	return nil
}

func runToggle(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd, config.Overrides{})
	if err != nil {
		return err
	}
	defer a.Close()

	state, err := a.vault.Toggle(ctx)
	if err != nil {
		return err
	}

	fmt.Println(state)
	return nil
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd, config.Overrides{
		Socket:     cmd.String("socket"),
		VolumeName: cmd.String("volume-name"),
	})
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.cfg
	log.Info("starting volume plugin",
		"volume", cfg.Plugin.VolumeName,
		"container", a.vault.Paths().Container,
		"mount_path", a.vault.Paths().MountPoint,
		"socket", cfg.Plugin.Socket,
	)

	interval, err := cfg.PollInterval()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if interval > 0 {
		go a.vault.Watch(ctx, interval)
	}

	// Create driver and handler
	d := driver.NewDriver(ctx, cfg.Plugin.VolumeName, a.vault)
	h := volume.NewHandler(d)

	// Ensure socket directory exists
	socketDir := filepath.Dir(cfg.Plugin.Socket)
	if err := os.MkdirAll(socketDir, 0755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	// Remove existing socket if present (stale from previous run)
	if err := os.Remove(cfg.Plugin.Socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	// Clean up socket on exit
	defer func() {
		if err := os.Remove(cfg.Plugin.Socket); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to remove socket on shutdown", "path", cfg.Plugin.Socket, "error", err)
		}
	}()

	log.Info("listening on socket", "path", cfg.Plugin.Socket)
	return h.ServeUnix(cfg.Plugin.Socket, 0)
}
