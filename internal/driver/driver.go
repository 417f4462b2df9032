package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/docker/go-plugins-helpers/volume"
	"github.com/moby/sys/mountinfo"

	"github.com/kriansa/vaultctl/internal/log"
	"github.com/kriansa/vaultctl/internal/paths"
	"github.com/kriansa/vaultctl/internal/status"
	"github.com/kriansa/vaultctl/internal/vault"
)

// Vault is the subset of the orchestrator the driver needs
type Vault interface {
	Mount(ctx context.Context) (paths.Volume, error)
	Unmount(ctx context.Context) error
	Refresh(ctx context.Context) (status.State, error)
	State() status.State
	Paths() paths.Volume
}

// Driver implements the Docker volume plugin interface for a single vault.
// The vault is exposed as one named volume; it cannot be created or removed
// through the plugin.
type Driver struct {
	ctx       context.Context
	name      string
	vault     Vault
	isMounted func(path string) (bool, error)
}

// NewDriver creates a new volume driver serving v under name
func NewDriver(ctx context.Context, name string, v Vault) *Driver {
	return &Driver{
		ctx:       ctx,
		name:      name,
		vault:     v,
		isMounted: mountinfo.Mounted,
	}
}

// Create accepts only the configured vault name, which always exists
func (d *Driver) Create(req *volume.CreateRequest) error {
	log.Debug("creating volume", "name", req.Name, "options", req.Options)

	if err := d.checkName(req.Name); err != nil {
		return err
	}
	if len(req.Options) > 0 {
		return fmt.Errorf("volume %s does not accept options", req.Name)
	}

	return nil
}

// Remove refuses to remove the vault
func (d *Driver) Remove(req *volume.RemoveRequest) error {
	log.Debug("removing volume", "name", req.Name)

	if err := d.checkName(req.Name); err != nil {
		return err
	}

	return fmt.Errorf("volume %s is backed by an encrypted container and cannot be removed", req.Name)
}

// Mount mounts the vault unless it is already mounted
func (d *Driver) Mount(req *volume.MountRequest) (*volume.MountResponse, error) {
	log.Debug("mounting volume", "name", req.Name, "id", req.ID)

	if err := d.checkName(req.Name); err != nil {
		return nil, err
	}

	state, err := d.vault.Refresh(d.ctx)
	if err != nil && !errors.Is(err, vault.ErrBusy) {
		return nil, fmt.Errorf("check mount status: %w", err)
	}

	if state == status.Mounted {
		mountPoint := d.vault.Paths().MountPoint
		log.Debug("volume already mounted", "name", req.Name, "path", mountPoint)
		return &volume.MountResponse{Mountpoint: mountPoint}, nil
	}

	p, err := d.vault.Mount(d.ctx)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}

	log.Info("volume mounted", "name", req.Name, "container", p.Container, "path", p.MountPoint)
	return &volume.MountResponse{Mountpoint: p.MountPoint}, nil
}

// Unmount dismounts the vault. An already unmounted vault is not an error.
func (d *Driver) Unmount(req *volume.UnmountRequest) error {
	log.Debug("unmounting volume", "name", req.Name, "id", req.ID)

	if err := d.checkName(req.Name); err != nil {
		return err
	}

	if err := d.vault.Unmount(d.ctx); err != nil {
		if errors.Is(err, vault.ErrNotMounted) {
			log.Debug("volume not mounted", "name", req.Name)
			return nil
		}
		return fmt.Errorf("unmount: %w", err)
	}

	log.Info("volume unmounted", "name", req.Name)
	return nil
}

// Path checks the vault status and returns its mount path if it is mounted
func (d *Driver) Path(req *volume.PathRequest) (*volume.PathResponse, error) {
	log.Debug("getting path", "name", req.Name)

	if err := d.checkName(req.Name); err != nil {
		return nil, err
	}

	// The vault may have been mounted or dismounted outside the plugin
	state, err := d.vault.Refresh(d.ctx)
	if err != nil && !errors.Is(err, vault.ErrBusy) {
		return nil, fmt.Errorf("check mount status: %w", err)
	}

	if state != status.Mounted {
		return nil, fmt.Errorf("volume %s is not mounted", req.Name)
	}

	return &volume.PathResponse{Mountpoint: d.vault.Paths().MountPoint}, nil
}

// Get returns information about the vault
func (d *Driver) Get(req *volume.GetRequest) (*volume.GetResponse, error) {
	log.Debug("getting volume info", "name", req.Name)

	if err := d.checkName(req.Name); err != nil {
		return nil, err
	}

	return &volume.GetResponse{Volume: d.describe()}, nil
}

// List returns the vault as the only volume
func (d *Driver) List() (*volume.ListResponse, error) {
	log.Debug("listing volumes")

	v := d.describe()
	return &volume.ListResponse{Volumes: []*volume.Volume{{Name: v.Name, Mountpoint: v.Mountpoint}}}, nil
}

// Capabilities returns the driver capabilities
func (d *Driver) Capabilities() *volume.CapabilitiesResponse {
	return &volume.CapabilitiesResponse{
		Capabilities: volume.Capability{
			Scope: "local",
		},
	}
}

// describe reports the published state. The kernel's view of the mount
// point is included so a disagreement with the tool is visible.
func (d *Driver) describe() *volume.Volume {
	p := d.vault.Paths()
	state := d.vault.State()

	var currentMountPoint string
	if state == status.Mounted {
		currentMountPoint = p.MountPoint
	}

	s := map[string]any{
		"state":     state.String(),
		"container": p.Container,
		"target":    p.MountPoint,
	}

	kernelMounted, err := d.isMounted(p.MountPoint)
	if err != nil {
		// Non-fatal, the tool remains the source of truth
		log.Debug("kernel mount check failed", "path", p.MountPoint, "error", err)
	} else {
		s["kernelMounted"] = kernelMounted
	}

	return &volume.Volume{
		Name:       d.name,
		Mountpoint: currentMountPoint,
		Status:     s,
	}
}

func (d *Driver) checkName(name string) error {
	if name != d.name {
		return fmt.Errorf("volume %s not found", name)
	}
	return nil
}
