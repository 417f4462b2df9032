package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kriansa/vaultctl/internal/validation"
)

const (
	// DefaultContainerFile is the container file name relative to the base directory
	DefaultContainerFile = "container.vc"
	// DefaultTool is the volume encryption tool
	DefaultTool = "veracrypt"
	// DefaultShell interprets the tool command lines
	DefaultShell = "/bin/sh"
	// DefaultSocketPath is the Unix socket path for the volume plugin
	DefaultSocketPath = "/run/podman/plugins/vaultctl.sock"
	// DefaultVolumeName is the name the vault is served under by the plugin
	DefaultVolumeName = "vault"
	// DefaultPollInterval is how often the plugin refreshes the vault status
	DefaultPollInterval = 30 * time.Second
)

// DefaultConfigPath returns the per-user config file location
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "vaultctl.toml"
	}
	return filepath.Join(dir, "vaultctl", "config.toml")
}

// Config holds the vault configuration
type Config struct {
	// BaseDir is the storage root relative paths are resolved against
	BaseDir string `toml:"base_dir"`
	// ContainerFile is the encrypted container, absolute or relative to BaseDir
	ContainerFile string `toml:"container_file"`
	// MountDirectory is where the vault is mounted, relative to BaseDir.
	// It has no default and must be set before mounting.
	MountDirectory string `toml:"mount_directory"`
	// Tool is the encryption tool executable
	Tool string `toml:"tool"`
	// ToolFlags are passed to the tool before every subcommand
	ToolFlags []string `toml:"tool_flags"`
	// Shell interprets tool command lines locally
	Shell string `toml:"shell"`
	// Notify enables desktop notifications
	Notify bool `toml:"notify"`

	Remote Remote `toml:"remote"`
	Plugin Plugin `toml:"plugin"`
}

// Remote runs the tool on another host over SSH when Host is set
type Remote struct {
	Host         string `toml:"host"`
	User         string `toml:"user"`
	IdentityFile string `toml:"identity_file"`
	KnownHosts   string `toml:"known_hosts"`
}

// Enabled reports whether commands run on a remote host
func (r Remote) Enabled() bool {
	return r.Host != ""
}

// Plugin configures the volume plugin served by `vaultctl serve`
type Plugin struct {
	// Socket is the Unix socket path for the plugin
	Socket string `toml:"socket"`
	// VolumeName is the volume name the vault is exposed as
	VolumeName string `toml:"volume_name"`
	// PollInterval is a Go duration; "0" disables status polling
	PollInterval string `toml:"poll_interval"`
}

// Overrides are values given on the command line. Empty values are ignored.
type Overrides struct {
	BaseDir        string
	ContainerFile  string
	MountDirectory string
	Tool           string
	Socket         string
	VolumeName     string
	Notify         bool
}

// Load loads configuration from a TOML file
// Returns an empty config if the file doesn't exist
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// Merge merges CLI flags into the config, with CLI flags taking precedence
// over config file values.
func (c *Config) Merge(o Overrides) {
	if o.BaseDir != "" {
		c.BaseDir = o.BaseDir
	}
	if o.ContainerFile != "" {
		c.ContainerFile = o.ContainerFile
	}
	if o.MountDirectory != "" {
		c.MountDirectory = o.MountDirectory
	}
	if o.Tool != "" {
		c.Tool = o.Tool
	}
	if o.Socket != "" {
		c.Plugin.Socket = o.Socket
	}
	if o.VolumeName != "" {
		c.Plugin.VolumeName = o.VolumeName
	}
	if o.Notify {
		c.Notify = true
	}
}

// ApplyDefaults applies default values for any unset fields. A local base
// directory defaults to the working directory and is made absolute.
func (c *Config) ApplyDefaults() error {
	if c.ContainerFile == "" {
		c.ContainerFile = DefaultContainerFile
	}
	if c.Tool == "" {
		c.Tool = DefaultTool
	}
	if c.Shell == "" {
		c.Shell = DefaultShell
	}
	if c.Plugin.Socket == "" {
		c.Plugin.Socket = DefaultSocketPath
	}
	if c.Plugin.VolumeName == "" {
		c.Plugin.VolumeName = DefaultVolumeName
	}
	if c.Plugin.PollInterval == "" {
		c.Plugin.PollInterval = DefaultPollInterval.String()
	}

	if c.Remote.Enabled() {
		if c.Remote.KnownHosts == "" {
			if home, err := os.UserHomeDir(); err == nil {
				c.Remote.KnownHosts = filepath.Join(home, ".ssh", "known_hosts")
			}
		}
		return nil
	}

	if c.BaseDir == "" {
		c.BaseDir = "."
	}
	abs, err := filepath.Abs(c.BaseDir)
	if err != nil {
		return fmt.Errorf("resolve base directory: %w", err)
	}
	c.BaseDir = abs
	return nil
}

// Validate validates the configuration
// Note: an empty mount directory is accepted here and rejected when mounting
func (c *Config) Validate() error {
	if !filepath.IsAbs(c.BaseDir) {
		return fmt.Errorf("base directory must be absolute, got %q", c.BaseDir)
	}

	if err := validation.ValidatePath("container file", c.ContainerFile); err != nil {
		return err
	}

	if c.MountDirectory != "" {
		if err := validation.ValidatePath("mount directory", c.MountDirectory); err != nil {
			return err
		}
	}

	if c.Tool == "" {
		return fmt.Errorf("tool is required")
	}

	if err := validation.ValidateVolumeName(c.Plugin.VolumeName); err != nil {
		return fmt.Errorf("plugin volume_name: %w", err)
	}

	if c.Remote.Enabled() {
		if c.Remote.User == "" {
			return fmt.Errorf("remote user is required when remote host is set")
		}
		if c.Remote.IdentityFile == "" {
			return fmt.Errorf("remote identity_file is required when remote host is set")
		}
	}

	if _, err := c.PollInterval(); err != nil {
		return err
	}

	return nil
}

// PollInterval returns the parsed plugin poll interval
func (c *Config) PollInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Plugin.PollInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid poll_interval %q: %w", c.Plugin.PollInterval, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("poll_interval cannot be negative")
	}
	return d, nil
}
