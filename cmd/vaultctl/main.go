package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/kriansa/vaultctl/internal/config"
	"github.com/kriansa/vaultctl/internal/version"
)

func main() {
	// -v is taken by --verbose
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"V"},
		Usage:   "Print version information",
	}

	cmd := &cli.Command{
		Name:    "vaultctl",
		Version: version.String(),
		Usage:   "Mount and unmount an encrypted container with an external encryption tool",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Configuration file path",
				Value:   config.DefaultConfigPath(),
			},
			&cli.StringFlag{
				Name:    "base-dir",
				Aliases: []string{"b"},
				Usage:   "Storage root relative paths are resolved against (default: working directory)",
			},
			&cli.StringFlag{
				Name:  "container",
				Usage: "Encrypted container file, absolute or relative to the base directory",
			},
			&cli.StringFlag{
				Name:    "mount-dir",
				Aliases: []string{"m"},
				Usage:   "Mount directory relative to the base directory",
			},
			&cli.StringFlag{
				Name:    "tool",
				Aliases: []string{"t"},
				Usage:   "Encryption tool executable",
			},
			&cli.BoolFlag{
				Name:  "notify",
				Usage: "Show desktop notifications",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "Print whether the vault is mounted",
				Action: runStatus,
			},
			{
				Name:   "mount",
				Usage:  "Mount the vault",
				Action: runMount,
			},
			{
				Name:   "unmount",
				Usage:  "Unmount the vault",
				Action: runUnmount,
			},
			{
				Name:   "toggle",
				Usage:  "Mount the vault if it is unmounted, unmount it otherwise",
				Action: runToggle,
			},
			{
				Name:  "serve",
				Usage: "Serve the vault as a Podman/Docker volume plugin",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "socket",
						Aliases: []string{"s"},
						Usage:   "Unix socket path for the plugin",
					},
					&cli.StringFlag{
						Name:  "volume-name",
						Usage: "Volume name the vault is exposed as",
					},
				},
				Action: runServe,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
