// Package tool builds the command lines understood by the volume encryption tool.
package tool

import "strings"

// DefaultBinary is the encryption tool invoked when none is configured
const DefaultBinary = "veracrypt"

// NoVolumesMarker is the text the tool prints on stderr when listing
// finds nothing mounted
const NoVolumesMarker = "No volumes mounted"

// Commands builds list, mount and dismount command lines for a shell
type Commands struct {
	binary string
	flags  []string
}

// New creates a command builder for binary. Flags are placed before every
// subcommand, e.g. "--text" or "--non-interactive".
func New(binary string, flags ...string) Commands {
	if binary == "" {
		binary = DefaultBinary
	}
	return Commands{binary: binary, flags: flags}
}

// Binary returns the tool executable
func (c Commands) Binary() string {
	return c.binary
}

// List returns the command that lists mounted volumes
func (c Commands) List() string {
	return c.line("--list")
}

// Mount returns the command that mounts container at target
func (c Commands) Mount(container, target string) string {
	return c.line("--mount", literal(container), literal(target))
}

// Dismount returns the command that dismounts the volume at target
func (c Commands) Dismount(target string) string {
	return c.line("--dismount", literal(target))
}

func (c Commands) line(args ...string) string {
	parts := make([]string, 0, 1+len(c.flags)+len(args))
	parts = append(parts, Quote(c.binary))
	for _, f := range c.flags {
		parts = append(parts, Quote(f))
	}
	parts = append(parts, args...)
	return strings.Join(parts, " ")
}

// Quote returns s as a single POSIX shell word. Words made only of safe
// characters are left bare; anything else is single-quoted.
func Quote(s string) string {
	if s != "" && strings.Trim(s, safeChars) == "" {
		return s
	}
	return literal(s)
}

// literal single-quotes s unconditionally. Paths always go through here so
// the shell never expands anything inside them.
func literal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

const safeChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_./=:@%+,"
