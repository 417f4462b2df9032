// Package paths resolves configured container and mount locations against the
// host's storage root.
package paths

import "path/filepath"

// Volume holds the absolute locations used for one mount
type Volume struct {
	// Container is the encrypted container file
	Container string
	// MountPoint is the directory the decrypted volume is mounted on
	MountPoint string
}

// Resolve returns p unchanged when it is already absolute, otherwise p joined
// under base.
func Resolve(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Resolver resolves the configured container and mount paths against a base
type Resolver struct {
	Base string
}

// Volume resolves the container file and mount directory independently
func (r Resolver) Volume(container, mountPoint string) Volume {
	return Volume{
		Container:  Resolve(r.Base, container),
		MountPoint: Resolve(r.Base, mountPoint),
	}
}
