// Package validation checks user supplied names and paths before they reach
// the volume plugin or the encryption tool.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// Length bounds of a plugin volume name
const (
	MinNameLength = 2
	MaxNameLength = 65
)

// volumeNamePattern follows the daemon's volume naming rules, see
// https://github.com/moby/moby/blob/master/daemon/names/names.go
var volumeNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// ValidateVolumeName checks the name the vault is published under by the
// volume plugin.
func ValidateVolumeName(name string) error {
	switch {
	case len(name) < MinNameLength, len(name) > MaxNameLength:
		return fmt.Errorf("volume name %q must be %d to %d characters long", name, MinNameLength, MaxNameLength)
	case !volumeNamePattern.MatchString(name):
		return fmt.Errorf("volume name %q must start with a letter or digit and contain only letters, digits, '_', '.' or '-'", name)
	}
	return nil
}

// ValidatePath checks that a configured path can be passed to the tool as a
// single shell argument. field names the setting in error messages.
func ValidatePath(field, p string) error {
	if strings.TrimSpace(p) == "" {
		return fmt.Errorf("%s must not be empty", field)
	}

	if strings.ContainsAny(p, "\x00\n\r") {
		return fmt.Errorf("%s must not contain NUL or line breaks", field)
	}

	return nil
}
