// Package identifier validates user-supplied names that end up in argv and
// filenames: share tags, disk tags, and the daemon's "user" field.
package identifier

import (
	"fmt"
	"regexp"
)

// pattern is the single rule every identifier in this system must satisfy:
// ASCII letters, digits, dot, underscore, dash — no whitespace, no slash, no
// shell metacharacters. Tags are pasted into argv for cloud-hypervisor,
// virtiofsd, and crosvm, and into socket filenames; this set eliminates
// injection and quoting ambiguity without needing to escape anything.
var pattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Error reports that a string failed identifier validation.
type Error struct {
	Value string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%q is not a valid identifier, must match %s", e.Value, pattern.String())
}

// Validate returns name unchanged if it matches the identifier pattern, or
// an *Error otherwise. Total and side-effect-free.
func Validate(name string) (string, error) {
	if !pattern.MatchString(name) {
		return "", &Error{Value: name}
	}
	return name, nil
}
