//go:build unix

package procwatch

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Probe sends signal 0 to pid. EPERM still proves the process exists.
func Probe(pid int) Liveness {
	if pid <= 0 {
		return Unknown
	}
	err := unix.Kill(pid, 0)
	switch {
	case err == nil, errors.Is(err, unix.EPERM):
		return Alive
	case errors.Is(err, unix.ESRCH):
		return Gone
	default:
		return Unknown
	}
}
