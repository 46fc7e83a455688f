//go:build !windows

package transport

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// checkSocket requires the engine socket to be readable and writable by
// the current process.
func checkSocket(path string) error {
	if err := unix.Access(path, unix.R_OK|unix.W_OK); err != nil {
		return fmt.Errorf("not readable and writable: %w", err)
	}
	return nil
}
