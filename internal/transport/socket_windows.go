//go:build windows

package transport

import "os"

// Named pipes carry no permission bits we can test up front; existence is
// the best pre-flight check.
func checkSocket(path string) error {
	_, err := os.Stat(path)
	return err
}
