//go:build !windows

package fileutil

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FlockExclusive takes an exclusive advisory lock on f. The lock is held
// until f is closed.
func FlockExclusive(f *os.File, nonBlocking bool) error {
	how := unix.LOCK_EX
	if nonBlocking {
		how |= unix.LOCK_NB
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		return fmt.Errorf("failed to acquire exclusive lock: %w", err)
	}
	return nil
}
