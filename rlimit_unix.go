//go:build unix

package ringboot

import (
	"golang.org/x/sys/unix"
)

// raiseFileLimit lifts the soft file descriptor limit to its hard cap.
func raiseFileLimit() error {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return err
	}
	if lim.Cur == lim.Max {
		return nil
	}
	lim.Cur = lim.Max
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &lim)
}
