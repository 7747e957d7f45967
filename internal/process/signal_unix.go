//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// killTree sends SIGKILL to the child's process group.
func killTree(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
