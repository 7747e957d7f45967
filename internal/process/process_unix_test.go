//go:build !windows

package process

import (
	"bytes"
	"os"
	"strconv"
	"syscall"
)

// processAlive treats zombies as dead; an orphan may linger unreaped in a container.
func processAlive(pid int) bool {
	if syscall.Kill(pid, 0) != nil {
		return false
	}
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return true
	}
	return !bytes.Contains(b, []byte("State:\tZ"))
}
