//go:build windows

package process

import gproc "github.com/shirou/gopsutil/v4/process"

func processAlive(pid int) bool {
	ok, _ := gproc.PidExists(int32(pid))
	return ok
}
