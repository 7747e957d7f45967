package process

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	gproc "github.com/shirou/gopsutil/v4/process"
)

// ReadPIDFile reads a PID file written by the supervisor.
func ReadPIDFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	first, _, _ := strings.Cut(string(b), "\n")
	return strconv.Atoi(strings.TrimSpace(first))
}

func (s *Supervisor) writePIDFile(pid int) {
	if s.opts.PIDFile == "" || pid <= 0 {
		return
	}
	_ = os.MkdirAll(filepath.Dir(s.opts.PIDFile), 0o750)
	if err := os.WriteFile(s.opts.PIDFile, []byte(strconv.Itoa(pid)+"\n"), 0o600); err != nil {
		s.log.Warn("write pid file", "path", s.opts.PIDFile, "err", err)
	}
}

// removePIDFile best-effort
func (s *Supervisor) removePIDFile() {
	if s.opts.PIDFile == "" {
		return
	}
	_ = os.Remove(s.opts.PIDFile)
}

// warnOrphan logs when the PID file points at a live process left behind by
// an earlier session.
func (s *Supervisor) warnOrphan() {
	if s.opts.PIDFile == "" {
		return
	}
	pid, err := ReadPIDFile(s.opts.PIDFile)
	if err != nil || pid <= 0 {
		return
	}
	if alive, _ := gproc.PidExists(int32(pid)); alive {
		s.manager("A server from a previous session may still be running (pid " + strconv.Itoa(pid) + ").")
		s.log.Warn("possible orphaned server process", "pid", pid, "pidfile", s.opts.PIDFile)
	}
}
