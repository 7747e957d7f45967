package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh on Unix-like systems")
	}
}

func waitUntilProc(timeout, step time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(step)
	}
	return false
}

type recorder struct {
	mu       sync.Mutex
	lines    []Line
	statuses []StatusChange
}

func (r *recorder) onLine(l Line) {
	r.mu.Lock()
	r.lines = append(r.lines, l)
	r.mu.Unlock()
}

func (r *recorder) onStatus(ch StatusChange) {
	r.mu.Lock()
	r.statuses = append(r.statuses, ch)
	r.mu.Unlock()
}

func (r *recorder) saw(display string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.lines {
		if l.Display() == display {
			return true
		}
	}
	return false
}

func (r *recorder) lastStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return StatusUnknown
	}
	return r.statuses[len(r.statuses)-1].Status
}

func newTestSupervisor(t *testing.T, opts Options) (*Supervisor, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts.OnLine = rec.onLine
	opts.OnStatus = rec.onStatus
	s := NewSupervisor(opts)
	t.Cleanup(func() {
		if s.Running() {
			_ = s.Kill(context.Background())
		}
	})
	return s, rec
}

func shSpec(script string) LaunchSpec {
	return LaunchSpec{Executable: "/bin/sh", Args: "-c '" + script + "'"}
}

const echoLoop = `while read l; do echo "got:$l"; if [ "$l" = "/stop" ]; then exit 0; fi; done`

func TestStartExecutableNotFound(t *testing.T) {
	s, rec := newTestSupervisor(t, Options{})
	missing := filepath.Join(t.TempDir(), "nope", "VintagestoryServer")
	err := s.Start(LaunchSpec{Executable: missing})
	if !errors.Is(err, ErrExecutableNotFound) {
		t.Fatalf("want ErrExecutableNotFound, got %v", err)
	}
	if s.Status() != StatusCrashed {
		t.Fatalf("status = %v, want crashed", s.Status())
	}
	if !rec.saw("[manager] EXE not found: " + missing) {
		t.Fatalf("missing status line, got %+v", rec.lines)
	}
}

func TestStartBlocksDataPathInArgs(t *testing.T) {
	requireUnix(t)
	for _, args := range []string{"--datapath /srv/data", "--DataPath x", "-v --DATAPATH=x", "--dataPath", `"--dataPath" /srv/other`} {
		s, _ := newTestSupervisor(t, Options{})
		err := s.Start(LaunchSpec{Executable: "/bin/sh", Args: args})
		if !errors.Is(err, ErrConflictingDataPath) {
			t.Fatalf("args %q: want ErrConflictingDataPath, got %v", args, err)
		}
		if s.Status() != StatusStopped || s.Running() || s.PID() != 0 {
			t.Fatalf("args %q: nothing should be spawned, status=%v pid=%d", args, s.Status(), s.PID())
		}
	}
}

func TestStartInvalidArguments(t *testing.T) {
	requireUnix(t)
	s, _ := newTestSupervisor(t, Options{})
	err := s.Start(LaunchSpec{Executable: "/bin/sh", Args: `-c "unterminated`})
	if !errors.Is(err, ErrInvalidArguments) {
		t.Fatalf("want ErrInvalidArguments, got %v", err)
	}
	if s.Status() != StatusStopped {
		t.Fatalf("status = %v, want stopped", s.Status())
	}
}

func TestSendLineNotRunning(t *testing.T) {
	s := NewSupervisor(Options{})
	if err := s.SendLine("/list clients"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("want ErrNotRunning, got %v", err)
	}
	if err := s.Stop(context.Background(), true); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("want ErrNotRunning from Stop, got %v", err)
	}
}

func TestSendLineAndGracefulStop(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	pidfile := filepath.Join(dir, "server.pid")
	s, rec := newTestSupervisor(t, Options{PIDFile: pidfile, GracefulTimeout: 3 * time.Second})

	if err := s.Start(shSpec(echoLoop)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !s.Running() || s.PID() <= 0 || s.Status() != StatusRunning {
		t.Fatalf("not running after start: status=%v pid=%d", s.Status(), s.PID())
	}
	if err := s.Start(shSpec(echoLoop)); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start: want ErrAlreadyRunning, got %v", err)
	}
	if pid, err := ReadPIDFile(pidfile); err != nil || pid != s.PID() {
		t.Fatalf("pid file = %d (%v), want %d", pid, err, s.PID())
	}

	if err := s.SendLine("hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !waitUntilProc(2*time.Second, 10*time.Millisecond, func() bool { return rec.saw("got:hello") }) {
		t.Fatalf("echo not observed: %+v", rec.lines)
	}

	if err := s.Stop(context.Background(), true); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.Status() != StatusStopped || s.ExitCode() != 0 {
		t.Fatalf("after stop: status=%v code=%d", s.Status(), s.ExitCode())
	}
	if !rec.saw("got:/stop") || !rec.saw("[manager] Server exited (code 0).") {
		t.Fatalf("missing shutdown lines: %+v", rec.lines)
	}
	if _, err := os.Stat(pidfile); !os.IsNotExist(err) {
		t.Fatalf("pid file should be removed, stat err=%v", err)
	}
	if !waitUntilProc(time.Second, 10*time.Millisecond, func() bool { return rec.lastStatus() == StatusStopped }) {
		t.Fatalf("OnStatus did not report stopped")
	}
}

func TestStderrLinesArePrefixed(t *testing.T) {
	requireUnix(t)
	s, rec := newTestSupervisor(t, Options{})
	if err := s.Start(shSpec(`echo; echo oops 1>&2; echo fine; sleep 5`)); err != nil {
		t.Fatalf("start: %v", err)
	}
	ok := waitUntilProc(2*time.Second, 10*time.Millisecond, func() bool {
		return rec.saw("[err] oops") && rec.saw("fine")
	})
	if !ok {
		t.Fatalf("lines not observed: %+v", rec.lines)
	}
	rec.mu.Lock()
	for _, l := range rec.lines {
		if strings.TrimSpace(l.Text) == "" {
			t.Errorf("blank line delivered: %+v", l)
		}
	}
	rec.mu.Unlock()
}

func TestUnexpectedExitIsCrash(t *testing.T) {
	requireUnix(t)
	s, rec := newTestSupervisor(t, Options{})
	if err := s.Start(shSpec(`exit 3`)); err != nil {
		t.Fatalf("start: %v", err)
	}
	ok := waitUntilProc(2*time.Second, 10*time.Millisecond, func() bool {
		return s.Status() == StatusCrashed
	})
	if !ok {
		t.Fatalf("status = %v, want crashed", s.Status())
	}
	if s.ExitCode() != 3 || s.Running() {
		t.Fatalf("exit code = %d running=%v", s.ExitCode(), s.Running())
	}
	if !waitUntilProc(time.Second, 10*time.Millisecond, func() bool { return rec.saw("[manager] Server exited (code 3).") }) {
		t.Fatalf("missing exit line: %+v", rec.lines)
	}
}

func TestStopForcesStubbornChild(t *testing.T) {
	requireUnix(t)
	s, rec := newTestSupervisor(t, Options{
		GracefulTimeout: 200 * time.Millisecond,
		KillTimeout:     2 * time.Second,
	})
	if err := s.Start(shSpec(`trap "" TERM; while true; do sleep 0.05; done`)); err != nil {
		t.Fatalf("start: %v", err)
	}
	start := time.Now()
	if err := s.Stop(context.Background(), true); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if time.Since(start) < 200*time.Millisecond {
		t.Fatalf("stop returned before the graceful timeout")
	}
	if s.Status() != StatusStopped {
		t.Fatalf("status = %v, want stopped (operator stop, not crash)", s.Status())
	}
	if !rec.saw("[manager] stop timeout; forcing close...") || !rec.saw("[manager] Server stopped (killed).") {
		t.Fatalf("missing escalation lines: %+v", rec.lines)
	}
}

func TestStopContextCancelEscalates(t *testing.T) {
	requireUnix(t)
	s, _ := newTestSupervisor(t, Options{GracefulTimeout: 10 * time.Second})
	if err := s.Start(shSpec(`while true; do sleep 0.05; done`)); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := s.Stop(ctx, true); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("cancel did not escalate promptly")
	}
	if s.Status() != StatusStopped {
		t.Fatalf("status = %v, want stopped", s.Status())
	}
}

func TestConcurrentStopReportsInProgress(t *testing.T) {
	requireUnix(t)
	s, _ := newTestSupervisor(t, Options{GracefulTimeout: 500 * time.Millisecond})
	if err := s.Start(shSpec(`trap "" TERM; while true; do sleep 0.05; done`)); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := make(chan error, 1)
	go func() { first <- s.Stop(context.Background(), true) }()
	time.Sleep(50 * time.Millisecond)
	if err := s.Stop(context.Background(), false); !errors.Is(err, ErrStopInProgress) {
		t.Fatalf("want ErrStopInProgress, got %v", err)
	}
	if err := <-first; err != nil {
		t.Fatalf("first stop: %v", err)
	}
}

func TestKillTerminatesProcessGroup(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	marker := filepath.Join(dir, "child.pid")
	s, _ := newTestSupervisor(t, Options{})
	script := `sleep 30 & echo $! > ` + marker + `; wait`
	if err := s.Start(shSpec(script)); err != nil {
		t.Fatalf("start: %v", err)
	}
	var child int
	ok := waitUntilProc(2*time.Second, 10*time.Millisecond, func() bool {
		pid, err := ReadPIDFile(marker)
		child = pid
		return err == nil && pid > 0
	})
	if !ok {
		t.Fatalf("grandchild pid not written")
	}
	if err := s.Kill(context.Background()); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if !waitUntilProc(2*time.Second, 20*time.Millisecond, func() bool { return !processAlive(child) }) {
		t.Fatalf("grandchild %d survived the tree kill", child)
	}
}

func TestImmediateExitLeavesNoPIDFile(t *testing.T) {
	requireUnix(t)
	pidfile := filepath.Join(t.TempDir(), "server.pid")
	for i := 0; i < 20; i++ {
		s, rec := newTestSupervisor(t, Options{PIDFile: pidfile})
		if err := s.Start(shSpec(`exit 0`)); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		// the exit line is emitted after the pid file is removed
		if !waitUntilProc(2*time.Second, 5*time.Millisecond, func() bool { return rec.saw("[manager] Server exited (code 0).") }) {
			t.Fatalf("run %d: child did not exit", i)
		}
		if _, err := os.Stat(pidfile); !os.IsNotExist(err) {
			t.Fatalf("run %d: stale pid file left behind (stat err=%v)", i, err)
		}
	}
}
