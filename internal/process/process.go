package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultGracefulTimeout = 10 * time.Second
	DefaultKillTimeout     = 5 * time.Second
	DefaultShutdownCommand = "/stop"

	// readerDrain bounds how long exit handling waits for buffered output.
	readerDrain = 2 * time.Second
	maxLineSize = 1 << 20
)

// Options configures a Supervisor. Zero values fall back to defaults.
type Options struct {
	ShutdownCommand string
	GracefulTimeout time.Duration
	KillTimeout     time.Duration
	// PIDFile, when set, receives the PID of the running child.
	PIDFile string
	Logger  *slog.Logger

	// OnLine is called from reader goroutines for every non-blank line and
	// for the supervisor's own [manager] status lines.
	OnLine func(Line)
	// OnStatus is called after every status transition.
	OnStatus func(StatusChange)
}

// run holds the state of a single child process instance.
type run struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	inMu  sync.Mutex
	stdin io.WriteCloser
	in    *bufio.Writer

	stopRequested atomic.Bool
	readersDone   chan struct{}
	done          chan struct{} // closed once exit handling has finished
}

// Supervisor owns at most one child process at a time.
type Supervisor struct {
	opts Options
	log  *slog.Logger

	startMu sync.Mutex

	mu       sync.Mutex
	status   Status
	cur      *run
	stopping bool
	exitCode int
	seq      uint64

	notifyMu sync.Mutex
	notified uint64
}

func NewSupervisor(opts Options) *Supervisor {
	if opts.ShutdownCommand == "" {
		opts.ShutdownCommand = DefaultShutdownCommand
	}
	if opts.GracefulTimeout <= 0 {
		opts.GracefulTimeout = DefaultGracefulTimeout
	}
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = DefaultKillTimeout
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Supervisor{opts: opts, log: l.With("component", "supervisor")}
}

// SetShutdownCommand replaces the command written on graceful stop.
func (s *Supervisor) SetShutdownCommand(cmd string) {
	if strings.TrimSpace(cmd) == "" {
		return
	}
	s.mu.Lock()
	s.opts.ShutdownCommand = cmd
	s.mu.Unlock()
}

// Start launches the server described by spec.
func (s *Supervisor) Start(spec LaunchSpec) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if s.Running() {
		return ErrAlreadyRunning
	}

	exe := spec.ResolvedExecutable()
	if fi, err := os.Stat(exe); err != nil || fi.IsDir() {
		s.manager("EXE not found: " + exe)
		s.log.Error("server executable not found", "path", exe)
		s.transition(StatusCrashed, 0, -1)
		return fmt.Errorf("%w: %s", ErrExecutableNotFound, exe)
	}
	if spec.ConflictsWithDataPath() {
		s.manager("Launch blocked: --datapath must be set via config data_path.")
		s.log.Warn("launch blocked", "reason", "datapath in args", "args", spec.Args)
		s.transition(StatusStopped, 0, s.ExitCode())
		return ErrConflictingDataPath
	}
	argv, err := spec.Argv()
	if err != nil {
		s.manager("Launch blocked: " + err.Error())
		s.log.Warn("launch blocked", "reason", "bad args", "err", err)
		s.transition(StatusStopped, 0, s.ExitCode())
		return err
	}
	s.warnOrphan()

	cmd := exec.Command(exe, argv...)
	cmd.Dir = spec.workDir(exe)
	configureSysProcAttr(cmd)

	fail := func(err error) error {
		s.manager("Failed to start: " + err.Error())
		s.log.Error("failed to start server", "path", exe, "err", err)
		s.transition(StatusCrashed, 0, -1)
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fail(err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return fail(err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		closeAll(outR, outW)
		return fail(err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	s.manager("Launching: " + spec.Describe())
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		closeAll(outR, outW, errR, errW)
		return fail(err)
	}
	// The child holds its own copies of the write ends; readers see EOF once
	// every process in the tree has closed them.
	closeAll(outW, errW)

	r := &run{
		cmd:         cmd,
		pid:         cmd.Process.Pid,
		startedAt:   time.Now(),
		stdin:       stdin,
		in:          bufio.NewWriter(stdin),
		readersDone: make(chan struct{}),
		done:        make(chan struct{}),
	}
	s.mu.Lock()
	s.cur = r
	ch := s.transitionLocked(StatusRunning, r.pid, s.exitCode)
	s.mu.Unlock()

	// written before the exit waiter runs so its removal always comes last
	s.writePIDFile(r.pid)

	var readers sync.WaitGroup
	readers.Add(2)
	go s.pump(outR, StreamStdout, &readers)
	go s.pump(errR, StreamStderr, &readers)
	go func() {
		readers.Wait()
		close(r.readersDone)
	}()
	go s.waitAndHandleExit(r)

	s.log.Info("server started", "pid", r.pid, "dir", cmd.Dir)
	s.manager("Server started.")
	s.notify(ch)
	return nil
}

// SendLine writes text followed by a newline to the child's stdin.
func (s *Supervisor) SendLine(text string) error {
	s.mu.Lock()
	r := s.cur
	s.mu.Unlock()
	if r == nil {
		return ErrNotRunning
	}
	return r.writeLine(text)
}

func (r *run) writeLine(text string) error {
	r.inMu.Lock()
	defer r.inMu.Unlock()
	if _, err := r.in.WriteString(text + "\n"); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := r.in.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// Stop ends the running server. With graceful set it first writes the
// shutdown command and waits GracefulTimeout before killing the tree.
// Cancelling ctx during the graceful wait escalates to a kill.
func (s *Supervisor) Stop(ctx context.Context, graceful bool) error {
	s.mu.Lock()
	r := s.cur
	if r == nil {
		s.mu.Unlock()
		s.manager("Server is not running.")
		return ErrNotRunning
	}
	if s.stopping {
		s.mu.Unlock()
		return ErrStopInProgress
	}
	s.stopping = true
	r.stopRequested.Store(true)
	shutdown := s.opts.ShutdownCommand
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.stopping = false
		s.mu.Unlock()
	}()

	if graceful {
		s.manager("Sending " + shutdown + " ...")
		if err := r.writeLine(shutdown); err != nil {
			s.log.Warn("shutdown command not delivered", "err", err)
		}
		t := time.NewTimer(s.opts.GracefulTimeout)
		select {
		case <-r.done:
			t.Stop()
			return nil
		case <-t.C:
			s.manager("stop timeout; forcing close...")
			s.log.Warn("graceful stop timed out", "pid", r.pid, "timeout", s.opts.GracefulTimeout)
		case <-ctx.Done():
			t.Stop()
			s.manager("stop interrupted; forcing close...")
			s.log.Warn("graceful stop interrupted", "pid", r.pid, "err", ctx.Err())
		}
	}
	return s.kill(r)
}

// Kill terminates the process tree without sending the shutdown command.
func (s *Supervisor) Kill(ctx context.Context) error { return s.Stop(ctx, false) }

func (s *Supervisor) kill(r *run) error {
	if err := killTree(r.pid); err != nil {
		s.log.Warn("kill process tree", "pid", r.pid, "err", err)
		_ = r.cmd.Process.Kill()
	}
	t := time.NewTimer(s.opts.KillTimeout)
	defer t.Stop()
	select {
	case <-r.done:
		s.manager("Server stopped (killed).")
		return nil
	case <-t.C:
		s.log.Error("server did not exit after kill", "pid", r.pid)
		return ErrStopTimeout
	}
}

// waitAndHandleExit is the only waiter for a run's child process.
func (s *Supervisor) waitAndHandleExit(r *run) {
	err := r.cmd.Wait()
	code := -1
	if ps := r.cmd.ProcessState; ps != nil {
		code = ps.ExitCode()
	}
	select {
	case <-r.readersDone:
	case <-time.After(readerDrain):
	}
	r.inMu.Lock()
	_ = r.stdin.Close()
	r.inMu.Unlock()

	next := StatusCrashed
	if r.stopRequested.Load() {
		next = StatusStopped
	}

	s.mu.Lock()
	if s.cur == r {
		s.cur = nil
	}
	ch := s.transitionLocked(next, r.pid, code)
	s.mu.Unlock()

	s.removePIDFile()
	s.manager(fmt.Sprintf("Server exited (code %d).", code))
	if next == StatusCrashed {
		s.log.Error("server exited unexpectedly", "pid", r.pid, "code", code, "err", err, "uptime", time.Since(r.startedAt).Round(time.Second))
	} else {
		s.log.Info("server stopped", "pid", r.pid, "code", code)
	}
	close(r.done)
	s.notify(ch)
}

func (s *Supervisor) pump(rd io.ReadCloser, stream Stream, wg *sync.WaitGroup) {
	defer wg.Done()
	defer func() { _ = rd.Close() }()
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		s.emit(Line{Stream: stream, Text: text, Time: time.Now()})
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.log.Debug("console reader stopped", "stream", stream.String(), "err", err)
	}
}

// Status returns the current server status.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Running reports whether a child process is alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}

// PID returns the pid of the running child or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return 0
	}
	return s.cur.pid
}

// ExitCode returns the exit code of the last finished run.
func (s *Supervisor) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// StartedAt returns when the current run started, or the zero time.
func (s *Supervisor) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return time.Time{}
	}
	return s.cur.startedAt
}

func (s *Supervisor) transition(next Status, pid, code int) {
	s.mu.Lock()
	ch := s.transitionLocked(next, pid, code)
	s.mu.Unlock()
	s.notify(ch)
}

func (s *Supervisor) transitionLocked(next Status, pid, code int) StatusChange {
	s.seq++
	ch := StatusChange{Status: next, Previous: s.status, PID: pid, ExitCode: code, At: time.Now(), seq: s.seq}
	s.status = next
	s.exitCode = code
	return ch
}

// notify delivers changes in order; a change overtaken by a newer one is dropped.
// SetStatusHandler replaces Options.OnStatus.
func (s *Supervisor) SetStatusHandler(fn func(StatusChange)) {
	s.notifyMu.Lock()
	s.opts.OnStatus = fn
	s.notifyMu.Unlock()
}

func (s *Supervisor) notify(ch StatusChange) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if ch.seq <= s.notified {
		return
	}
	s.notified = ch.seq
	if s.opts.OnStatus != nil {
		s.opts.OnStatus(ch)
	}
}

func (s *Supervisor) manager(text string) {
	s.emit(Line{Stream: StreamManager, Text: text, Time: time.Now()})
}

func (s *Supervisor) emit(l Line) {
	if s.opts.OnLine != nil {
		s.opts.OnLine(l)
	}
}

func closeAll(fs ...*os.File) {
	for _, f := range fs {
		_ = f.Close()
	}
}
