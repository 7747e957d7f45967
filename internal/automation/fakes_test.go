package automation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/loykin/warden/internal/backup"
	"github.com/loykin/warden/internal/config"
	"github.com/loykin/warden/internal/process"
)

func waitUntil(timeout, step time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(step)
	}
	return false
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// fakeServer records commands and reports transitions like the supervisor.
type fakeServer struct {
	mu       sync.Mutex
	running  bool
	pid      int
	sent     []string
	starts   int
	stops    int
	kills    int
	sendWait time.Duration
	inflight int
	maxIn    int
	onStatus func(process.StatusChange)
	// beforeStart runs at the top of Start, outside the lock.
	beforeStart func()
}

func (f *fakeServer) transition(st process.Status, pid int) {
	if f.onStatus != nil {
		f.onStatus(process.StatusChange{Status: st, PID: pid, At: time.Now()})
	}
}

func (f *fakeServer) Start(process.LaunchSpec) error {
	f.mu.Lock()
	hook := f.beforeStart
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return process.ErrAlreadyRunning
	}
	f.running = true
	f.starts++
	f.pid = 1000 + f.starts
	pid := f.pid
	f.mu.Unlock()
	f.transition(process.StatusRunning, pid)
	return nil
}

func (f *fakeServer) Stop(_ context.Context, graceful bool) error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return process.ErrNotRunning
	}
	f.running = false
	if graceful {
		f.stops++
	} else {
		f.kills++
	}
	f.pid = 0
	f.mu.Unlock()
	f.transition(process.StatusStopped, 0)
	return nil
}

func (f *fakeServer) Kill(ctx context.Context) error { return f.Stop(ctx, false) }

func (f *fakeServer) SendLine(text string) error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return process.ErrNotRunning
	}
	f.inflight++
	if f.inflight > f.maxIn {
		f.maxIn = f.inflight
	}
	wait := f.sendWait
	f.mu.Unlock()

	time.Sleep(wait)

	f.mu.Lock()
	f.inflight--
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeServer) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeServer) Status() process.Status {
	if f.Running() {
		return process.StatusRunning
	}
	return process.StatusStopped
}

func (f *fakeServer) PID() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pid
}

func (f *fakeServer) count(text string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s == text {
			n++
		}
	}
	return n
}

func (f *fakeServer) countPrefix(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *fakeServer) setBeforeStart(fn func()) {
	f.mu.Lock()
	f.beforeStart = fn
	f.mu.Unlock()
}

func (f *fakeServer) counts() (starts, stops, kills int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops, f.kills
}

type fakeRetention struct {
	mu       sync.Mutex
	calls    int
	inflight int
	maxIn    int
	wait     time.Duration
	limits   []backup.Limits
}

func (r *fakeRetention) Enforce(_ string, l backup.Limits) (backup.Report, error) {
	r.mu.Lock()
	r.calls++
	r.inflight++
	if r.inflight > r.maxIn {
		r.maxIn = r.inflight
	}
	r.limits = append(r.limits, l)
	r.mu.Unlock()
	time.Sleep(r.wait)
	r.mu.Lock()
	r.inflight--
	r.mu.Unlock()
	return backup.Report{}, nil
}

func (r *fakeRetention) stats() (calls, maxIn int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, r.maxIn
}

// startScheduler wires a scheduler to srv and runs its loop until the test ends.
func startScheduler(t *testing.T, cfg config.ServerConfig, srv *fakeServer, opts Options) *Scheduler {
	t.Helper()
	opts.Server = srv
	s := New(cfg, opts)
	srv.onStatus = s.OnStatus
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}
