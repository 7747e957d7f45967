// Package manager wires the supervisor, player tracker, resource sampler and
// automation scheduler into one object owned by the caller.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/warden/internal/automation"
	"github.com/loykin/warden/internal/backup"
	"github.com/loykin/warden/internal/config"
	"github.com/loykin/warden/internal/console"
	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/players"
	"github.com/loykin/warden/internal/process"
)

// DisplayFunc receives every line meant for the operator.
type DisplayFunc func(l process.Line, sev console.Severity)

type Options struct {
	Logger  *slog.Logger
	Display DisplayFunc
	// Transcript receives the displayed console lines, one per row.
	Transcript io.Writer
	History    *history.Recorder
	// Sampler defaults to a gopsutil-backed sampler.
	Sampler automation.Sampler

	// Tuning for the scheduler. Zero values use its defaults.
	Minute       time.Duration
	RestartCheck time.Duration
	PollInterval time.Duration
	Grace        time.Duration
	Settle       time.Duration
	Now          func() time.Time
}

// Manager owns one supervised server and its automation.
type Manager struct {
	log     *slog.Logger
	display DisplayFunc

	sup     *process.Supervisor
	tracker *players.Tracker
	sched   *automation.Scheduler

	mu  sync.RWMutex
	cfg config.ServerConfig

	trMu       sync.Mutex
	transcript io.Writer
}

// New builds a manager for cfg. A pattern that does not compile is an error.
func New(cfg config.ServerConfig, opts Options) (*Manager, error) {
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	cls, err := console.NewClassifier(cfg.Patterns)
	if err != nil {
		return nil, fmt.Errorf("console patterns: %w", err)
	}
	m := &Manager{
		log:        l,
		display:    opts.Display,
		cfg:        cfg,
		transcript: opts.Transcript,
	}
	m.sup = process.NewSupervisor(process.Options{
		ShutdownCommand: cfg.Commands.Shutdown,
		GracefulTimeout: cfg.Server.GracefulTimeout,
		KillTimeout:     cfg.Server.KillTimeout,
		PIDFile:         cfg.Server.PIDFile,
		Logger:          l,
		OnLine:          m.onLine,
	})
	m.tracker = players.New(m.sup, cls, players.Options{
		ListCommand: cfg.Commands.ListClients,
		Settle:      opts.Settle,
		Logger:      l,
	})
	sampler := opts.Sampler
	if sampler == nil {
		sampler = metrics.NewResourceSampler(metrics.NewSystemProbe())
	}
	m.sched = automation.New(cfg, automation.Options{
		Server:       m.sup,
		Players:      m.tracker,
		Sampler:      sampler,
		Retention:    backup.NewEnforcer(l),
		History:      opts.History,
		Logger:       l,
		Output:       m.onLine,
		Minute:       opts.Minute,
		RestartCheck: opts.RestartCheck,
		PollInterval: opts.PollInterval,
		Grace:        opts.Grace,
		Now:          opts.Now,
	})
	m.sup.SetStatusHandler(m.sched.OnStatus)
	return m, nil
}

// Run drives the automation loop until ctx is done.
func (m *Manager) Run(ctx context.Context) error { return m.sched.Run(ctx) }

func (m *Manager) Config() config.ServerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// ApplyConfig swaps in a new configuration. Launch settings take effect on
// the next start; timers are re-derived at once.
func (m *Manager) ApplyConfig(ctx context.Context, cfg config.ServerConfig) error {
	cls, err := console.NewClassifier(cfg.Patterns)
	if err != nil {
		return fmt.Errorf("console patterns: %w", err)
	}
	m.tracker.Configure(cls, cfg.Commands.ListClients)
	m.sup.SetShutdownCommand(cfg.Commands.Shutdown)
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return m.sched.ApplyConfig(ctx, cfg)
}

func (m *Manager) Start(ctx context.Context) error { return m.sched.Do(ctx, automation.CmdStart, "") }

// Stop shuts the server down. A graceful stop sends the shutdown command first.
func (m *Manager) Stop(ctx context.Context, graceful bool) error {
	if graceful {
		return m.sched.Do(ctx, automation.CmdStop, "")
	}
	return m.sched.Do(ctx, automation.CmdKill, "")
}

func (m *Manager) Restart(ctx context.Context) error {
	return m.sched.Do(ctx, automation.CmdRestart, "")
}
func (m *Manager) Save(ctx context.Context) error   { return m.sched.Do(ctx, automation.CmdSave, "") }
func (m *Manager) Backup(ctx context.Context) error { return m.sched.Do(ctx, automation.CmdBackup, "") }

// Send writes a free-form command to the server console and echoes it.
func (m *Manager) Send(ctx context.Context, text string) error {
	return m.sched.Do(ctx, automation.CmdSend, text)
}

func (m *Manager) PollPlayers(ctx context.Context) error {
	return m.sched.Do(ctx, automation.CmdPollPlayers, "")
}

func (m *Manager) Snapshot() automation.Snapshot { return m.sched.Snapshot() }

func (m *Manager) Running() bool { return m.sup.Running() }

// Shutdown stops a running server gracefully, bypassing the scheduler loop so
// it also works after the loop has exited.
// A restart sequence in flight is cancelled first so it cannot relaunch the
// server behind the shutdown.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.sched.CancelRestart()
	if !m.sup.Running() {
		return nil
	}
	err := m.sup.Stop(ctx, true)
	switch {
	case errors.Is(err, process.ErrNotRunning):
		return nil
	case errors.Is(err, process.ErrStopInProgress):
		// the cancelled restart is already stopping it
		t := time.NewTicker(50 * time.Millisecond)
		defer t.Stop()
		for m.sup.Running() {
			select {
			case <-t.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
	return err
}

// onLine is called from the supervisor reader goroutines and from the
// scheduler. Player-list output is consumed here and never displayed.
func (m *Manager) onLine(l process.Line) {
	sev := console.Info
	switch l.Stream {
	case process.StreamStdout, process.StreamStderr:
		res := m.tracker.Observe(l.Text)
		if res.Consumed {
			return
		}
		sev = res.Severity
		if l.Stream == process.StreamStderr && sev == console.Info {
			sev = console.Warning
		}
	case process.StreamManager:
		sev = console.SeverityOf(l.Text)
	}
	m.writeTranscript(l)
	if m.display != nil {
		m.display(l, sev)
	}
}

func (m *Manager) writeTranscript(l process.Line) {
	m.trMu.Lock()
	defer m.trMu.Unlock()
	if m.transcript == nil {
		return
	}
	if _, err := fmt.Fprintf(m.transcript, "%s %s\n", l.Time.Format(time.DateTime), l.Display()); err != nil {
		m.log.Debug("console transcript write failed", "err", err)
	}
}
