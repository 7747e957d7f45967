package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loykin/warden/internal/automation"
	"github.com/loykin/warden/internal/console"
	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/process"
)

// painter writes console lines to the terminal, colored by severity.
type painter struct {
	mu    sync.Mutex
	w     io.Writer
	color bool
}

func newPainter(w io.Writer, color bool) *painter { return &painter{w: w, color: color} }

func (p *painter) show(l process.Line, sev console.Severity) {
	text := l.Display()
	if p.color {
		switch {
		case sev == console.Error:
			text = logger.Colorize(slog.LevelError, text)
		case sev == console.Warning:
			text = logger.Colorize(slog.LevelWarn, text)
		case l.Stream == process.StreamManager:
			text = logger.Colorize(slog.LevelDebug, text)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintln(p.w, text)
}

func (p *painter) manager(format string, args ...any) {
	p.show(process.Line{Stream: process.StreamManager, Text: fmt.Sprintf(format, args...), Time: time.Now()}, console.Info)
}

// operator is the manager surface driven from the console.
type operator interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context, graceful bool) error
	Restart(ctx context.Context) error
	Save(ctx context.Context) error
	Backup(ctx context.Context) error
	Send(ctx context.Context, text string) error
	PollPlayers(ctx context.Context) error
	Snapshot() automation.Snapshot
}

const consoleHelp = `Manager commands:
  :start     launch the server
  :stop      send the shutdown command, then force after the timeout
  :kill      terminate the server immediately
  :restart   save, wait, stop and start again
  :save      send the save command
  :backup    prune old backups and request a new one
  :players   refresh the player list
  :status    show server state, players and resource usage
  :quit      stop the server and exit
Anything else is sent to the server console.`

// dispatch handles one line of operator input. It reports whether the
// operator asked to quit.
func dispatch(ctx context.Context, op operator, p *painter, line string) (quit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, ":") {
		report(p, "send", op.Send(ctx, line))
		return false
	}
	switch cmd := strings.ToLower(strings.Fields(line)[0]); cmd {
	case ":start":
		// the supervisor reports launch failures itself
		_ = op.Start(ctx)
	case ":stop":
		stopErr(p, op.Stop(ctx, true))
	case ":kill":
		stopErr(p, op.Stop(ctx, false))
	case ":restart":
		report(p, "restart", op.Restart(ctx))
	case ":save":
		report(p, "save", op.Save(ctx))
	case ":backup":
		report(p, "backup", op.Backup(ctx))
	case ":players":
		report(p, "player poll", op.PollPlayers(ctx))
	case ":status":
		for _, l := range statusLines(op.Snapshot()) {
			p.manager("%s", l)
		}
	case ":help", ":?":
		for _, l := range strings.Split(consoleHelp, "\n") {
			p.manager("%s", l)
		}
	case ":quit", ":exit", ":q":
		return true
	default:
		p.manager("Unknown command %s (try :help).", cmd)
	}
	return false
}

func report(p *painter, what string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, process.ErrNotRunning) {
		p.manager("Server is not running.")
		return
	}
	p.manager("%s failed: %v", what, err)
}

// stopErr skips ErrNotRunning, which the supervisor already announced.
func stopErr(p *painter, err error) {
	if err == nil || errors.Is(err, process.ErrNotRunning) {
		return
	}
	p.manager("stop failed: %v", err)
}

func statusLines(s automation.Snapshot) []string {
	head := "Status: " + s.Status.String()
	if s.PID > 0 {
		head += fmt.Sprintf(" (pid %d)", s.PID)
	}
	out := []string{head}
	players := fmt.Sprintf("Players: %d", s.Players)
	if len(s.PlayerNames) > 0 {
		players += " [" + strings.Join(s.PlayerNames, ", ") + "]"
	}
	out = append(out, players, s.Resources.Display())
	if !s.NextSave.IsZero() {
		out = append(out, "Next save: "+s.NextSave.Format(time.TimeOnly))
	}
	if !s.NextBackup.IsZero() {
		out = append(out, "Next backup: "+s.NextBackup.Format(time.TimeOnly))
	}
	if s.BackupInProgress {
		out = append(out, "Backup in progress")
	}
	if !s.NextRestart.IsZero() {
		out = append(out, "Next restart: "+s.NextRestart.Format(time.DateTime))
	}
	if s.RestartInProgress {
		out = append(out, "Restart in progress")
	}
	return out
}

// readLines forwards lines from r until EOF, then closes ch.
func readLines(r io.Reader, ch chan<- string) {
	defer close(ch)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		ch <- sc.Text()
	}
}
