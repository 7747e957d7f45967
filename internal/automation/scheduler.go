// Package automation runs the timed save, backup and restart jobs around
// the supervised server. All mutable state is owned by one loop goroutine.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/warden/internal/backup"
	"github.com/loykin/warden/internal/config"
	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/process"
)

const (
	DefaultRestartCheck = 20 * time.Second
	DefaultPollInterval = 15 * time.Second
	DefaultSampleEvery  = time.Second
	DefaultGrace        = 5 * time.Second

	// BackupStampLayout formats the token appended to the backup command.
	BackupStampLayout = "2006-01-02_15-04-05"
)

// triggers label actions in logs, metrics and history
const (
	triggerAuto   = "auto"
	triggerManual = "manual"
)

var (
	ErrBackupInFlight  = errors.New("a backup is already running")
	ErrRestartInFlight = errors.New("a restart is already running")
	ErrStopped         = errors.New("scheduler is not running")
)

// Server is the supervisor surface the scheduler drives.
type Server interface {
	Start(spec process.LaunchSpec) error
	Stop(ctx context.Context, graceful bool) error
	Kill(ctx context.Context) error
	SendLine(text string) error
	Running() bool
	Status() process.Status
	PID() int
}

// Players polls and reports the online player list.
type Players interface {
	PollOnce(ctx context.Context) (int, error)
	Reset()
	Count() int
	Names() []string
}

// Sampler produces resource samples for a PID.
type Sampler interface {
	Sample(pid int, now time.Time) metrics.ResourceSample
}

// Retention prunes the backup directory.
type Retention interface {
	Enforce(dir string, limits backup.Limits) (backup.Report, error)
}

// Options configures a Scheduler. Only Server is required.
type Options struct {
	Server    Server
	Players   Players
	Sampler   Sampler
	Retention Retention
	History   *history.Recorder
	Logger    *slog.Logger
	// Output receives echoed commands and [manager] lines.
	Output func(process.Line)

	// Minute is the unit of the save and backup intervals.
	Minute       time.Duration
	RestartCheck time.Duration
	PollInterval time.Duration
	SampleEvery  time.Duration
	Grace        time.Duration
	Now          func() time.Time
}

// Snapshot is a consistent view of the scheduler state for readers off the loop.
type Snapshot struct {
	Server            string                 `json:"server"`
	Status            process.Status         `json:"status"`
	PID               int                    `json:"pid"`
	Players           int                    `json:"players"`
	PlayerNames       []string               `json:"player_names"`
	Resources         metrics.ResourceSample `json:"resources"`
	NextSave          time.Time              `json:"next_save,omitzero"`
	NextBackup        time.Time              `json:"next_backup,omitzero"`
	NextRestart       time.Time              `json:"next_restart,omitzero"`
	RestartInProgress bool                   `json:"restart_in_progress"`
	Announced         []int                  `json:"announced"`
	BackupInProgress  bool                   `json:"backup_in_progress"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// restartRun is one in-flight restart sequence.
type restartRun struct {
	abort     context.CancelFunc // cancels the grace phase and suppresses the start
	interrupt context.CancelFunc // escalates the graceful stop to a kill
	inGrace   atomic.Bool

	// startMu orders cancel against the final Start: once cancelled is set
	// the sequence never launches the server.
	startMu   sync.Mutex
	cancelled bool
}

func (r *restartRun) cancel() {
	r.startMu.Lock()
	r.cancelled = true
	r.startMu.Unlock()
	r.abort()
	r.interrupt()
}

// startUnlessCancelled runs start while holding startMu.
func (r *restartRun) startUnlessCancelled(start func() error) (started bool, err error) {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	if r.cancelled {
		return false, nil
	}
	return true, start()
}

type Scheduler struct {
	opts Options
	log  *slog.Logger
	now  func() time.Time

	cmds   chan commandEvent
	events chan event

	statusMu   sync.Mutex
	pending    []process.StatusChange
	statusKick chan struct{}

	snap atomic.Pointer[Snapshot]
	// active mirrors restartRun for callers outside the loop.
	active atomic.Pointer[restartRun]

	// loop-owned
	cfg        config.ServerConfig
	status     process.Status
	pid        int
	saveT      *time.Timer
	backupT    *time.Timer
	restartT   *time.Ticker
	pollT      *time.Ticker
	sampleT    *time.Ticker
	nextSave   time.Time
	nextBackup time.Time
	backupBusy bool
	pollBusy   bool
	players    int
	names      []string
	resources  metrics.ResourceSample
	restart    restartState
	restartRun *restartRun
	loopCtx    context.Context
}

func New(cfg config.ServerConfig, opts Options) *Scheduler {
	if opts.Minute <= 0 {
		opts.Minute = time.Minute
	}
	if opts.RestartCheck <= 0 {
		opts.RestartCheck = DefaultRestartCheck
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.SampleEvery <= 0 {
		opts.SampleEvery = DefaultSampleEvery
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	s := &Scheduler{
		opts:       opts,
		log:        l.With("component", "automation"),
		now:        opts.Now,
		cmds:       make(chan commandEvent),
		events:     make(chan event, 16),
		statusKick: make(chan struct{}, 1),
		cfg:        cfg,
		status:     process.StatusUnknown,
	}
	s.publish()
	return s
}

// OnStatus queues a supervisor transition for the loop. It never blocks.
func (s *Scheduler) OnStatus(ch process.StatusChange) {
	s.statusMu.Lock()
	s.pending = append(s.pending, ch)
	s.statusMu.Unlock()
	select {
	case s.statusKick <- struct{}{}:
	default:
	}
}

// Snapshot returns the most recently published state.
func (s *Scheduler) Snapshot() Snapshot { return *s.snap.Load() }

// ApplyConfig replaces the configuration snapshot and re-derives every timer.
func (s *Scheduler) ApplyConfig(ctx context.Context, cfg config.ServerConfig) error {
	return s.post(ctx, configEvent{cfg: cfg})
}

// Do posts an operator command and waits for the loop to accept it.
// text is only used by CmdSend.
func (s *Scheduler) Do(ctx context.Context, cmd Command, text string) error {
	ce := commandEvent{cmd: cmd, text: text, reply: make(chan error, 1)}
	select {
	case s.cmds <- ce:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ce.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) post(ctx context.Context, e event) error {
	select {
	case s.events <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes events until ctx is done. It disarms every timer on return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.loopCtx = ctx
	defer s.disarmAll()
	s.drainStatus()
	s.publish()
	for {
		select {
		case <-ctx.Done():
			if s.restartRun != nil {
				s.restartRun.abort()
			}
			return ctx.Err()
		case <-s.statusKick:
			s.drainStatus()
		case ce := <-s.cmds:
			s.handleCommand(ce)
		case e := <-s.events:
			s.handleEvent(e)
		case <-timerC(s.saveT):
			s.fireSave()
		case <-timerC(s.backupT):
			s.fireBackup()
		case <-tickerC(s.restartT):
			s.checkRestart()
		case <-tickerC(s.pollT):
			s.startPoll()
		case <-tickerC(s.sampleT):
			s.sample()
		}
		s.publish()
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (s *Scheduler) handleEvent(e event) {
	switch ev := e.(type) {
	case configEvent:
		s.applyConfig(ev.cfg)
	case backupDoneEvent:
		s.backupDone(ev)
	case restartDoneEvent:
		s.restartDone(ev)
	case pollDoneEvent:
		s.pollBusy = false
		if ev.err == nil {
			s.players, s.names = ev.count, ev.names
			metrics.SetPlayers(ev.count)
		} else if !errors.Is(ev.err, context.Canceled) {
			s.log.Debug("player poll failed", "err", ev.err)
		}
	}
}

// ---- status ----

func (s *Scheduler) drainStatus() {
	s.statusMu.Lock()
	batch := s.pending
	s.pending = nil
	s.statusMu.Unlock()
	for _, ch := range batch {
		s.handleStatus(ch)
	}
}

func (s *Scheduler) handleStatus(ch process.StatusChange) {
	prev := s.status
	s.status, s.pid = ch.Status, ch.PID
	metrics.SetServerState(ch.Status.String())
	if prev == ch.Status {
		return
	}
	rec := history.Record{Server: s.cfg.Server.Name, PID: ch.PID, Status: ch.Status.String()}
	switch ch.Status {
	case process.StatusRunning:
		metrics.IncServerStart()
		s.record(history.EventStart, rec)
		s.armAll()
		s.startPoll()
	case process.StatusCrashed:
		metrics.IncServerCrash()
		rec.Detail = fmt.Sprintf("exit code %d", ch.ExitCode)
		s.record(history.EventCrash, rec)
		s.leaveRunning()
	case process.StatusStopped:
		if prev == process.StatusRunning {
			rec.Detail = fmt.Sprintf("exit code %d", ch.ExitCode)
			s.record(history.EventStop, rec)
		}
		s.leaveRunning()
	}
}

func (s *Scheduler) leaveRunning() {
	s.disarmAll()
	s.players, s.names = 0, nil
	s.resources = metrics.ResourceSample{}
	metrics.SetPlayers(0)
	metrics.SetResources(s.resources)
	if s.opts.Players != nil {
		s.opts.Players.Reset()
	}
}

// ---- arming ----

func (s *Scheduler) running() bool { return s.status == process.StatusRunning }

func (s *Scheduler) armAll() {
	s.armSave()
	s.armBackup()
	s.armRestart()
	if s.pollT == nil && s.opts.Players != nil {
		s.pollT = time.NewTicker(s.opts.PollInterval)
	}
	if s.sampleT == nil && s.opts.Sampler != nil {
		s.sampleT = time.NewTicker(s.opts.SampleEvery)
	}
}

func (s *Scheduler) disarmAll() {
	s.disarmSave()
	s.disarmBackup()
	s.disarmRestart()
	if s.pollT != nil {
		s.pollT.Stop()
		s.pollT = nil
	}
	if s.sampleT != nil {
		s.sampleT.Stop()
		s.sampleT = nil
	}
}

func (s *Scheduler) armSave() {
	if s.saveT != nil || !s.running() || !s.cfg.AutoSave.Enabled {
		return
	}
	d := time.Duration(s.cfg.AutoSave.IntervalMinutes) * s.opts.Minute
	s.saveT = time.NewTimer(d)
	s.nextSave = s.now().Add(d)
}

func (s *Scheduler) disarmSave() {
	if s.saveT != nil {
		s.saveT.Stop()
		s.saveT = nil
	}
	s.nextSave = time.Time{}
}

func (s *Scheduler) armBackup() {
	if s.backupT != nil || s.backupBusy || !s.running() || !s.cfg.AutoBackup.Enabled {
		return
	}
	d := time.Duration(s.cfg.AutoBackup.IntervalMinutes) * s.opts.Minute
	s.backupT = time.NewTimer(d)
	s.nextBackup = s.now().Add(d)
}

func (s *Scheduler) disarmBackup() {
	if s.backupT != nil {
		s.backupT.Stop()
		s.backupT = nil
	}
	s.nextBackup = time.Time{}
}

func (s *Scheduler) armRestart() {
	if s.restartT != nil || !s.running() || !s.cfg.AutoRestart.Enabled {
		return
	}
	now := s.now()
	s.restart.arm(now, s.cfg.RestartAt(now))
	s.restartT = time.NewTicker(s.opts.RestartCheck)
}

func (s *Scheduler) disarmRestart() {
	if s.restartT != nil {
		s.restartT.Stop()
		s.restartT = nil
	}
	s.restart.disarm()
	if r := s.restartRun; r != nil && r.inGrace.Load() {
		r.abort()
	}
}

func (s *Scheduler) applyConfig(cfg config.ServerConfig) {
	old := s.cfg
	s.cfg = cfg
	if old.AutoSave != cfg.AutoSave {
		s.disarmSave()
		s.armSave()
	}
	if old.AutoBackup != cfg.AutoBackup {
		s.disarmBackup()
		s.armBackup()
	}
	if old.AutoRestart != cfg.AutoRestart {
		s.disarmRestart()
		s.armRestart()
	}
	s.log.Info("configuration applied",
		"auto_save", cfg.AutoSave.Enabled, "auto_backup", cfg.AutoBackup.Enabled, "auto_restart", cfg.AutoRestart.Enabled)
}

// ---- save ----

func (s *Scheduler) fireSave() {
	s.disarmSave()
	s.save(triggerAuto)
	s.armSave()
}

func (s *Scheduler) save(trigger string) error {
	err := s.send(s.cfg.Commands.Save)
	s.action("save", trigger, err)
	if err == nil {
		s.record(history.EventSave, history.Record{Server: s.cfg.Server.Name, PID: s.pid, Detail: trigger})
	}
	return err
}

// ---- backup ----

func (s *Scheduler) fireBackup() {
	s.disarmBackup()
	if err := s.startBackup(triggerAuto); err != nil {
		s.armBackup()
	}
}

// startBackup prunes the backup directory and then sends the timestamped
// backup command from a background job. The timer is re-armed when the job
// reports back.
func (s *Scheduler) startBackup(trigger string) error {
	if s.backupBusy {
		return ErrBackupInFlight
	}
	if !s.running() {
		return process.ErrNotRunning
	}
	s.backupBusy = true
	dir := s.cfg.BackupDir()
	limits := s.cfg.RetentionLimits(true)
	command := s.cfg.Commands.Backup + " " + s.now().Format(BackupStampLayout)
	ret := s.opts.Retention
	ctx := s.loopCtx
	go func() {
		var ev backupDoneEvent
		ev.command = command
		if ret != nil && dir != "" {
			rep, err := ret.Enforce(dir, limits)
			ev.report = rep
			if err != nil {
				s.log.Warn("backup retention failed", "dir", dir, "err", err)
			}
		}
		ev.err = s.send(command)
		_ = s.post(ctx, ev)
	}()
	s.log.Info("backup started", "trigger", trigger, "dir", dir)
	return nil
}

func (s *Scheduler) backupDone(ev backupDoneEvent) {
	s.backupBusy = false
	rep := ev.report
	if len(rep.Deleted) > 0 {
		metrics.AddPruned(len(rep.Deleted), rep.DeletedBytes)
		s.record(history.EventPrune, history.Record{
			Server: s.cfg.Server.Name,
			Detail: fmt.Sprintf("deleted %d file(s), %d remaining", len(rep.Deleted), rep.Remaining),
		})
	}
	if rep.Failed != "" {
		s.manager("Backup retention stopped: could not delete " + rep.Failed)
	}
	s.action("backup", "", ev.err)
	if ev.err == nil {
		s.record(history.EventBackup, history.Record{Server: s.cfg.Server.Name, PID: s.pid, Detail: ev.command})
	}
	s.armBackup()
}

// ---- restart ----

func (s *Scheduler) checkRestart() {
	if !s.running() || !s.cfg.AutoRestart.Enabled {
		return
	}
	now := s.now()
	mark, begin := s.restart.check(now, s.cfg.RestartAt(now))
	if mark >= 0 {
		s.announce(mark)
	}
	if begin {
		s.beginRestart(now, triggerAuto)
	}
}

func (s *Scheduler) announce(mark int) {
	text := AnnouncementText(mark)
	err := s.send(s.cfg.Commands.Announce + " " + text)
	s.action("announce", "", err)
	s.record(history.EventAnnounce, history.Record{Server: s.cfg.Server.Name, Detail: text, Error: errString(err)})
}

// beginRestart launches the restart sequence in its own goroutine.
func (s *Scheduler) beginRestart(day time.Time, trigger string) {
	s.restart.inProgress = true
	abortCtx, abort := context.WithCancel(s.loopCtx)
	interruptCtx, interrupt := context.WithCancel(s.loopCtx)
	r := &restartRun{abort: abort, interrupt: interrupt}
	r.inGrace.Store(true)
	s.restartRun = r
	s.active.Store(r)

	spec := s.cfg.LaunchSpec()
	saveCmd := s.cfg.Commands.Save
	grace := s.opts.Grace
	started := s.now()
	s.log.Info("restart sequence started", "trigger", trigger)

	go func() {
		defer interrupt()
		defer abort()
		ev := restartDoneEvent{day: day, trigger: trigger, started: started}
		ev.aborted, ev.err = s.runRestart(abortCtx, interruptCtx, r, spec, saveCmd, grace)
		_ = s.post(s.loopCtx, ev)
	}()
}

func (s *Scheduler) runRestart(abortCtx, interruptCtx context.Context, r *restartRun, spec process.LaunchSpec, saveCmd string, grace time.Duration) (aborted bool, err error) {
	srv := s.opts.Server
	s.manager("Auto Restart: issuing save...")
	if err := s.send(saveCmd); err != nil {
		s.log.Warn("restart save not delivered", "err", err)
	}
	t := time.NewTimer(grace)
	select {
	case <-t.C:
	case <-abortCtx.Done():
		t.Stop()
		r.inGrace.Store(false)
		s.manager("Auto Restart: cancelled.")
		return true, nil
	}
	r.inGrace.Store(false)
	if !srv.Running() {
		return true, nil
	}
	s.manager("Auto Restart: restarting server...")
	if err := srv.Stop(interruptCtx, true); err != nil && !errors.Is(err, process.ErrNotRunning) {
		return false, fmt.Errorf("stop: %w", err)
	}
	started, err := r.startUnlessCancelled(func() error {
		if abortCtx.Err() != nil {
			return context.Canceled
		}
		return srv.Start(spec)
	})
	switch {
	case !started, errors.Is(err, context.Canceled):
		return true, nil
	case err != nil:
		return false, fmt.Errorf("start: %w", err)
	}
	return false, nil
}

func (s *Scheduler) restartDone(ev restartDoneEvent) {
	s.restartRun = nil
	s.active.Store(nil)
	if ev.trigger == triggerAuto {
		s.restart.finish(ev.day)
	} else {
		// an operator restart leaves today's scheduled restart armed
		s.restart.inProgress = false
	}
	res := "ok"
	switch {
	case ev.err != nil:
		res = "error"
		s.log.Error("restart sequence failed", "err", ev.err)
	case ev.aborted:
		res = "aborted"
	default:
		metrics.ObserveRestartDuration(s.now().Sub(ev.started).Seconds())
	}
	metrics.IncAction("restart", res)
	s.record(history.EventRestart, history.Record{Server: s.cfg.Server.Name, PID: s.pid, Detail: res, Error: errString(ev.err)})
}

// cancelRestart aborts the grace phase, escalates a graceful wait and
// prevents the sequence from starting the server again.
func (s *Scheduler) cancelRestart() bool {
	r := s.restartRun
	if r == nil {
		return false
	}
	r.cancel()
	return true
}

// CancelRestart is cancelRestart for callers outside the loop, such as a
// shutdown that runs after the loop has exited. Safe for concurrent use.
func (s *Scheduler) CancelRestart() bool {
	r := s.active.Load()
	if r == nil {
		return false
	}
	r.cancel()
	return true
}

// ---- operator commands ----

func (s *Scheduler) handleCommand(ce commandEvent) {
	var err error
	switch ce.cmd {
	case CmdStart:
		err = s.opts.Server.Start(s.cfg.LaunchSpec())
	case CmdStop, CmdKill:
		cancelled := s.cancelRestart()
		graceful := ce.cmd == CmdStop
		srv := s.opts.Server
		ctx := s.loopCtx
		go func() {
			err := srv.Stop(ctx, graceful)
			if cancelled && errors.Is(err, process.ErrStopInProgress) {
				err = nil
			}
			ce.reply <- err
		}()
		return
	case CmdRestart:
		switch {
		case s.restart.inProgress:
			err = ErrRestartInFlight
		case !s.running():
			err = process.ErrNotRunning
		default:
			s.beginRestart(s.now(), triggerManual)
		}
	case CmdSave:
		if !s.running() {
			err = process.ErrNotRunning
		} else {
			err = s.save(triggerManual)
		}
	case CmdBackup:
		err = s.startBackup(triggerManual)
	case CmdSend:
		err = s.send(strings.TrimSpace(ce.text))
	case CmdPollPlayers:
		err = s.startPoll()
	}
	ce.reply <- err
}

// ---- players and resources ----

func (s *Scheduler) startPoll() error {
	p := s.opts.Players
	if p == nil || !s.running() {
		return nil
	}
	if s.pollBusy {
		return nil
	}
	s.pollBusy = true
	ctx := s.loopCtx
	go func() {
		n, err := p.PollOnce(ctx)
		_ = s.post(ctx, pollDoneEvent{count: n, names: p.Names(), err: err})
	}()
	return nil
}

func (s *Scheduler) sample() {
	if s.opts.Sampler == nil || !s.running() {
		return
	}
	s.resources = s.opts.Sampler.Sample(s.pid, s.now())
	metrics.SetResources(s.resources)
}

// ---- helpers ----

// send writes a command to the server and echoes it. Safe off the loop.
func (s *Scheduler) send(text string) error {
	if text == "" {
		return nil
	}
	if err := s.opts.Server.SendLine(text); err != nil {
		return err
	}
	s.output(process.Line{Stream: process.StreamEcho, Text: text, Time: time.Now()})
	return nil
}

func (s *Scheduler) manager(text string) {
	s.output(process.Line{Stream: process.StreamManager, Text: text, Time: time.Now()})
}

func (s *Scheduler) output(l process.Line) {
	if s.opts.Output != nil {
		s.opts.Output(l)
	}
}

func (s *Scheduler) action(name, trigger string, err error) {
	res := "ok"
	if err != nil {
		res = "error"
		s.log.Warn(name+" failed", "trigger", trigger, "err", err)
	} else {
		s.log.Info(name+" sent", "trigger", trigger)
	}
	metrics.IncAction(name, res)
}

func (s *Scheduler) record(t history.EventType, r history.Record) {
	s.opts.History.Record(history.Event{Type: t, OccurredAt: s.now(), Record: r})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (s *Scheduler) publish() {
	snap := &Snapshot{
		Server:            s.cfg.Server.Name,
		Status:            s.status,
		PID:               s.pid,
		Players:           s.players,
		PlayerNames:       append([]string(nil), s.names...),
		Resources:         s.resources,
		NextSave:          s.nextSave,
		NextBackup:        s.nextBackup,
		RestartInProgress: s.restart.inProgress,
		Announced:         s.restart.marks(),
		BackupInProgress:  s.backupBusy,
		UpdatedAt:         s.now(),
	}
	if s.restartT != nil {
		now := s.now()
		next := s.cfg.RestartAt(now)
		if s.restart.lastExecuted.Equal(dayOf(now)) || !now.Before(next) {
			next = s.cfg.RestartAt(now.AddDate(0, 0, 1))
		}
		snap.NextRestart = next
	}
	s.snap.Store(snap)
}
