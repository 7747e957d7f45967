package automation

import (
	"time"

	"github.com/loykin/warden/internal/backup"
	"github.com/loykin/warden/internal/config"
)

// Command is an operator action posted to the scheduler loop.
type Command int

const (
	CmdStart Command = iota
	CmdStop
	CmdKill
	CmdRestart
	CmdSave
	CmdBackup
	CmdSend
	CmdPollPlayers
)

func (c Command) String() string {
	switch c {
	case CmdStart:
		return "start"
	case CmdStop:
		return "stop"
	case CmdKill:
		return "kill"
	case CmdRestart:
		return "restart"
	case CmdSave:
		return "save"
	case CmdBackup:
		return "backup"
	case CmdSend:
		return "send"
	case CmdPollPlayers:
		return "poll"
	default:
		return "unknown"
	}
}

type event interface{ isEvent() }

type commandEvent struct {
	cmd   Command
	text  string
	reply chan error
}

type configEvent struct {
	cfg config.ServerConfig
}

type backupDoneEvent struct {
	report  backup.Report
	command string
	err     error
}

type restartDoneEvent struct {
	day     time.Time
	trigger string
	started time.Time
	aborted bool
	err     error
}

type pollDoneEvent struct {
	count int
	names []string
	err   error
}

// statusEvent is drained from the status mailbox rather than posted.
type statusEvent struct{}

func (commandEvent) isEvent()     {}
func (configEvent) isEvent()      {}
func (backupDoneEvent) isEvent()  {}
func (restartDoneEvent) isEvent() {}
func (pollDoneEvent) isEvent()    {}
func (statusEvent) isEvent()      {}
