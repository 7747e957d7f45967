package process

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of the supervised server.
type Status int

const (
	StatusUnknown Status = iota
	StatusStopped
	StatusRunning
	StatusCrashed
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusRunning:
		return "running"
	case StatusCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "stopped":
		*s = StatusStopped
	case "running":
		*s = StatusRunning
	case "crashed":
		*s = StatusCrashed
	case "unknown", "":
		*s = StatusUnknown
	default:
		return fmt.Errorf("unknown status %q", string(b))
	}
	return nil
}

// StatusChange is delivered to Options.OnStatus on every transition.
type StatusChange struct {
	Status   Status
	Previous Status
	PID      int
	ExitCode int
	At       time.Time

	seq uint64
}

// Stream identifies where a console line came from.
type Stream int

const (
	StreamStdout Stream = iota
	StreamStderr
	StreamManager
	// StreamEcho carries commands sent to the server, echoed for the operator.
	StreamEcho
)

func (s Stream) String() string {
	switch s {
	case StreamStderr:
		return "stderr"
	case StreamManager:
		return "manager"
	case StreamEcho:
		return "echo"
	default:
		return "stdout"
	}
}

// Line is one non-blank line of console output.
type Line struct {
	Stream Stream
	Text   string
	Time   time.Time
}

// Display returns the text as shown to the operator.
func (l Line) Display() string {
	switch l.Stream {
	case StreamStderr:
		return "[err] " + l.Text
	case StreamManager:
		return "[manager] " + l.Text
	case StreamEcho:
		return "> " + l.Text
	default:
		return l.Text
	}
}
