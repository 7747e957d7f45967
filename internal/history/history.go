package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle or automation event.
type EventType string

const (
	EventStart    EventType = "start"
	EventStop     EventType = "stop"
	EventCrash    EventType = "crash"
	EventSave     EventType = "save"
	EventBackup   EventType = "backup"
	EventPrune    EventType = "prune"
	EventAnnounce EventType = "announce"
	EventRestart  EventType = "restart"
)

// Record carries the server state an event refers to.
type Record struct {
	Server string `json:"server"`
	PID    int    `json:"pid"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Event represents one entry exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

const (
	recorderQueue = 256
	sendTimeout   = 5 * time.Second
)

// Recorder fans events out to sinks from a background goroutine so that
// callers on the automation loop never wait on a database.
// A nil *Recorder is valid and drops everything.
type Recorder struct {
	sinks []Sink
	log   *slog.Logger
	ch    chan Event
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewRecorder(l *slog.Logger, sinks ...Sink) *Recorder {
	if l == nil {
		l = slog.Default()
	}
	r := &Recorder{
		sinks: append([]Sink(nil), sinks...),
		log:   l.With("component", "history"),
		ch:    make(chan Event, recorderQueue),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// Record queues e. When the queue is full the event is dropped.
func (r *Recorder) Record(e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- e:
	default:
		r.log.Warn("history queue full; event dropped", "type", e.Type)
	}
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for e := range r.ch {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			if err := s.Send(ctx, e); err != nil {
				r.log.Warn("history send failed", "type", e.Type, "err", err)
			}
			cancel()
		}
	}
}

// Close flushes queued events and closes sinks that implement io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()
	r.wg.Wait()

	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
