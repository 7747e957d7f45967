// Package players counts connected players by asking the server for its
// client list and capturing the response from the console stream.
package players

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/warden/internal/console"
)

const (
	DefaultListCommand = "/list clients"
	DefaultSettle      = 1500 * time.Millisecond
	DefaultInterval    = 15 * time.Second
)

// ErrPollInFlight is returned when a poll round is already active.
var ErrPollInFlight = errors.New("player poll already in progress")

// Console is the part of the supervisor the tracker needs.
type Console interface {
	Running() bool
	SendLine(text string) error
}

type Options struct {
	ListCommand string
	Settle      time.Duration
	Logger      *slog.Logger
}

// Tracker owns the PlayerSet. Observe runs on the console reader goroutines
// while PollOnce runs on the caller's goroutine; the set is shared under mu.
type Tracker struct {
	con    Console
	settle time.Duration
	log    *slog.Logger

	mu      sync.Mutex
	set     map[string]string // lower-cased name -> name as printed
	cls     *console.Classifier
	command string

	capturing atomic.Bool
	polling   atomic.Bool
	count     atomic.Int64
}

func New(con Console, cls *console.Classifier, opts Options) *Tracker {
	if cls == nil {
		cls = console.MustClassifier()
	}
	if opts.ListCommand == "" {
		opts.ListCommand = DefaultListCommand
	}
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Tracker{
		con:     con,
		settle:  opts.Settle,
		log:     l.With("component", "players"),
		set:     make(map[string]string),
		cls:     cls,
		command: opts.ListCommand,
	}
}

// Configure swaps the classifier and list command used by later rounds.
func (t *Tracker) Configure(cls *console.Classifier, listCommand string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cls != nil {
		t.cls = cls
	}
	if strings.TrimSpace(listCommand) != "" {
		t.command = listCommand
	}
}

// PollOnce runs one capture round and returns the number of distinct players.
func (t *Tracker) PollOnce(ctx context.Context) (int, error) {
	if !t.con.Running() {
		t.count.Store(0)
		return 0, nil
	}
	if !t.polling.CompareAndSwap(false, true) {
		return t.Count(), ErrPollInFlight
	}
	defer t.polling.Store(false)

	t.mu.Lock()
	clear(t.set)
	command := t.command
	t.mu.Unlock()

	t.capturing.Store(true)
	defer t.capturing.Store(false)

	if err := t.con.SendLine(command); err != nil {
		t.log.Debug("player list request failed", "err", err)
		return t.Count(), fmt.Errorf("request player list: %w", err)
	}

	timer := time.NewTimer(t.settle)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		return t.Count(), ctx.Err()
	}

	t.mu.Lock()
	n := len(t.set)
	t.mu.Unlock()
	t.capturing.Store(false)
	t.count.Store(int64(n))
	return n, nil
}

// Observe classifies a console line and records any player it names.
func (t *Tracker) Observe(line string) console.Result {
	capturing := t.capturing.Load()
	t.mu.Lock()
	defer t.mu.Unlock()
	res := t.cls.Classify(line, capturing)
	if res.Player != "" {
		key := strings.ToLower(res.Player)
		if _, ok := t.set[key]; !ok {
			t.set[key] = res.Player
		}
	}
	return res
}

// Capturing reports whether a poll round is collecting output.
func (t *Tracker) Capturing() bool { return t.capturing.Load() }

// Reset zeroes the published count; used when the server leaves Running.
func (t *Tracker) Reset() {
	t.count.Store(0)
	t.mu.Lock()
	clear(t.set)
	t.mu.Unlock()
}

// Count returns the result of the last completed round.
func (t *Tracker) Count() int { return int(t.count.Load()) }

// Names returns the players seen in the current or last round, sorted.
func (t *Tracker) Names() []string {
	t.mu.Lock()
	out := make([]string, 0, len(t.set))
	for _, n := range t.set {
		out = append(out, n)
	}
	t.mu.Unlock()
	sort.Strings(out)
	return out
}
