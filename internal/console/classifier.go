// Package console classifies lines of server console output.
package console

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	DefaultListEcho      = "Handling Console Command /list clients"
	DefaultPlayersHeader = "List of online Players"
	DefaultPlayerLine    = `\[(?P<idx>\d+)\]\s+(?P<name>[^\[]+?)\s+\[`
)

// Severity is the display category of a line.
type Severity int

const (
	Info Severity = iota
	Warning
	Error
)

func (s Severity) String() string {
	switch s {
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// Patterns are the markers used to recognise the player-list response.
type Patterns struct {
	ListEcho      string `mapstructure:"list_echo" json:"list_echo"`
	PlayersHeader string `mapstructure:"players_header" json:"players_header"`
	PlayerLine    string `mapstructure:"player_line" json:"player_line"`
}

func DefaultPatterns() Patterns {
	return Patterns{
		ListEcho:      DefaultListEcho,
		PlayersHeader: DefaultPlayersHeader,
		PlayerLine:    DefaultPlayerLine,
	}
}

// Result is the outcome of classifying one line.
type Result struct {
	// Consumed lines belong to a player-list response and are not displayed.
	Consumed bool
	Player   string
	Severity Severity
}

// Classifier is safe for concurrent use.
type Classifier struct {
	listEcho string
	header   string
	player   *regexp.Regexp
	nameIdx  int
}

func NewClassifier(p Patterns) (*Classifier, error) {
	def := DefaultPatterns()
	if strings.TrimSpace(p.ListEcho) == "" {
		p.ListEcho = def.ListEcho
	}
	if strings.TrimSpace(p.PlayersHeader) == "" {
		p.PlayersHeader = def.PlayersHeader
	}
	if strings.TrimSpace(p.PlayerLine) == "" {
		p.PlayerLine = def.PlayerLine
	}
	re, err := regexp.Compile(p.PlayerLine)
	if err != nil {
		return nil, fmt.Errorf("player line pattern: %w", err)
	}
	idx := re.SubexpIndex("name")
	if idx < 0 {
		if re.NumSubexp() == 0 {
			return nil, fmt.Errorf("player line pattern %q has no capture group", p.PlayerLine)
		}
		idx = re.NumSubexp()
	}
	return &Classifier{
		listEcho: strings.ToLower(p.ListEcho),
		header:   strings.ToLower(p.PlayersHeader),
		player:   re,
		nameIdx:  idx,
	}, nil
}

// MustClassifier is NewClassifier for the built-in patterns.
func MustClassifier() *Classifier {
	c, err := NewClassifier(DefaultPatterns())
	if err != nil {
		panic(err)
	}
	return c
}

// Classify inspects line. While capturing, player-list lines are consumed and
// player names extracted; everything else gets a severity.
func (c *Classifier) Classify(line string, capturing bool) Result {
	if capturing {
		lower := strings.ToLower(line)
		if strings.Contains(lower, c.listEcho) || strings.Contains(lower, c.header) {
			return Result{Consumed: true}
		}
		if m := c.player.FindStringSubmatch(line); m != nil {
			return Result{Consumed: true, Player: strings.TrimSpace(m[c.nameIdx])}
		}
	}
	return Result{Severity: SeverityOf(line)}
}

// SeverityOf applies the keyword rules used for display coloring.
func SeverityOf(line string) Severity {
	l := strings.ToLower(line)
	switch {
	case strings.Contains(l, "error"), strings.Contains(l, "exception"), strings.Contains(l, "fatal"):
		return Error
	case strings.Contains(l, "warning"), strings.Contains(l, "warn]"), strings.Contains(l, "failed"):
		return Warning
	default:
		return Info
	}
}
