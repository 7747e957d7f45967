package console

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyPlayerLine(t *testing.T) {
	c := MustClassifier()
	r := c.Classify("[3] Notch [some-suffix]", true)
	assert.True(t, r.Consumed)
	assert.Equal(t, "Notch", r.Player)

	r = c.Classify("12.1.2025 10:00:00 [Server Notification] [0] Tyron Madlener [127.0.0.1:1234]", true)
	assert.True(t, r.Consumed)
	assert.Equal(t, "Tyron Madlener", r.Player)
}

func TestClassifyBlankPlayerNameIsConsumedWithoutPlayer(t *testing.T) {
	c := MustClassifier()
	for _, line := range []string{"[1]   [x]", "[2] \t [127.0.0.1:42420]"} {
		r := c.Classify(line, true)
		assert.True(t, r.Consumed, "%q", line)
		assert.Empty(t, r.Player, "%q", line)
	}
}

func TestClassifyMarkersConsumedOnlyWhileCapturing(t *testing.T) {
	c := MustClassifier()
	for _, line := range []string{
		"[Server Notification] Handling Console Command /list clients",
		"[Server Notification] LIST OF ONLINE PLAYERS",
	} {
		r := c.Classify(line, true)
		assert.True(t, r.Consumed, line)
		assert.Empty(t, r.Player, line)

		r = c.Classify(line, false)
		assert.False(t, r.Consumed, line)
	}

	r := c.Classify("[3] Notch [some-suffix]", false)
	assert.False(t, r.Consumed)
	assert.Empty(t, r.Player)
}

func TestClassifyNonMatchingLineWhileCapturing(t *testing.T) {
	c := MustClassifier()
	r := c.Classify("Saving world...", true)
	assert.False(t, r.Consumed)
	assert.Equal(t, Info, r.Severity)
}

func TestSeverityRules(t *testing.T) {
	cases := map[string]Severity{
		"[Server Error] something broke":       Error,
		"System.NullReferenceException at ...": Error,
		"FATAL: cannot bind":                   Error,
		"[Server Warning] low tps":             Warning,
		"12:00 [warn] chunk slow":              Warning,
		"Failed to load mod foo":               Warning,
		"[Server Notification] Server started": Info,
		"Error and warning on the same line":   Error,
	}
	for line, want := range cases {
		assert.Equal(t, want, SeverityOf(line), line)
	}
}

func TestNewClassifierCustomPatterns(t *testing.T) {
	c, err := NewClassifier(Patterns{
		ListEcho:      "players:",
		PlayersHeader: "online now",
		PlayerLine:    `^- (\w+)$`,
	})
	require.NoError(t, err)
	r := c.Classify("- steve", true)
	assert.True(t, r.Consumed)
	assert.Equal(t, "steve", r.Player)
	assert.True(t, c.Classify("Players: 2", true).Consumed)
}

func TestNewClassifierRejectsBadPattern(t *testing.T) {
	_, err := NewClassifier(Patterns{PlayerLine: `\[(`})
	assert.Error(t, err)
	_, err = NewClassifier(Patterns{PlayerLine: `no groups`})
	assert.Error(t, err)
}
