package process

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConflictsWithDataPath(t *testing.T) {
	cases := []struct {
		args string
		want bool
	}{
		{"", false},
		{"--datapath /x", true},
		{"--DataPath x", true},
		{"--port 42420 --DATAPATH", true},
		{"--port 42420 --datapath=/x", true},
		{"--datapathx", false},
		{"--maxclients 8 --dataPathology", false},
		{"x--datapath", false},
		{`"--dataPath" /srv/other`, true},
		{`'--DATAPATH=/srv/other' --port 1`, true},
		{`--motd "see --datapath docs"`, false},
		{`--datapath "/unterminated`, true},
	}
	for _, c := range cases {
		got := LaunchSpec{Args: c.args}.ConflictsWithDataPath()
		assert.Equal(t, c.want, got, "args %q", c.args)
	}
}

func TestArgvAppendsDataPath(t *testing.T) {
	spec := LaunchSpec{Args: `--port 42420 --ip "0.0.0.0"`, DataPath: `"/srv/vs data"`}
	argv, err := spec.Argv()
	require.NoError(t, err)
	assert.Equal(t, []string{"--port", "42420", "--ip", "0.0.0.0", "--dataPath", filepath.FromSlash("/srv/vs data")}, argv)
}

func TestArgvWithoutDataPath(t *testing.T) {
	argv, err := LaunchSpec{Args: "--port 1"}.Argv()
	require.NoError(t, err)
	assert.Equal(t, []string{"--port", "1"}, argv)
}

func TestArgvRejectsUnbalancedQuotes(t *testing.T) {
	_, err := LaunchSpec{Args: `--ip "0.0.0.0`}.Argv()
	assert.True(t, errors.Is(err, ErrInvalidArguments), "got %v", err)
}

func TestResolvePathExpandsVariables(t *testing.T) {
	t.Setenv("WARDEN_TEST_ROOT", "/opt/games")
	assert.Equal(t, filepath.FromSlash("/opt/games/vs/Server"), ResolvePath("%WARDEN_TEST_ROOT%/vs/Server"))
	assert.Equal(t, filepath.FromSlash("/opt/games/vs"), ResolvePath("$WARDEN_TEST_ROOT/vs"))
	assert.Equal(t, "", ResolvePath("   "))
	// unknown %VAR% is left as is
	assert.Equal(t, filepath.FromSlash("%WARDEN_UNSET_VAR_X%/a"), ResolvePath("%WARDEN_UNSET_VAR_X%/a"))
}

func TestLineDisplay(t *testing.T) {
	assert.Equal(t, "hello", Line{Stream: StreamStdout, Text: "hello"}.Display())
	assert.Equal(t, "[err] boom", Line{Stream: StreamStderr, Text: "boom"}.Display())
	assert.Equal(t, "[manager] Server started.", Line{Stream: StreamManager, Text: "Server started."}.Display())
}

func TestStatusText(t *testing.T) {
	for _, st := range []Status{StatusUnknown, StatusStopped, StatusRunning, StatusCrashed} {
		b, err := st.MarshalText()
		require.NoError(t, err)
		var back Status
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, st, back)
	}
	var s Status
	assert.Error(t, s.UnmarshalText([]byte("exploded")))
}
