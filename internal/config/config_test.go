package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, issues, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Empty(t, issues)
	assert.Equal(t, Default(), cfg)
}

func TestLoadNestedTOML(t *testing.T) {
	p := writeFile(t, "warden.toml", `
[server]
executable = "/opt/vs/VintagestoryServer"
launch_args = "--port 42420"
data_path = "/srv/vs"
graceful_timeout = "20s"

[auto_save]
enabled = true
interval_minutes = 5

[auto_backup]
enabled = true
interval_minutes = 30
max_files = 10
max_total_size = "2GB"

[auto_restart]
enabled = true
hour = 4
minute = 30
ampm = "pm"

[commands]
save = "/save"
`)
	cfg, issues, err := Load(p)
	require.NoError(t, err)
	assert.Empty(t, issues)

	assert.Equal(t, "/opt/vs/VintagestoryServer", cfg.Server.Executable)
	assert.Equal(t, "--port 42420", cfg.Server.LaunchArgs)
	assert.Equal(t, 20*time.Second, cfg.Server.GracefulTimeout)
	assert.Equal(t, DefaultKillTimeout, cfg.Server.KillTimeout)
	assert.Equal(t, AutoSave{Enabled: true, IntervalMinutes: 5}, cfg.AutoSave)
	assert.Equal(t, 10, cfg.AutoBackup.MaxFiles)
	assert.Equal(t, int64(2_000_000_000), cfg.AutoBackup.MaxTotalBytes)
	assert.Equal(t, "PM", cfg.AutoRestart.AmPm)
	assert.Equal(t, "/save", cfg.Commands.Save)
	assert.Equal(t, "/genbackup", cfg.Commands.Backup)

	h, m := cfg.RestartClock()
	assert.Equal(t, 16, h)
	assert.Equal(t, 30, m)
	assert.Equal(t, filepath.Join(string(filepath.Separator), "srv", "vs", "Backups"), cfg.BackupDir())
}

func TestLoadLegacyFlatJSON(t *testing.T) {
	p := writeFile(t, "settings.json", `{
  "ServerExePath": "C:/Games/VintagestoryServer.exe",
  "ServerArgs": "--port 1",
  "VintageStoryServerData": "/data/vs",
  "AutoSaveEnabled": "true",
  "AutoSaveMinutes": 7,
  "AutoBackupEnabled": true,
  "AutoBackupMinutes": "45",
  "AutoRestartEnabled": true,
  "AutoRestartHour12": 11,
  "AutoRestartMinute": 15,
  "AutoRestartAmPm": "AM"
}`)
	cfg, issues, err := Load(p)
	require.NoError(t, err)
	assert.Empty(t, issues)
	assert.Equal(t, "C:/Games/VintagestoryServer.exe", cfg.Server.Executable)
	assert.Equal(t, "--port 1", cfg.Server.LaunchArgs)
	assert.Equal(t, "/data/vs", cfg.Server.DataPath)
	assert.True(t, cfg.AutoSave.Enabled)
	assert.Equal(t, 7, cfg.AutoSave.IntervalMinutes)
	assert.Equal(t, 45, cfg.AutoBackup.IntervalMinutes)
	assert.Equal(t, AutoRestart{Enabled: true, Hour: 11, Minute: 15, AmPm: "AM"}, cfg.AutoRestart)
}

func TestNestedKeyWinsOverLegacy(t *testing.T) {
	p := writeFile(t, "w.toml", `
ExePath = "legacy"
[server]
executable = "nested"
`)
	cfg, _, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "nested", cfg.Server.Executable)
}

func TestBadFieldsFallBackToDefaults(t *testing.T) {
	p := writeFile(t, "w.toml", `
[auto_save]
enabled = "maybe"
interval_minutes = 0

[auto_backup]
interval_minutes = 1000
max_total_size = "lots"

[auto_restart]
hour = 13
minute = 60
ampm = "noon"
`)
	cfg, issues, err := Load(p)
	require.NoError(t, err)

	d := Default()
	assert.Equal(t, d.AutoSave, cfg.AutoSave)
	assert.Equal(t, d.AutoBackup.IntervalMinutes, cfg.AutoBackup.IntervalMinutes)
	assert.Zero(t, cfg.AutoBackup.MaxTotalBytes)
	assert.Equal(t, d.AutoRestart, cfg.AutoRestart)

	keys := make(map[string]bool)
	for _, i := range issues {
		keys[i.Key] = true
	}
	for _, k := range []string{
		"auto_save.enabled", "auto_save.interval_minutes",
		"auto_backup.interval_minutes", "auto_backup.max_total_size",
		"auto_restart.hour", "auto_restart.minute", "auto_restart.ampm",
	} {
		assert.True(t, keys[k], "expected an issue for %s, got %v", k, issues)
	}
}

func TestLoadUnparseableFile(t *testing.T) {
	p := writeFile(t, "w.toml", "[server\nexecutable = ")
	cfg, _, err := Load(p)
	require.Error(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("WARDEN_AUTO_SAVE_INTERVAL_MINUTES", "9")
	cfg, _, err := Load(filepath.Join(t.TempDir(), "none.toml"))
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.AutoSave.IntervalMinutes)
}

func TestValidateBoundaries(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ServerConfig)
		issues int
	}{
		{"defaults", func(*ServerConfig) {}, 0},
		{"interval lower bound", func(c *ServerConfig) { c.AutoSave.IntervalMinutes = 1 }, 0},
		{"interval upper bound", func(c *ServerConfig) { c.AutoBackup.IntervalMinutes = 999 }, 0},
		{"interval over", func(c *ServerConfig) { c.AutoBackup.IntervalMinutes = 1000 }, 1},
		{"hour 12", func(c *ServerConfig) { c.AutoRestart.Hour = 12 }, 0},
		{"hour 0", func(c *ServerConfig) { c.AutoRestart.Hour = 0 }, 1},
		{"minute 59", func(c *ServerConfig) { c.AutoRestart.Minute = 59 }, 0},
		{"negative limits", func(c *ServerConfig) { c.AutoBackup.MaxFiles = -1; c.AutoBackup.MaxTotalBytes = -1 }, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			assert.Len(t, c.Validate(), tt.issues)
		})
	}
}

func TestRestartClock(t *testing.T) {
	tests := []struct {
		hour   int
		ampm   string
		want24 int
	}{
		{12, "AM", 0},
		{6, "AM", 6},
		{12, "PM", 12},
		{1, "PM", 13},
		{11, "PM", 23},
	}
	for _, tt := range tests {
		c := Default()
		c.AutoRestart.Hour, c.AutoRestart.AmPm = tt.hour, tt.ampm
		h, _ := c.RestartClock()
		assert.Equal(t, tt.want24, h, "%d %s", tt.hour, tt.ampm)
	}
	c := Default()
	day := time.Date(2025, 3, 4, 17, 0, 0, 0, time.Local)
	assert.Equal(t, time.Date(2025, 3, 4, 6, 0, 0, 0, time.Local), c.RestartAt(day))
}

func TestSaveRoundTrip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "nested", "warden.toml")
	c := Default()
	c.Server.Executable = "/srv/vs/VintagestoryServer"
	c.Server.DataPath = "/srv/data"
	c.AutoBackup = AutoBackup{Enabled: true, IntervalMinutes: 90, MaxFiles: 3, MaxTotalBytes: 1 << 30}
	c.AutoRestart = AutoRestart{Enabled: true, Hour: 3, Minute: 45, AmPm: "PM"}
	c.Status.Listen = "127.0.0.1:8095"
	require.NoError(t, Save(p, c))

	got, issues, err := Load(p)
	require.NoError(t, err)
	assert.Empty(t, issues)
	assert.Equal(t, c, got)
}

func TestDefaultPath(t *testing.T) {
	assert.Equal(t, filepath.Join(string(filepath.Separator), "srv", "vs", "ModConfig", FileName), DefaultPath("/srv/vs"))
	assert.Equal(t, FileName, filepath.Base(DefaultPath("")))
}

func TestWatchDeliversNewSnapshot(t *testing.T) {
	p := filepath.Join(t.TempDir(), "warden.toml")
	require.NoError(t, Save(p, Default()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []ServerConfig
	require.NoError(t, Watch(ctx, p, func(c ServerConfig, _ []Issue) {
		mu.Lock()
		seen = append(seen, c)
		mu.Unlock()
	}))

	c := Default()
	c.AutoSave = AutoSave{Enabled: true, IntervalMinutes: 3}
	require.NoError(t, Save(p, c))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range seen {
			if s.AutoSave.Enabled && s.AutoSave.IntervalMinutes == 3 {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}
