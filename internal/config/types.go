package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/loykin/warden/internal/backup"
	"github.com/loykin/warden/internal/console"
	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/process"
)

// Defaults and bounds for the automation settings.
const (
	DefaultName            = "vintagestory"
	DefaultSaveMinutes     = 15
	DefaultBackupMinutes   = 60
	DefaultRestartHour     = 6
	DefaultRestartMinute   = 0
	DefaultRestartAmPm     = "AM"
	MinIntervalMinutes     = 1
	MaxIntervalMinutes     = 999
	DefaultGracefulTimeout = process.DefaultGracefulTimeout
	DefaultKillTimeout     = process.DefaultKillTimeout

	FileName    = "warden.toml"
	HistoryFile = "warden-history.db"
)

// Server describes how the dedicated server is launched.
type Server struct {
	Name            string        `mapstructure:"name" json:"name"`
	Executable      string        `mapstructure:"executable" json:"executable"`
	LaunchArgs      string        `mapstructure:"launch_args" json:"launch_args"`
	DataPath        string        `mapstructure:"data_path" json:"data_path"`
	WorkDir         string        `mapstructure:"work_dir" json:"work_dir"`
	PIDFile         string        `mapstructure:"pid_file" json:"pid_file"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout" json:"graceful_timeout"`
	KillTimeout     time.Duration `mapstructure:"kill_timeout" json:"kill_timeout"`
}

type AutoSave struct {
	Enabled         bool `mapstructure:"enabled" json:"enabled"`
	IntervalMinutes int  `mapstructure:"interval_minutes" json:"interval_minutes"`
}

type AutoBackup struct {
	Enabled         bool `mapstructure:"enabled" json:"enabled"`
	IntervalMinutes int  `mapstructure:"interval_minutes" json:"interval_minutes"`
	// MaxFiles and MaxTotalBytes of 0 mean unlimited.
	MaxFiles      int    `mapstructure:"max_files" json:"max_files"`
	MaxTotalBytes int64  `mapstructure:"max_total_bytes" json:"max_total_bytes"`
	Dir           string `mapstructure:"dir" json:"dir"`
}

type AutoRestart struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Hour    int    `mapstructure:"hour" json:"hour"` // 1-12
	Minute  int    `mapstructure:"minute" json:"minute"`
	AmPm    string `mapstructure:"ampm" json:"ampm"`
}

// Commands are the console commands sent to the server.
type Commands struct {
	Save        string `mapstructure:"save" json:"save"`
	Backup      string `mapstructure:"backup" json:"backup"`
	ListClients string `mapstructure:"list_clients" json:"list_clients"`
	Announce    string `mapstructure:"announce" json:"announce"`
	Shutdown    string `mapstructure:"shutdown" json:"shutdown"`
}

type Status struct {
	// Listen enables the read-only HTTP status endpoint, e.g. "127.0.0.1:8095".
	Listen string `mapstructure:"listen" json:"listen"`
}

type History struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	DSN     string `mapstructure:"dsn" json:"dsn"`
}

// ServerConfig is an immutable snapshot of all settings.
type ServerConfig struct {
	Server      Server           `mapstructure:"server" json:"server"`
	AutoSave    AutoSave         `mapstructure:"auto_save" json:"auto_save"`
	AutoBackup  AutoBackup       `mapstructure:"auto_backup" json:"auto_backup"`
	AutoRestart AutoRestart      `mapstructure:"auto_restart" json:"auto_restart"`
	Commands    Commands         `mapstructure:"commands" json:"commands"`
	Patterns    console.Patterns `mapstructure:"patterns" json:"patterns"`
	Log         logger.Config    `mapstructure:"log" json:"log"`
	Status      Status           `mapstructure:"status" json:"status"`
	History     History          `mapstructure:"history" json:"history"`
}

// DefaultExecutable is the stock install location of the dedicated server.
func DefaultExecutable() string {
	if runtime.GOOS == "windows" {
		return "%APPDATA%/Vintagestory/VintagestoryServer.exe"
	}
	return "VintagestoryServer"
}

func Default() ServerConfig {
	return ServerConfig{
		Server: Server{
			Name:            DefaultName,
			Executable:      DefaultExecutable(),
			GracefulTimeout: DefaultGracefulTimeout,
			KillTimeout:     DefaultKillTimeout,
		},
		AutoSave:    AutoSave{IntervalMinutes: DefaultSaveMinutes},
		AutoBackup:  AutoBackup{IntervalMinutes: DefaultBackupMinutes},
		AutoRestart: AutoRestart{Hour: DefaultRestartHour, Minute: DefaultRestartMinute, AmPm: DefaultRestartAmPm},
		Commands: Commands{
			Save:        "/autosavenow",
			Backup:      "/genbackup",
			ListClients: "/list clients",
			Announce:    "/announce",
			Shutdown:    process.DefaultShutdownCommand,
		},
		Patterns: console.DefaultPatterns(),
		Log: logger.Config{
			Slog: logger.SlogConfig{Level: "info", Format: "text", Color: "auto"},
		},
	}
}

// LaunchSpec returns the supervisor launch description.
func (c ServerConfig) LaunchSpec() process.LaunchSpec {
	return process.LaunchSpec{
		Executable: c.Server.Executable,
		Args:       c.Server.LaunchArgs,
		DataPath:   c.Server.DataPath,
		WorkDir:    c.Server.WorkDir,
	}
}

// DataDir returns the resolved server data directory. Without an explicit
// data path this is where the server keeps its data by default.
func (c ServerConfig) DataDir() string {
	if dp := strings.Trim(strings.TrimSpace(c.Server.DataPath), `"`); dp != "" {
		return process.ResolvePath(dp)
	}
	if runtime.GOOS == "windows" {
		return process.ResolvePath("%APPDATA%/VintagestoryData")
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "VintagestoryData")
	}
	return ""
}

// BackupDir is AutoBackup.Dir or <data>/Backups.
func (c ServerConfig) BackupDir() string {
	if c.AutoBackup.Dir != "" {
		return process.ResolvePath(c.AutoBackup.Dir)
	}
	if d := c.DataDir(); d != "" {
		return filepath.Join(d, "Backups")
	}
	return ""
}

// ModsDir is <data>/Mods.
func (c ServerConfig) ModsDir() string {
	if d := c.DataDir(); d != "" {
		return filepath.Join(d, "Mods")
	}
	return ""
}

// RetentionLimits converts the backup limits for the enforcer.
func (c ServerConfig) RetentionLimits(reserveSlot bool) backup.Limits {
	return backup.Limits{
		MaxFiles:    c.AutoBackup.MaxFiles,
		MaxBytes:    c.AutoBackup.MaxTotalBytes,
		ReserveSlot: reserveSlot,
	}
}

// RestartClock returns the scheduled restart as 24-hour hour and minute.
func (c ServerConfig) RestartClock() (hour, minute int) {
	hour = c.AutoRestart.Hour % 12
	if strings.EqualFold(c.AutoRestart.AmPm, "PM") {
		hour += 12
	}
	return hour, c.AutoRestart.Minute
}

// RestartAt returns the scheduled restart instant on the calendar day of t.
func (c ServerConfig) RestartAt(t time.Time) time.Time {
	h, m := c.RestartClock()
	y, mo, d := t.Date()
	return time.Date(y, mo, d, h, m, 0, 0, t.Location())
}

// HistoryDSN returns the configured history DSN, defaulting to a SQLite file
// next to the server data.
func (c ServerConfig) HistoryDSN() string {
	if dsn := strings.TrimSpace(c.History.DSN); dsn != "" {
		return dsn
	}
	if d := c.DataDir(); d != "" {
		return filepath.Join(d, HistoryFile)
	}
	return HistoryFile
}
