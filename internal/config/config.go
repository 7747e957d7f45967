package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/loykin/warden/internal/process"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// WARDEN_AUTO_SAVE_ENABLED=true.
const EnvPrefix = "WARDEN"

// Issue is a field that could not be used as given and was replaced by its default.
type Issue struct {
	Key    string
	Value  any
	Reason string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s=%v: %s", i.Key, i.Value, i.Reason)
}

// legacy flat keys accepted alongside the nested form, in lookup order.
var aliases = map[string][]string{
	"server.executable":            {"ServerExecutable", "ServerExePath", "ExePath"},
	"server.launch_args":           {"LaunchArguments", "ServerArgs", "Arguments"},
	"server.data_path":             {"ServerDataPath", "VintageStoryServerData"},
	"auto_save.enabled":            {"AutoSaveEnabled"},
	"auto_save.interval_minutes":   {"AutoSaveMinutes", "AutoSaveIntervalMinutes"},
	"auto_backup.enabled":          {"AutoBackupEnabled"},
	"auto_backup.interval_minutes": {"AutoBackupMinutes", "AutoBackupIntervalMinutes"},
	"auto_backup.max_files":        {"MaxBackupFiles"},
	"auto_restart.enabled":         {"AutoRestartEnabled"},
	"auto_restart.hour":            {"AutoRestartHour12", "AutoRestartHour"},
	"auto_restart.minute":          {"AutoRestartMinute"},
	"auto_restart.ampm":            {"AutoRestartAmPm"},
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml", ".toml":
	default:
		v.SetConfigType("toml")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the settings file at path. A missing file yields defaults.
// Fields that cannot be decoded or are out of range fall back to their
// defaults and are reported as issues. A file that cannot be parsed at all
// returns defaults together with the parse error.
func Load(path string) (ServerConfig, []Issue, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if errors.As(err, &nf) || errors.Is(err, fs.ErrNotExist) {
			cfg, issues := decode(v)
			return cfg, issues, nil
		}
		return Default(), nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, issues := decode(v)
	return cfg, issues, nil
}

type reader struct {
	v      *viper.Viper
	issues []Issue
}

// lookup returns the first key among key and its legacy aliases that is set.
func (r *reader) lookup(key string) (string, any, bool) {
	if r.v.IsSet(key) {
		return key, r.v.Get(key), true
	}
	for _, k := range aliases[key] {
		if r.v.IsSet(k) {
			return k, r.v.Get(k), true
		}
	}
	return "", nil, false
}

func (r *reader) bad(key string, val any, reason string) {
	r.issues = append(r.issues, Issue{Key: key, Value: val, Reason: reason})
}

func (r *reader) str(key, def string) string {
	_, raw, ok := r.lookup(key)
	if !ok {
		return def
	}
	s, err := cast.ToStringE(raw)
	if err != nil {
		r.bad(key, raw, err.Error())
		return def
	}
	return s
}

func (r *reader) boolean(key string, def bool) bool {
	k, raw, ok := r.lookup(key)
	if !ok {
		return def
	}
	b, err := cast.ToBoolE(raw)
	if err != nil {
		r.bad(k, raw, "not a boolean")
		return def
	}
	return b
}

func (r *reader) integer(key string, def int) int {
	k, raw, ok := r.lookup(key)
	if !ok {
		return def
	}
	n, err := cast.ToIntE(raw)
	if err != nil {
		r.bad(k, raw, "not an integer")
		return def
	}
	return n
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	k, raw, ok := r.lookup(key)
	if !ok {
		return def
	}
	d, err := cast.ToDurationE(raw)
	if err != nil || d <= 0 {
		r.bad(k, raw, "not a positive duration")
		return def
	}
	return d
}

// byteSize accepts a plain number or a human-readable size such as "10GB".
func (r *reader) byteSize(key string, def int64) int64 {
	k, raw, ok := r.lookup(key)
	if !ok {
		return def
	}
	if s, isStr := raw.(string); isStr {
		n, err := humanize.ParseBytes(s)
		if err != nil {
			r.bad(k, raw, "not a size")
			return def
		}
		return int64(n)
	}
	n, err := cast.ToInt64E(raw)
	if err != nil || n < 0 {
		r.bad(k, raw, "not a size")
		return def
	}
	return n
}

func decode(v *viper.Viper) (ServerConfig, []Issue) {
	d := Default()
	r := &reader{v: v}
	c := ServerConfig{}

	c.Server = Server{
		Name:            r.str("server.name", d.Server.Name),
		Executable:      r.str("server.executable", d.Server.Executable),
		LaunchArgs:      r.str("server.launch_args", d.Server.LaunchArgs),
		DataPath:        r.str("server.data_path", d.Server.DataPath),
		WorkDir:         r.str("server.work_dir", d.Server.WorkDir),
		PIDFile:         r.str("server.pid_file", d.Server.PIDFile),
		GracefulTimeout: r.duration("server.graceful_timeout", d.Server.GracefulTimeout),
		KillTimeout:     r.duration("server.kill_timeout", d.Server.KillTimeout),
	}
	c.AutoSave = AutoSave{
		Enabled:         r.boolean("auto_save.enabled", d.AutoSave.Enabled),
		IntervalMinutes: r.integer("auto_save.interval_minutes", d.AutoSave.IntervalMinutes),
	}
	c.AutoBackup = AutoBackup{
		Enabled:         r.boolean("auto_backup.enabled", d.AutoBackup.Enabled),
		IntervalMinutes: r.integer("auto_backup.interval_minutes", d.AutoBackup.IntervalMinutes),
		MaxFiles:        r.integer("auto_backup.max_files", d.AutoBackup.MaxFiles),
		MaxTotalBytes:   r.byteSize("auto_backup.max_total_bytes", d.AutoBackup.MaxTotalBytes),
		Dir:             r.str("auto_backup.dir", d.AutoBackup.Dir),
	}
	if c.AutoBackup.MaxTotalBytes == 0 {
		c.AutoBackup.MaxTotalBytes = r.byteSize("auto_backup.max_total_size", 0)
	}
	c.AutoRestart = AutoRestart{
		Enabled: r.boolean("auto_restart.enabled", d.AutoRestart.Enabled),
		Hour:    r.integer("auto_restart.hour", d.AutoRestart.Hour),
		Minute:  r.integer("auto_restart.minute", d.AutoRestart.Minute),
		AmPm:    r.str("auto_restart.ampm", d.AutoRestart.AmPm),
	}
	c.Commands = Commands{
		Save:        r.str("commands.save", d.Commands.Save),
		Backup:      r.str("commands.backup", d.Commands.Backup),
		ListClients: r.str("commands.list_clients", d.Commands.ListClients),
		Announce:    r.str("commands.announce", d.Commands.Announce),
		Shutdown:    r.str("commands.shutdown", d.Commands.Shutdown),
	}
	c.Patterns.ListEcho = r.str("patterns.list_echo", d.Patterns.ListEcho)
	c.Patterns.PlayersHeader = r.str("patterns.players_header", d.Patterns.PlayersHeader)
	c.Patterns.PlayerLine = r.str("patterns.player_line", d.Patterns.PlayerLine)

	c.Log.Slog.Level = r.str("log.slog.level", d.Log.Slog.Level)
	c.Log.Slog.Format = r.str("log.slog.format", d.Log.Slog.Format)
	c.Log.Slog.Color = r.str("log.slog.color", d.Log.Slog.Color)
	c.Log.Slog.TimeStamps = r.boolean("log.slog.timestamps", d.Log.Slog.TimeStamps)
	c.Log.Slog.Source = r.boolean("log.slog.source", d.Log.Slog.Source)
	c.Log.File.Dir = r.str("log.file.dir", d.Log.File.Dir)
	c.Log.File.MaxSizeMB = r.integer("log.file.max_size_mb", d.Log.File.MaxSizeMB)
	c.Log.File.MaxBackups = r.integer("log.file.max_backups", d.Log.File.MaxBackups)
	c.Log.File.MaxAgeDays = r.integer("log.file.max_age_days", d.Log.File.MaxAgeDays)
	c.Log.File.Compress = r.boolean("log.file.compress", d.Log.File.Compress)

	c.Status.Listen = r.str("status.listen", d.Status.Listen)
	c.History.Enabled = r.boolean("history.enabled", d.History.Enabled)
	c.History.DSN = r.str("history.dsn", d.History.DSN)

	issues := append(r.issues, c.Validate()...)
	return c, issues
}

// Validate clamps out-of-range fields back to their defaults in place and
// returns one issue per replaced field.
func (c *ServerConfig) Validate() []Issue {
	d := Default()
	var out []Issue
	fix := func(key string, val any, reason string) {
		out = append(out, Issue{Key: key, Value: val, Reason: reason})
	}
	if strings.TrimSpace(c.Server.Name) == "" {
		c.Server.Name = d.Server.Name
	}
	if strings.TrimSpace(c.Server.Executable) == "" {
		fix("server.executable", c.Server.Executable, "empty")
		c.Server.Executable = d.Server.Executable
	}
	if c.Server.GracefulTimeout <= 0 {
		c.Server.GracefulTimeout = d.Server.GracefulTimeout
	}
	if c.Server.KillTimeout <= 0 {
		c.Server.KillTimeout = d.Server.KillTimeout
	}
	if !inRange(c.AutoSave.IntervalMinutes, MinIntervalMinutes, MaxIntervalMinutes) {
		fix("auto_save.interval_minutes", c.AutoSave.IntervalMinutes, "must be between 1 and 999")
		c.AutoSave.IntervalMinutes = d.AutoSave.IntervalMinutes
	}
	if !inRange(c.AutoBackup.IntervalMinutes, MinIntervalMinutes, MaxIntervalMinutes) {
		fix("auto_backup.interval_minutes", c.AutoBackup.IntervalMinutes, "must be between 1 and 999")
		c.AutoBackup.IntervalMinutes = d.AutoBackup.IntervalMinutes
	}
	if c.AutoBackup.MaxFiles < 0 {
		fix("auto_backup.max_files", c.AutoBackup.MaxFiles, "must not be negative")
		c.AutoBackup.MaxFiles = 0
	}
	if c.AutoBackup.MaxTotalBytes < 0 {
		fix("auto_backup.max_total_bytes", c.AutoBackup.MaxTotalBytes, "must not be negative")
		c.AutoBackup.MaxTotalBytes = 0
	}
	if !inRange(c.AutoRestart.Hour, 1, 12) {
		fix("auto_restart.hour", c.AutoRestart.Hour, "must be between 1 and 12")
		c.AutoRestart.Hour = d.AutoRestart.Hour
	}
	if !inRange(c.AutoRestart.Minute, 0, 59) {
		fix("auto_restart.minute", c.AutoRestart.Minute, "must be between 0 and 59")
		c.AutoRestart.Minute = d.AutoRestart.Minute
	}
	switch ap := strings.ToUpper(strings.TrimSpace(c.AutoRestart.AmPm)); ap {
	case "AM", "PM":
		c.AutoRestart.AmPm = ap
	default:
		fix("auto_restart.ampm", c.AutoRestart.AmPm, "must be AM or PM")
		c.AutoRestart.AmPm = d.AutoRestart.AmPm
	}
	for _, cmd := range []struct {
		key string
		val *string
		def string
	}{
		{"commands.save", &c.Commands.Save, d.Commands.Save},
		{"commands.backup", &c.Commands.Backup, d.Commands.Backup},
		{"commands.list_clients", &c.Commands.ListClients, d.Commands.ListClients},
		{"commands.announce", &c.Commands.Announce, d.Commands.Announce},
		{"commands.shutdown", &c.Commands.Shutdown, d.Commands.Shutdown},
	} {
		if strings.TrimSpace(*cmd.val) == "" {
			*cmd.val = cmd.def
		}
	}
	return out
}

func inRange(n, lo, hi int) bool { return n >= lo && n <= hi }

// Save writes cfg in the nested form. The format follows the file extension.
func Save(path string, cfg ServerConfig) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	v := viper.New()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml", ".toml":
	default:
		v.SetConfigType("toml")
	}
	set := map[string]any{
		"server.name":                  cfg.Server.Name,
		"server.executable":            cfg.Server.Executable,
		"server.launch_args":           cfg.Server.LaunchArgs,
		"server.data_path":             cfg.Server.DataPath,
		"server.work_dir":              cfg.Server.WorkDir,
		"server.pid_file":              cfg.Server.PIDFile,
		"server.graceful_timeout":      cfg.Server.GracefulTimeout.String(),
		"server.kill_timeout":          cfg.Server.KillTimeout.String(),
		"auto_save.enabled":            cfg.AutoSave.Enabled,
		"auto_save.interval_minutes":   cfg.AutoSave.IntervalMinutes,
		"auto_backup.enabled":          cfg.AutoBackup.Enabled,
		"auto_backup.interval_minutes": cfg.AutoBackup.IntervalMinutes,
		"auto_backup.max_files":        cfg.AutoBackup.MaxFiles,
		"auto_backup.max_total_bytes":  cfg.AutoBackup.MaxTotalBytes,
		"auto_backup.dir":              cfg.AutoBackup.Dir,
		"auto_restart.enabled":         cfg.AutoRestart.Enabled,
		"auto_restart.hour":            cfg.AutoRestart.Hour,
		"auto_restart.minute":          cfg.AutoRestart.Minute,
		"auto_restart.ampm":            cfg.AutoRestart.AmPm,
		"commands.save":                cfg.Commands.Save,
		"commands.backup":              cfg.Commands.Backup,
		"commands.list_clients":        cfg.Commands.ListClients,
		"commands.announce":            cfg.Commands.Announce,
		"commands.shutdown":            cfg.Commands.Shutdown,
		"patterns.list_echo":           cfg.Patterns.ListEcho,
		"patterns.players_header":      cfg.Patterns.PlayersHeader,
		"patterns.player_line":         cfg.Patterns.PlayerLine,
		"log.slog.level":               cfg.Log.Slog.Level,
		"log.slog.format":              cfg.Log.Slog.Format,
		"log.slog.color":               cfg.Log.Slog.Color,
		"log.slog.timestamps":          cfg.Log.Slog.TimeStamps,
		"log.slog.source":              cfg.Log.Slog.Source,
		"log.file.dir":                 cfg.Log.File.Dir,
		"log.file.max_size_mb":         cfg.Log.File.MaxSizeMB,
		"log.file.max_backups":         cfg.Log.File.MaxBackups,
		"log.file.max_age_days":        cfg.Log.File.MaxAgeDays,
		"log.file.compress":            cfg.Log.File.Compress,
		"status.listen":                cfg.Status.Listen,
		"history.enabled":              cfg.History.Enabled,
		"history.dsn":                  cfg.History.DSN,
	}
	for k, val := range set {
		v.Set(k, val)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Watch calls fn with a freshly decoded snapshot whenever the file at path
// changes. Callbacks stop once ctx is done.
func Watch(ctx context.Context, path string, fn func(ServerConfig, []Issue)) error {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("watch config %s: %w", path, err)
	}
	var done atomic.Bool
	go func() {
		<-ctx.Done()
		done.Store(true)
	}()
	v.OnConfigChange(func(e fsnotify.Event) {
		if done.Load() || e.Has(fsnotify.Remove) {
			return
		}
		cfg, issues := decode(v)
		fn(cfg, issues)
	})
	v.WatchConfig()
	return nil
}

// DefaultPath returns the settings file location: <dataPath>/ModConfig when a
// data path is known, else the user config directory.
func DefaultPath(dataPath string) string {
	if dp := strings.Trim(strings.TrimSpace(dataPath), `"`); dp != "" {
		return filepath.Join(process.ResolvePath(dp), "ModConfig", FileName)
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "warden", FileName)
	}
	return FileName
}
