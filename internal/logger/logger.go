package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 3 // MB
	DefaultMaxBackups = 3 // number of backup files
	DefaultMaxAgeDays = 7 // days

	DiagnosticFile = "warden.log"
)

// SlogConfig controls the operator-facing structured logger.
type SlogConfig struct {
	Level      string `mapstructure:"level" json:"level"`   // debug, info, warn, error
	Format     string `mapstructure:"format" json:"format"` // text or json
	Color      string `mapstructure:"color" json:"color"`   // auto, always, never
	TimeStamps bool   `mapstructure:"timestamps" json:"timestamps"`
	Source     bool   `mapstructure:"source" json:"source"`
}

// FileConfig describes the rotated files under Dir.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir" json:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days"`
	Compress   bool   `mapstructure:"compress" json:"compress"`
}

type Config struct {
	Slog SlogConfig `mapstructure:"slog" json:"slog"`
	File FileConfig `mapstructure:"file" json:"file"`
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// UseColor resolves the color setting against w.
func (c SlogConfig) UseColor(w io.Writer) bool {
	switch strings.ToLower(c.Color) {
	case "always":
		return true
	case "never":
		return false
	}
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// NewSlogger builds the process logger writing to console. When File.Dir is
// set, records are also written as JSON to a rotated diagnostic file. The
// returned closer releases that file.
func (c Config) NewSlogger(console io.Writer) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Slog.Level), AddSource: c.Slog.Source}

	var h slog.Handler
	switch {
	case strings.EqualFold(c.Slog.Format, "json"):
		h = slog.NewJSONHandler(console, opts)
	case c.Slog.UseColor(console):
		h = NewColorTextHandler(console, opts, c.Slog.TimeStamps)
	default:
		o := *opts
		if !c.Slog.TimeStamps {
			o.ReplaceAttr = dropTime
		}
		h = slog.NewTextHandler(console, &o)
	}

	var closer io.Closer = nopCloser{}
	if c.File.Dir != "" {
		fw := c.File.rotating(filepath.Join(c.File.Dir, DiagnosticFile))
		// the diagnostic file always records debug detail
		fh := slog.NewJSONHandler(fw, &slog.HandlerOptions{Level: slog.LevelDebug, AddSource: true})
		h = teeHandler{h, fh}
		closer = fw
	}
	return slog.New(h), closer
}

// Writers returns a rotated transcript writer for the named console,
// Dir/<name>.console.log. It returns nil when no Dir is configured.
func (c Config) Writers(name string) (io.WriteCloser, error) {
	if c.File.Dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(c.File.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return c.File.rotating(filepath.Join(c.File.Dir, fmt.Sprintf("%s.console.log", name))), nil
}

func (f FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
