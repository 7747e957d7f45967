package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/loykin/warden/internal/backup"
	"github.com/loykin/warden/internal/config"
	"github.com/loykin/warden/internal/console"
	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/history/factory"
	"github.com/loykin/warden/internal/mods"
	"github.com/loykin/warden/internal/process"
)

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular()
}

// resolveConfigPath picks the settings file: the flag, then the file under
// the server's ModConfig folder, then the user config directory.
func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("WARDEN_CONFIG"); env != "" {
		return env
	}
	userPath := config.DefaultPath("")
	if cfg, _, err := config.Load(userPath); err == nil && cfg.Server.DataPath != "" {
		if p := config.DefaultPath(cfg.Server.DataPath); fileExists(p) {
			return p
		}
	}
	if d := config.Default().DataDir(); d != "" {
		if p := filepath.Join(d, "ModConfig", config.FileName); fileExists(p) {
			return p
		}
	}
	return userPath
}

func loadConfig(flag string) (config.ServerConfig, string, []config.Issue, error) {
	path := resolveConfigPath(flag)
	cfg, issues, err := config.Load(path)
	return cfg, path, issues, err
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

func configInit(flag string, flags ConfigInitFlags, out io.Writer) error {
	path := resolveConfigPath(flag)
	if fileExists(path) && !flags.Force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.Save(path, config.Default()); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "Wrote %s\n", path)
	return nil
}

func configShow(flag string, out io.Writer) error {
	cfg, _, _, err := loadConfig(flag)
	if err != nil {
		return err
	}
	printJSON(out, cfg)
	return nil
}

func configValidate(flag string, out io.Writer) error {
	cfg, path, issues, err := loadConfig(flag)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "Settings: %s\n", path)
	if !fileExists(path) {
		_, _ = fmt.Fprintln(out, "  file not found; defaults apply")
	}
	for _, is := range issues {
		_, _ = fmt.Fprintf(out, "  warning: %s (default used)\n", is)
	}
	spec := cfg.LaunchSpec()
	exe := spec.ResolvedExecutable()
	if _, err := os.Stat(exe); err != nil {
		_, _ = fmt.Fprintf(out, "  warning: executable not found: %s\n", exe)
	}
	if spec.ConflictsWithDataPath() {
		_, _ = fmt.Fprintln(out, "  error: launch_args must not contain --dataPath; set data_path instead")
		return process.ErrConflictingDataPath
	}
	if _, err := spec.Argv(); err != nil {
		_, _ = fmt.Fprintf(out, "  error: %v\n", err)
		return err
	}
	if _, err := console.NewClassifier(cfg.Patterns); err != nil {
		_, _ = fmt.Fprintf(out, "  error: %v\n", err)
		return err
	}
	_, _ = fmt.Fprintln(out, "  OK")
	return nil
}

func backupPrune(flag string, flags PruneFlags, out io.Writer) error {
	cfg, _, _, err := loadConfig(flag)
	if err != nil {
		return err
	}
	dir := flags.Dir
	if dir == "" {
		dir = cfg.BackupDir()
	}
	if dir == "" {
		return errors.New("no backup folder configured")
	}
	limits := cfg.RetentionLimits(false)
	if flags.MaxFiles >= 0 {
		limits.MaxFiles = flags.MaxFiles
	}
	if s := strings.TrimSpace(flags.MaxSize); s != "" {
		if s == "0" {
			limits.MaxBytes = 0
		} else {
			n, err := humanize.ParseBytes(s)
			if err != nil {
				return fmt.Errorf("invalid --max-size %q: %w", s, err)
			}
			limits.MaxBytes = int64(n)
		}
	}

	if flags.DryRun {
		files, err := backup.List(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				_, _ = fmt.Fprintf(out, "Backup folder not found: %s\n", dir)
				return nil
			}
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "CREATED\tSIZE\tFILE")
		for _, f := range files {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Created.Format(time.DateTime), humanize.IBytes(uint64(f.Size)), f.Name)
		}
		return tw.Flush()
	}

	log, closer := cfg.Log.NewSlogger(os.Stderr)
	defer func() { _ = closer.Close() }()
	rep, err := backup.NewEnforcer(log).Enforce(dir, limits)
	if err != nil {
		return err
	}
	for _, d := range rep.Deleted {
		_, _ = fmt.Fprintf(out, "deleted %s\n", filepath.Base(d))
	}
	_, _ = fmt.Fprintf(out, "%d deleted (%s), %d remaining (%s)\n",
		len(rep.Deleted), humanize.IBytes(uint64(rep.DeletedBytes)),
		rep.Remaining, humanize.IBytes(uint64(rep.RemainingBytes)))
	if rep.Failed != "" {
		return fmt.Errorf("stopped: could not delete %s", rep.Failed)
	}
	return nil
}

func listMods(flag string, out io.Writer) error {
	cfg, _, _, err := loadConfig(flag)
	if err != nil {
		return err
	}
	dir := cfg.ModsDir()
	list, err := mods.List(dir)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		_, _ = fmt.Fprintf(out, "No files found in %s\n", dir)
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "FILE\tSIZE\tMOD\tVERSION")
	for _, m := range list {
		name, ver := "-", "-"
		if m.Info != nil {
			name, ver = m.Info.Name, m.Info.Version
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.File, humanize.IBytes(uint64(m.Size)), name, ver)
	}
	return tw.Flush()
}

// recentLister is implemented by sinks that can read events back.
type recentLister interface {
	Recent(ctx context.Context, limit int) ([]history.Event, error)
}

func showHistory(ctx context.Context, flag string, flags HistoryFlags, out io.Writer) error {
	cfg, _, _, err := loadConfig(flag)
	if err != nil {
		return err
	}
	sink, err := factory.NewSinkFromDSN(cfg.HistoryDSN())
	if err != nil {
		return err
	}
	if c, ok := sink.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}
	rl, ok := sink.(recentLister)
	if !ok {
		return fmt.Errorf("history sink %T cannot list events", sink)
	}
	events, err := rl.Recent(ctx, flags.Limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tEVENT\tPID\tDETAIL")
	for _, e := range events {
		detail := e.Record.Detail
		if e.Record.Error != "" {
			detail = strings.TrimSpace(detail + " error: " + e.Record.Error)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", e.OccurredAt.Local().Format(time.DateTime), e.Type, e.Record.PID, detail)
	}
	return tw.Flush()
}
