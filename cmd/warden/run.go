package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/warden/internal/config"
	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/history/factory"
	"github.com/loykin/warden/internal/manager"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/server"
)

func runCommand(ctx context.Context, cfgFlag string, flags RunFlags, in io.Reader, out io.Writer) error {
	path := resolveConfigPath(cfgFlag)
	cfg, issues, loadErr := config.Load(path)

	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}

	log, logCloser := cfg.Log.NewSlogger(os.Stderr)
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(log)
	if loadErr != nil {
		log.Warn("settings file unreadable; using defaults", "path", path, "err", loadErr)
	}
	for _, is := range issues {
		log.Warn("setting replaced by default", "field", is.Key, "value", is.Value, "reason", is.Reason)
	}
	log.Info("settings loaded", "path", path)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("metrics registration failed", "err", err)
	}

	var rec *history.Recorder
	if cfg.History.Enabled {
		sink, err := factory.NewSinkFromDSN(cfg.HistoryDSN())
		if err != nil {
			log.Warn("history disabled", "err", err)
		} else {
			rec = history.NewRecorder(log, sink)
			defer func() { _ = rec.Close() }()
		}
	}

	mopts := manager.Options{Logger: log, History: rec}
	transcript, err := cfg.Log.Writers(cfg.Server.Name)
	if err != nil {
		log.Warn("console transcript disabled", "err", err)
	} else if transcript != nil {
		defer func() { _ = transcript.Close() }()
		mopts.Transcript = transcript
	}
	p := newPainter(out, cfg.Log.Slog.UseColor(out))
	mopts.Display = p.show

	mgr, err := manager.New(cfg, mopts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	loopCtx, cancelLoop := context.WithCancel(context.Background())
	loopDone := make(chan error, 1)
	go func() { loopDone <- mgr.Run(loopCtx) }()

	if cfg.Status.Listen != "" {
		srv := server.NewServer(cfg.Status.Listen, "", mgr, log)
		defer func() { _ = srv.Close() }()
	}

	if fileExists(path) {
		err := config.Watch(ctx, path, func(next config.ServerConfig, issues []config.Issue) {
			for _, is := range issues {
				log.Warn("setting replaced by default", "field", is.Key, "value", is.Value, "reason", is.Reason)
			}
			if err := mgr.ApplyConfig(ctx, next); err != nil {
				log.Error("settings not applied", "err", err)
				return
			}
			p.manager("Settings reloaded.")
		})
		if err != nil {
			log.Warn("settings watch disabled", "err", err)
		}
	}

	if flags.Start {
		_ = mgr.Start(ctx)
	}
	p.manager("Type :help for manager commands.")

	lines := make(chan string)
	go readLines(in, lines)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case l, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if dispatch(ctx, mgr, p, l) {
				break loop
			}
		}
	}

	p.manager("Shutting down...")
	cur := mgr.Config()
	sctx, cancel := context.WithTimeout(context.Background(), cur.Server.GracefulTimeout+cur.Server.KillTimeout+time.Second)
	defer cancel()
	if err := mgr.Shutdown(sctx); err != nil {
		log.Error("server shutdown", "err", err)
	}
	cancelLoop()
	if err := <-loopDone; err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("automation loop: %w", err)
	}
	return nil
}
