// Package warden embeds the dedicated server manager: supervision, console
// relay, scheduled saves, backups and daily restarts.
package warden

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/warden/internal/automation"
	cfg "github.com/loykin/warden/internal/config"
	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/history/factory"
	"github.com/loykin/warden/internal/manager"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/process"
	iapi "github.com/loykin/warden/internal/server"
)

// Re-export core types for external consumers.

type Config = cfg.ServerConfig

type ConfigIssue = cfg.Issue

type Snapshot = automation.Snapshot

type Status = process.Status

type Line = process.Line

type Options = manager.Options

type HistorySink = history.Sink

type HistoryRecorder = history.Recorder

// Manager is a thin facade over internal/manager.Manager.
type Manager = manager.Manager

func DefaultConfig() Config { return cfg.Default() }

// LoadConfig reads path. Fields that fail validation fall back to defaults
// and are reported as issues.
func LoadConfig(path string) (Config, []ConfigIssue, error) { return cfg.Load(path) }

func SaveConfig(path string, c Config) error { return cfg.Save(path, c) }

func New(c Config, opts Options) (*Manager, error) { return manager.New(c, opts) }

// NewHistory opens the sink named by dsn and starts a recorder on it.
func NewHistory(dsn string, l *slog.Logger) (*HistoryRecorder, error) {
	sink, err := factory.NewSinkFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	return history.NewRecorder(l, sink), nil
}

// NewHTTPServer starts the read-only status API for m.
func NewHTTPServer(addr, basePath string, m *Manager, l *slog.Logger) *http.Server {
	return iapi.NewServer(addr, basePath, m, l)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
