// Package server exposes a read-only HTTP view of the managed server.
package server

import (
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/warden/internal/automation"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/process"
)

// Source provides the state served by the router.
type Source interface {
	Snapshot() automation.Snapshot
}

// Router provides embeddable read-only HTTP handlers.
// Endpoints:
//
//	GET {basePath}/status   JSON snapshot
//	GET {basePath}/players  online player names
//	GET {basePath}/metrics  Prometheus exposition
//	GET {basePath}/healthz  200 while the server runs, 503 otherwise
type Router struct {
	src      Source
	basePath string
}

func NewRouter(src Source, basePath string) *Router {
	return &Router{src: src, basePath: cleanBase(basePath)}
}

// cleanBase turns "api/", "/api" and "/api/" into "/api"; "" and "/" mount at the root.
func cleanBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" {
		return ""
	}
	bp = path.Clean("/" + bp)
	if bp == "/" {
		return ""
	}
	return bp
}

// noStore marks every response as uncacheable; snapshots change every second.
func noStore(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.Next()
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), noStore)
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/players", r.handlePlayers)
	group.GET("/healthz", r.handleHealth)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, src Source, l *slog.Logger) *http.Server {
	if l == nil {
		l = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(src, basePath).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Error("status server stopped", "addr", addr, "err", err)
		}
	}()
	l.Info("status server listening", "addr", addr)
	return server
}

type playersResp struct {
	Count int      `json:"count"`
	Names []string `json:"names"`
}

type healthResp struct {
	Status process.Status `json:"status"`
	PID    int            `json:"pid,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.src.Snapshot())
}

func (r *Router) handlePlayers(c *gin.Context) {
	snap := r.src.Snapshot()
	names := snap.PlayerNames
	if names == nil {
		names = []string{}
	}
	c.JSON(http.StatusOK, playersResp{Count: snap.Players, Names: names})
}

func (r *Router) handleHealth(c *gin.Context) {
	snap := r.src.Snapshot()
	code := http.StatusOK
	if snap.Status != process.StatusRunning {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, healthResp{Status: snap.Status, PID: snap.PID})
}
