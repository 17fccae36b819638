// Copyright 2024 The vsmanager Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api exposes the control plane over HTTP and WebSocket. All
// JSON routes live under /api/v1alpha1 and use a uniform envelope.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vsmanager/vsmanager/pkg/auth"
	"github.com/vsmanager/vsmanager/pkg/config"
	"github.com/vsmanager/vsmanager/pkg/console"
	"github.com/vsmanager/vsmanager/pkg/metrics"
	"github.com/vsmanager/vsmanager/pkg/mods"
	"github.com/vsmanager/vsmanager/pkg/restart"
	"github.com/vsmanager/vsmanager/pkg/scheduler"
	"github.com/vsmanager/vsmanager/pkg/supervisor"
	"github.com/vsmanager/vsmanager/pkg/versions"
)

// BasePath prefixes every JSON route.
const BasePath = "/api/v1alpha1"

// ServerController is the slice of the supervisor the API needs.
type ServerController interface {
	CurrentStatus() supervisor.Status
	Install(ctx context.Context, version string, channel versions.Channel) error
	Uninstall() error
	Start() error
	Stop(ctx context.Context) error
	SendCommand(cmd string) bool
}

// ModService is the slice of the mod manager the API needs.
type ModService interface {
	List() []mods.ModInfo
	Get(slug string) (mods.ModInfo, error)
	Lookup(ctx context.Context, slugOrURL string) (mods.LookupResult, error)
	Install(ctx context.Context, slugOrURL, version string) (mods.InstallResult, error)
	Enable(slug string) (mods.StatusResult, error)
	Disable(slug string) (mods.StatusResult, error)
	Remove(slug string) (mods.StatusResult, error)
}

// VersionService answers version queries from the snapshot cache,
// fetching live when nothing is cached yet.
type VersionService interface {
	List(ctx context.Context, ch versions.Channel) ([]versions.VersionInfo, time.Time, error)
	Latest(ctx context.Context, ch versions.Channel) (versions.VersionInfo, error)
	Resolve(ctx context.Context, version string) (versions.VersionInfo, error)
}

// Options wires the API server to the rest of the control plane.
type Options struct {
	Keys    *auth.Keys
	Tokens  *auth.TokenStore
	Ring    *console.Ring
	Server  ServerController
	Mods    ModService
	Game    *config.GameConfig
	API     *config.APIStore
	Version VersionService
	Metrics *metrics.Ring
	Sched   *scheduler.Scheduler
	Pending *restart.Pending
	// LogsDir is the game server's log directory.
	LogsDir string
	// CORSOrigins lists allowed origins; empty allows none.
	CORSOrigins []string
	// Registry backs the Prometheus exposition endpoint.
	Registry *prometheus.Registry
	Logger   log.Logger
}

// Server is the HTTP/WS front end.
type Server struct {
	opts   Options
	echo   *echo.Echo
	logger log.Logger
}

// New builds the router. Call Serve to start listening.
func New(opts Options) *Server {
	s := &Server{opts: opts, logger: opts.Logger}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler
	e.Use(middleware.Recover())
	e.Use(s.logRequests)
	if len(opts.CORSOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: opts.CORSOrigins,
			AllowHeaders: []string{echo.HeaderContentType, "X-API-Key"},
		}))
	}

	e.GET("/healthz", s.handleHealthz)
	e.GET("/readyz", s.handleReadyz)
	if opts.Registry != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})))
	}

	g := e.Group(BasePath, s.authenticate)

	g.GET("/auth/me", s.handleAuthMe)
	g.POST("/auth/ws-token", s.handleWSToken)

	g.GET("/server", s.handleServerStatus)
	g.POST("/server", s.handleServerAction, s.requireAdmin)
	g.DELETE("/server", s.handleServerUninstall, s.requireAdmin)

	g.GET("/versions", s.handleVersionsList)
	g.GET("/versions/:version", s.handleVersionGet)

	g.GET("/config/game", s.handleGameConfig)
	g.POST("/config/game/settings/:key", s.handleGameSettingUpdate, s.requireAdmin)
	g.GET("/config/api", s.handleAPIConfig, s.requireAdmin)
	g.POST("/config/api/settings/:key", s.handleAPISettingUpdate, s.requireAdmin)
	g.GET("/config/files", s.handleConfigFiles)
	g.GET("/config/files/:name", s.handleConfigFileRead)

	g.GET("/mods", s.handleModsList)
	g.GET("/mods/:slug", s.handleModGet)
	g.POST("/mods/lookup", s.handleModLookup, s.requireAdmin)
	g.POST("/mods/install", s.handleModInstall, s.requireAdmin)
	g.POST("/mods/:slug/enable", s.handleModEnable, s.requireAdmin)
	g.POST("/mods/:slug/disable", s.handleModDisable, s.requireAdmin)
	g.DELETE("/mods/:slug", s.handleModRemove, s.requireAdmin)

	g.GET("/console/history", s.handleConsoleHistory, s.requireConsole)
	g.POST("/console/command", s.handleConsoleCommand, s.requireConsole)
	g.GET("/console/logs", s.handleLogsList, s.requireConsole)
	g.GET("/console/logs/:name", s.handleLogRead, s.requireConsole)

	g.GET("/metrics/current", s.handleMetricsCurrent, s.requireAdmin)
	g.GET("/metrics/history", s.handleMetricsHistory, s.requireAdmin)

	g.GET("/jobs", s.handleJobsList, s.requireAdmin)
	g.GET("/jobs/:id", s.handleJobGet, s.requireAdmin)
	g.DELETE("/jobs/:id", s.handleJobRemove, s.requireAdmin)

	// WebSockets authenticate via query parameters inside the handler
	// because browsers cannot set headers on WS upgrades.
	e.GET(BasePath+"/console/ws", s.handleConsoleWS)
	e.GET(BasePath+"/console/logs/ws", s.handleLogTailWS)

	s.echo = e
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	errc := make(chan error, 1)
	go func() {
		errc <- s.echo.Start(addr)
	}()
	_ = level.Info(s.logger).Log("msg", "API server listening", "addr", addr)

	select {
	case err := <-errc:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}

// logRequests emits one debug line per completed request.
func (s *Server) logRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		_ = level.Debug(s.logger).Log(
			"msg", "request",
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"status", c.Response().Status,
			"duration", time.Since(start),
		)
		return nil
	}
}

const roleContextKey = "vsmanager.role"

// authenticate resolves X-API-Key (or a ws token in ?token=) to a role
// and stores it on the request context.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Request().Header.Get("X-API-Key")
		role, err := s.opts.Keys.Verify(key)
		if err != nil {
			_ = level.Debug(s.logger).Log("msg", "authentication failed", "key_prefix", auth.KeyPrefix(key), "path", c.Path())
			return err
		}
		c.Set(roleContextKey, role)
		return next(c)
	}
}

func roleOf(c echo.Context) auth.Role {
	role, _ := c.Get(roleContextKey).(auth.Role)
	return role
}

func (s *Server) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := auth.RequireAdmin(roleOf(c)); err != nil {
			return err
		}
		return next(c)
	}
}

func (s *Server) requireConsole(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := auth.RequireConsole(roleOf(c)); err != nil {
			return err
		}
		return next(c)
	}
}
