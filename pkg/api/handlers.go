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

package api

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/labstack/echo/v4"

	"github.com/vsmanager/vsmanager/pkg/apierr"
	"github.com/vsmanager/vsmanager/pkg/metrics"
	"github.com/vsmanager/vsmanager/pkg/versions"
)

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAuthMe(c echo.Context) error {
	return ok(c, map[string]string{"role": string(roleOf(c))})
}

func (s *Server) handleWSToken(c echo.Context) error {
	tok, err := s.opts.Tokens.Create(roleOf(c))
	if err != nil {
		return apierr.Wrap(err, apierr.CodeInternal, "issue token")
	}
	return ok(c, map[string]any{
		"token":              tok.Value,
		"expires_at":         tok.ExpiresAt.UTC(),
		"expires_in_seconds": int(s.opts.Tokens.TTL().Seconds()),
	})
}

func (s *Server) handleServerStatus(c echo.Context) error {
	st := s.opts.Server.CurrentStatus()
	return ok(c, map[string]any{
		"server":          st,
		"pending_restart": s.opts.Pending.IsPending(),
		"pending_changes": s.opts.Pending.Changes(),
	})
}

type serverActionRequest struct {
	Action  string `json:"action"`
	Version string `json:"version"`
	Channel string `json:"channel"`
}

func (s *Server) handleServerAction(c echo.Context) error {
	var req serverActionRequest
	if err := c.Bind(&req); err != nil {
		return apierr.New(apierr.CodeValidation, "invalid request body")
	}

	switch req.Action {
	case "install":
		ch := versions.ChannelStable
		if req.Channel != "" {
			var err error
			if ch, err = versions.ParseChannel(req.Channel); err != nil {
				return err
			}
		}
		if err := s.opts.Server.Install(c.Request().Context(), req.Version, ch); err != nil {
			return err
		}
	case "start":
		if err := s.opts.Server.Start(); err != nil {
			return err
		}
	case "stop":
		if err := s.opts.Server.Stop(c.Request().Context()); err != nil {
			return err
		}
	case "restart":
		if err := s.opts.Server.Stop(c.Request().Context()); err != nil {
			return err
		}
		if err := s.opts.Server.Start(); err != nil {
			return err
		}
	default:
		return apierr.New(apierr.CodeValidation, "unknown action %q", req.Action)
	}
	return ok(c, s.opts.Server.CurrentStatus())
}

func (s *Server) handleServerUninstall(c echo.Context) error {
	if err := s.opts.Server.Uninstall(); err != nil {
		return err
	}
	return ok(c, s.opts.Server.CurrentStatus())
}

func (s *Server) handleVersionsList(c echo.Context) error {
	ch := versions.ChannelStable
	if q := c.QueryParam("channel"); q != "" {
		var err error
		if ch, err = versions.ParseChannel(q); err != nil {
			return err
		}
	}
	vs, cachedAt, err := s.opts.Version.List(c.Request().Context(), ch)
	if err != nil {
		return err
	}
	return ok(c, map[string]any{
		"channel":   ch,
		"versions":  vs,
		"cached_at": cachedAt.UTC(),
	})
}

func (s *Server) handleVersionGet(c echo.Context) error {
	v, err := s.opts.Version.Resolve(c.Request().Context(), c.Param("version"))
	if err != nil {
		return err
	}
	return ok(c, v)
}

func (s *Server) handleGameConfig(c echo.Context) error {
	view, err := s.opts.Game.GetSettings()
	if err != nil {
		return err
	}
	return ok(c, view)
}

type settingUpdateRequest struct {
	Value any `json:"value"`
}

func (s *Server) handleGameSettingUpdate(c echo.Context) error {
	var req settingUpdateRequest
	if err := c.Bind(&req); err != nil {
		return apierr.New(apierr.CodeValidation, "invalid request body")
	}
	res, err := s.opts.Game.UpdateSetting(c.Param("key"), req.Value)
	if err != nil {
		return err
	}
	return ok(c, res)
}

func (s *Server) handleAPIConfig(c echo.Context) error {
	return ok(c, s.opts.API.Get())
}

func (s *Server) handleAPISettingUpdate(c echo.Context) error {
	var req settingUpdateRequest
	if err := c.Bind(&req); err != nil {
		return apierr.New(apierr.CodeValidation, "invalid request body")
	}
	settings, err := s.opts.API.Update(c.Param("key"), req.Value)
	if err != nil {
		return err
	}
	return ok(c, settings)
}

// configFiles are the raw files exposed read-only.
func (s *Server) configFiles() map[string]string {
	return map[string]string{
		"serverconfig.json": s.opts.Game.Path(),
	}
}

func (s *Server) handleConfigFiles(c echo.Context) error {
	type fileInfo struct {
		Name    string    `json:"name"`
		Size    int64     `json:"size"`
		ModTime time.Time `json:"mod_time"`
	}
	var files []fileInfo
	for name, path := range s.configFiles() {
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		files = append(files, fileInfo{Name: name, Size: fi.Size(), ModTime: fi.ModTime().UTC()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return ok(c, files)
}

func (s *Server) handleConfigFileRead(c echo.Context) error {
	path, found := s.configFiles()[c.Param("name")]
	if !found {
		return apierr.New(apierr.CodeConfigNotFound, "config file %q not found", c.Param("name"))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return apierr.New(apierr.CodeConfigNotFound, "config file %q not found", c.Param("name"))
		}
		return apierr.Wrap(err, apierr.CodeInternal, "read config file")
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, data)
}

func (s *Server) handleModsList(c echo.Context) error {
	return ok(c, s.opts.Mods.List())
}

func (s *Server) handleModGet(c echo.Context) error {
	info, err := s.opts.Mods.Get(c.Param("slug"))
	if err != nil {
		return err
	}
	return ok(c, info)
}

type modRequest struct {
	SlugOrURL string `json:"slug_or_url"`
	Version   string `json:"version"`
}

func (s *Server) handleModLookup(c echo.Context) error {
	var req modRequest
	if err := c.Bind(&req); err != nil || req.SlugOrURL == "" {
		return apierr.New(apierr.CodeValidation, "slug_or_url is required")
	}
	res, err := s.opts.Mods.Lookup(c.Request().Context(), req.SlugOrURL)
	if err != nil {
		return err
	}
	return ok(c, res)
}

func (s *Server) handleModInstall(c echo.Context) error {
	var req modRequest
	if err := c.Bind(&req); err != nil || req.SlugOrURL == "" {
		return apierr.New(apierr.CodeValidation, "slug_or_url is required")
	}
	res, err := s.opts.Mods.Install(c.Request().Context(), req.SlugOrURL, req.Version)
	if err != nil {
		return err
	}
	return ok(c, res)
}

func (s *Server) handleModEnable(c echo.Context) error {
	res, err := s.opts.Mods.Enable(c.Param("slug"))
	if err != nil {
		return err
	}
	return ok(c, res)
}

func (s *Server) handleModDisable(c echo.Context) error {
	res, err := s.opts.Mods.Disable(c.Param("slug"))
	if err != nil {
		return err
	}
	return ok(c, res)
}

func (s *Server) handleModRemove(c echo.Context) error {
	res, err := s.opts.Mods.Remove(c.Param("slug"))
	if err != nil {
		return err
	}
	return ok(c, res)
}

func (s *Server) handleConsoleHistory(c echo.Context) error {
	limit := 0
	if q := c.QueryParam("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			return apierr.New(apierr.CodeValidation, "limit must be an integer")
		}
		limit = n
	}
	return ok(c, map[string]any{"lines": s.opts.Ring.History(limit)})
}

type commandRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleConsoleCommand(c echo.Context) error {
	var req commandRequest
	if err := c.Bind(&req); err != nil {
		return apierr.New(apierr.CodeValidation, "invalid request body")
	}
	if l := utf8.RuneCountInString(req.Command); l < 1 || l > maxCommandLen {
		return apierr.New(apierr.CodeValidation, "command must be 1..%d characters", maxCommandLen)
	}
	if !s.opts.Server.SendCommand(req.Command) {
		return apierr.New(apierr.CodeServerNotRunning, "server is not running")
	}
	return ok(c, map[string]bool{"sent": true})
}

// logExtensions lists the file types exposed from the logs directory.
var logExtensions = map[string]bool{".log": true, ".txt": true}

func (s *Server) handleLogsList(c echo.Context) error {
	type logFile struct {
		Name    string    `json:"name"`
		Size    int64     `json:"size"`
		ModTime time.Time `json:"mod_time"`
	}
	entries, err := os.ReadDir(s.opts.LogsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return ok(c, []logFile{})
		}
		return apierr.Wrap(err, apierr.CodeInternal, "list log directory")
	}
	files := make([]logFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !logExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{Name: e.Name(), Size: fi.Size(), ModTime: fi.ModTime().UTC()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return ok(c, files)
}

// safeLogPath validates a user-supplied log name against the directory.
func (s *Server) safeLogPath(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", apierr.New(apierr.CodeValidation, "invalid log file name")
	}
	if !logExtensions[strings.ToLower(filepath.Ext(name))] {
		return "", apierr.New(apierr.CodeValidation, "unsupported log file type")
	}
	return filepath.Join(s.opts.LogsDir, name), nil
}

func (s *Server) handleLogRead(c echo.Context) error {
	path, err := s.safeLogPath(c.Param("name"))
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return apierr.New(apierr.CodeNotFound, "log file %q not found", c.Param("name"))
		}
		return apierr.Wrap(err, apierr.CodeInternal, "read log file")
	}
	return c.Blob(http.StatusOK, echo.MIMETextPlainCharsetUTF8, data)
}

func (s *Server) handleMetricsCurrent(c echo.Context) error {
	snap, found := s.opts.Metrics.Latest()
	if !found {
		return ok(c, nil)
	}
	return ok(c, snap)
}

func (s *Server) handleMetricsHistory(c echo.Context) error {
	minutes := 60
	if q := c.QueryParam("minutes"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			return apierr.New(apierr.CodeValidation, "minutes must be a positive integer")
		}
		minutes = n
	}
	if minutes > metrics.MaxHistoryMinutes {
		minutes = metrics.MaxHistoryMinutes
	}
	cutoff := time.Now().Add(-time.Duration(minutes) * time.Minute)
	return ok(c, map[string]any{
		"minutes":   minutes,
		"snapshots": s.opts.Metrics.Since(cutoff),
	})
}

func (s *Server) handleJobsList(c echo.Context) error {
	return ok(c, s.opts.Sched.GetJobs())
}

func (s *Server) handleJobGet(c echo.Context) error {
	job, err := s.opts.Sched.GetJob(c.Param("id"))
	if err != nil {
		return err
	}
	return ok(c, job)
}

func (s *Server) handleJobRemove(c echo.Context) error {
	if err := s.opts.Sched.RemoveJob(c.Param("id")); err != nil {
		return err
	}
	return ok(c, map[string]bool{"removed": true})
}
