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

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/vsmanager/vsmanager/pkg/apierr"
	"github.com/vsmanager/vsmanager/pkg/restart"
)

// Console is the slice of the supervisor the config engine needs for
// live updates.
type Console interface {
	// IsRunning reports whether a game-server child is alive.
	IsRunning() bool
	// SendCommand writes a console command to the child's stdin. It
	// returns false when the pipe is closed or the write fails.
	SendCommand(cmd string) bool
}

// UpdateMethod records how a setting change was applied.
type UpdateMethod string

const (
	MethodConsoleCommand UpdateMethod = "console_command"
	MethodFileUpdate     UpdateMethod = "file_update"
)

// Setting is one recognized key as reported by GetSettings.
type Setting struct {
	Key             string    `json:"key"`
	Value           any       `json:"value"`
	Type            ValueType `json:"type"`
	LiveUpdate      bool      `json:"live_update"`
	RequiresRestart bool      `json:"requires_restart"`
	EnvManaged      bool      `json:"env_managed"`
}

// SettingsView is the full game config report.
type SettingsView struct {
	Settings []Setting `json:"settings"`
	Source   string    `json:"source"`
	ModTime  time.Time `json:"mod_time"`
}

// UpdateResult describes how an update was routed.
type UpdateResult struct {
	Key            string       `json:"key"`
	Value          any          `json:"value"`
	Method         UpdateMethod `json:"method"`
	PendingRestart bool         `json:"pending_restart"`
}

// GameConfig reads and writes serverconfig.json through the static
// setting table.
type GameConfig struct {
	mtx     sync.Mutex
	path    string
	console Console
	pending *restart.Pending
	// blockEnvManaged is read at update time so api-settings changes
	// take effect without rewiring.
	blockEnvManaged func() bool
	logger          log.Logger
}

// NewGameConfig returns a config engine over the file at path.
func NewGameConfig(path string, console Console, pending *restart.Pending, blockEnvManaged func() bool, logger log.Logger) *GameConfig {
	if blockEnvManaged == nil {
		blockEnvManaged = func() bool { return false }
	}
	return &GameConfig{
		path:            path,
		console:         console,
		pending:         pending,
		blockEnvManaged: blockEnvManaged,
		logger:          logger,
	}
}

// Path returns the config file location.
func (g *GameConfig) Path() string { return g.path }

func (g *GameConfig) load() (map[string]any, error) {
	data, err := os.ReadFile(g.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierr.New(apierr.CodeConfigNotFound, "game config %s does not exist", filepath.Base(g.path))
		}
		return nil, apierr.Wrap(err, apierr.CodeInternal, "read game config")
	}
	var cfg map[string]any
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, apierr.Wrap(err, apierr.CodeInternal, "game config %s is not valid JSON", filepath.Base(g.path))
	}
	return cfg, nil
}

func (g *GameConfig) save(cfg map[string]any) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return apierr.Wrap(err, apierr.CodeInternal, "encode game config")
	}
	if err := writeFileAtomic(g.path, append(data, '\n'), 0o644); err != nil {
		return apierr.Wrap(err, apierr.CodeInternal, "write game config")
	}
	return nil
}

// GetSettings reports every recognized key with its current value and
// update capabilities.
func (g *GameConfig) GetSettings() (SettingsView, error) {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	cfg, err := g.load()
	if err != nil {
		return SettingsView{}, err
	}
	fi, err := os.Stat(g.path)
	if err != nil {
		return SettingsView{}, apierr.Wrap(err, apierr.CodeInternal, "stat game config")
	}

	view := SettingsView{
		Source:   filepath.Base(g.path),
		ModTime:  fi.ModTime().UTC(),
		Settings: make([]Setting, 0, len(gameSettings)),
	}
	for key, spec := range gameSettings {
		_, envManaged := lookupEnv(spec.EnvVar)
		view.Settings = append(view.Settings, Setting{
			Key:             key,
			Value:           cfg[key],
			Type:            spec.Type,
			LiveUpdate:      spec.LiveUpdate,
			RequiresRestart: spec.RequiresRestart,
			EnvManaged:      envManaged,
		})
	}
	sort.Slice(view.Settings, func(i, j int) bool { return view.Settings[i].Key < view.Settings[j].Key })
	return view, nil
}

// UpdateSetting validates and applies one setting change, routing it
// through the live console when possible and through an atomic file
// rewrite otherwise.
func (g *GameConfig) UpdateSetting(key string, value any) (UpdateResult, error) {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	spec, ok := gameSettings[key]
	if !ok {
		return UpdateResult{}, apierr.New(apierr.CodeSettingUnknown, "unknown setting %q", key)
	}
	if _, envManaged := lookupEnv(spec.EnvVar); envManaged && g.blockEnvManaged() {
		return UpdateResult{}, apierr.New(apierr.CodeSettingEnvManaged, "setting %q is managed by %s", key, spec.EnvVar)
	}
	coerced, err := coerceValue(spec, value)
	if err != nil {
		return UpdateResult{}, err
	}

	running := g.console != nil && g.console.IsRunning()
	if running && spec.LiveUpdate {
		cmd := strings.ReplaceAll(spec.Template, "{value}", formatForConsole(spec, coerced))
		if !g.console.SendCommand(cmd) {
			return UpdateResult{}, apierr.New(apierr.CodeSettingUpdateFailed, "console command for %q could not be delivered", key)
		}
		_ = level.Info(g.logger).Log("msg", "setting updated via console", "key", key)
		return UpdateResult{Key: key, Value: coerced, Method: MethodConsoleCommand}, nil
	}

	cfg, err := g.load()
	if err != nil {
		return UpdateResult{}, err
	}
	cfg[key] = coerced
	if err := g.save(cfg); err != nil {
		return UpdateResult{}, err
	}

	pendingRestart := spec.RequiresRestart || (running && !spec.LiveUpdate)
	if pendingRestart && g.pending != nil {
		g.pending.Require("Setting '" + key + "' was changed")
	}
	_ = level.Info(g.logger).Log("msg", "setting updated via file", "key", key, "pending_restart", pendingRestart)
	return UpdateResult{Key: key, Value: coerced, Method: MethodFileUpdate, PendingRestart: pendingRestart}, nil
}

// lookupEnv is a variable so tests can inject an environment.
var lookupEnv = os.LookupEnv

// writeFileAtomic writes via a temp file in the same directory and
// renames it into place.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
