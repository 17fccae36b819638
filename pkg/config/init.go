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
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

//go:embed serverconfig.template.json
var serverConfigTemplate []byte

// envOverride binds one VS_CFG_* variable to a (possibly dotted) path
// in the rendered template.
type envOverride struct {
	Path string
	Type ValueType
}

// envOverrides is the static map of first-run overrides. Dotted paths
// descend into nested objects, creating parents as needed.
var envOverrides = map[string]envOverride{
	"VS_CFG_SERVER_NAME":                     {Path: "ServerName", Type: TypeString},
	"VS_CFG_SERVER_DESCRIPTION":              {Path: "ServerDescription", Type: TypeString},
	"VS_CFG_WELCOME_MESSAGE":                 {Path: "WelcomeMessage", Type: TypeString},
	"VS_CFG_PASSWORD":                        {Path: "Password", Type: TypeString},
	"VS_CFG_PORT":                            {Path: "Port", Type: TypeInt},
	"VS_CFG_MAX_CLIENTS":                     {Path: "MaxClients", Type: TypeInt},
	"VS_CFG_MAX_CHUNK_RADIUS":                {Path: "MaxChunkRadius", Type: TypeInt},
	"VS_CFG_ADVERTISE_SERVER":                {Path: "AdvertiseServer", Type: TypeBool},
	"VS_CFG_UPNP":                            {Path: "Upnp", Type: TypeBool},
	"VS_CFG_PASS_TIME_WHEN_EMPTY":            {Path: "PassTimeWhenEmpty", Type: TypeBool},
	"VS_CFG_TICK_TIME":                       {Path: "TickTime", Type: TypeFloat},
	"VS_CFG_WORLDCONFIG_SEED":                {Path: "WorldConfig.Seed", Type: TypeString},
	"VS_CFG_WORLDCONFIG_WORLD_NAME":          {Path: "WorldConfig.WorldName", Type: TypeString},
	"VS_CFG_WORLDCONFIG_ALLOW_CREATIVE_MODE": {Path: "WorldConfig.AllowCreativeMode", Type: TypeBool},
	"VS_CFG_WORLDCONFIG_PLAY_STYLE":          {Path: "WorldConfig.PlayStyle", Type: TypeString},
}

// EnsureGameConfig writes a fresh serverconfig.json from the bundled
// template with VS_CFG_* overrides applied. An existing file is left
// untouched.
func EnsureGameConfig(path string, logger log.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat game config: %w", err)
	}

	var cfg map[string]any
	if err := json.Unmarshal(serverConfigTemplate, &cfg); err != nil {
		return fmt.Errorf("parse bundled config template: %w", err)
	}

	for envVar, ov := range envOverrides {
		raw, ok := lookupEnv(envVar)
		if !ok {
			continue
		}
		val, err := coerceValue(SettingSpec{Type: ov.Type}, raw)
		if err != nil {
			_ = level.Warn(logger).Log("msg", "ignoring invalid config override", "env", envVar, "err", err)
			continue
		}
		setDottedPath(cfg, ov.Path, val)
		_ = level.Debug(logger).Log("msg", "applied config override", "env", envVar, "path", ov.Path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode game config: %w", err)
	}
	if err := writeFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write game config: %w", err)
	}
	_ = level.Info(logger).Log("msg", "initialized game config from template", "path", path)
	return nil
}

// setDottedPath sets value at a dot-separated path, creating
// intermediate objects. A non-object intermediate is replaced.
func setDottedPath(cfg map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := cfg
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}
