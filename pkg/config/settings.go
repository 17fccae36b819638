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

// Package config manages the game server's serverconfig.json and the
// control plane's own api-settings.json. Game setting updates are routed
// either through the live console or through an atomic file rewrite,
// depending on what the setting supports and whether the server runs.
package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/vsmanager/vsmanager/pkg/apierr"
)

// ValueType declares how a setting value is validated and serialized.
type ValueType string

const (
	TypeString ValueType = "string"
	TypeInt    ValueType = "int"
	TypeBool   ValueType = "bool"
	TypeFloat  ValueType = "float"
)

// BoolFormat selects how a bool renders into a console command.
type BoolFormat string

const (
	BoolTrueFalse BoolFormat = "true_false"
	BoolZeroOne   BoolFormat = "0_1"
)

// SettingSpec describes one recognized game config key. Template is the
// console command with a {value} placeholder; empty means the setting has
// no console form.
type SettingSpec struct {
	Type            ValueType
	Template        string
	LiveUpdate      bool
	RequiresRestart bool
	BoolFormat      BoolFormat
	// EnvVar is the VS_CFG_* variable that, when set, marks the setting
	// as environment-managed.
	EnvVar string
}

// gameSettings is the static table of keys this service will read or
// write in serverconfig.json. Unlisted keys pass through untouched.
var gameSettings = map[string]SettingSpec{
	"ServerName": {
		Type:       TypeString,
		Template:   `/serverconfig name "{value}"`,
		LiveUpdate: true,
		EnvVar:     "VS_CFG_SERVER_NAME",
	},
	"ServerDescription": {
		Type:       TypeString,
		Template:   `/serverconfig description "{value}"`,
		LiveUpdate: true,
		EnvVar:     "VS_CFG_SERVER_DESCRIPTION",
	},
	"WelcomeMessage": {
		Type:       TypeString,
		Template:   `/serverconfig welcomemessage "{value}"`,
		LiveUpdate: true,
		EnvVar:     "VS_CFG_WELCOME_MESSAGE",
	},
	"Password": {
		Type:       TypeString,
		Template:   `/serverconfig password "{value}"`,
		LiveUpdate: true,
		EnvVar:     "VS_CFG_PASSWORD",
	},
	"Port": {
		Type:            TypeInt,
		RequiresRestart: true,
		EnvVar:          "VS_CFG_PORT",
	},
	"MaxClients": {
		Type:       TypeInt,
		Template:   `/serverconfig maxclients {value}`,
		LiveUpdate: true,
		EnvVar:     "VS_CFG_MAX_CLIENTS",
	},
	"MaxChunkRadius": {
		Type:       TypeInt,
		Template:   `/serverconfig maxchunkradius {value}`,
		LiveUpdate: true,
		EnvVar:     "VS_CFG_MAX_CHUNK_RADIUS",
	},
	"AdvertiseServer": {
		Type:       TypeBool,
		Template:   `/serverconfig advertise {value}`,
		LiveUpdate: true,
		BoolFormat: BoolZeroOne,
		EnvVar:     "VS_CFG_ADVERTISE_SERVER",
	},
	"Upnp": {
		Type:            TypeBool,
		RequiresRestart: true,
		BoolFormat:      BoolTrueFalse,
		EnvVar:          "VS_CFG_UPNP",
	},
	"PassTimeWhenEmpty": {
		Type:       TypeBool,
		BoolFormat: BoolTrueFalse,
		EnvVar:     "VS_CFG_PASS_TIME_WHEN_EMPTY",
	},
	"TickTime": {
		Type:            TypeFloat,
		RequiresRestart: true,
		EnvVar:          "VS_CFG_TICK_TIME",
	},
}

// GameSettingSpec looks up the table entry for a key.
func GameSettingSpec(key string) (SettingSpec, bool) {
	s, ok := gameSettings[key]
	return s, ok
}

// coerceValue validates value against the declared type and returns its
// canonical JSON representation. String inputs are parsed for non-string
// types so the HTTP layer can pass form values through unchanged.
func coerceValue(spec SettingSpec, value any) (any, error) {
	switch spec.Type {
	case TypeString:
		s, ok := value.(string)
		if !ok {
			return nil, apierr.New(apierr.CodeSettingValueInvalid, "expected a string, got %T", value)
		}
		if strings.ContainsAny(s, "\"\\\n\r") {
			return nil, apierr.New(apierr.CodeSettingValueInvalid, "string value must not contain quotes, backslashes or line breaks")
		}
		return s, nil
	case TypeInt:
		switch v := value.(type) {
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, apierr.New(apierr.CodeSettingValueInvalid, "%q is not an integer", v)
			}
			return n, nil
		case float64:
			if v != math.Trunc(v) {
				return nil, apierr.New(apierr.CodeSettingValueInvalid, "%v is not an integer", v)
			}
			return int64(v), nil
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		}
		return nil, apierr.New(apierr.CodeSettingValueInvalid, "expected an integer, got %T", value)
	case TypeFloat:
		switch v := value.(type) {
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, apierr.New(apierr.CodeSettingValueInvalid, "%q is not a number", v)
			}
			return f, nil
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
		return nil, apierr.New(apierr.CodeSettingValueInvalid, "expected a number, got %T", value)
	case TypeBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			return parseBoolString(v)
		}
		return nil, apierr.New(apierr.CodeSettingValueInvalid, "expected a bool, got %T", value)
	}
	return nil, apierr.New(apierr.CodeInternal, "unhandled value type %q", spec.Type)
}

// parseBoolString accepts the human spellings the API tolerates.
func parseBoolString(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	}
	return false, apierr.New(apierr.CodeSettingValueInvalid, "%q is not a boolean", s)
}

// formatForConsole renders a coerced value into its console-command form.
func formatForConsole(spec SettingSpec, value any) string {
	switch v := value.(type) {
	case bool:
		if spec.BoolFormat == BoolZeroOne {
			if v {
				return "1"
			}
			return "0"
		}
		return strconv.FormatBool(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
