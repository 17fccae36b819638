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
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/vsmanager/vsmanager/pkg/apierr"
)

// APISettings is the control plane's own persisted configuration.
// Refresh intervals are in seconds; 0 disables the job.
type APISettings struct {
	AutoStartServer               bool `json:"auto_start_server"`
	BlockEnvManagedSettings       bool `json:"block_env_managed_settings"`
	EnforceEnvOnRestart           bool `json:"enforce_env_on_restart"`
	ModListRefreshInterval        int  `json:"mod_list_refresh_interval"`
	ServerVersionsRefreshInterval int  `json:"server_versions_refresh_interval"`
	MetricsCollectionInterval     int  `json:"metrics_collection_interval"`
}

// DefaultAPISettings are used whenever api-settings.json is missing or
// unreadable.
func DefaultAPISettings() APISettings {
	return APISettings{
		AutoStartServer:               false,
		BlockEnvManagedSettings:       true,
		EnforceEnvOnRestart:           false,
		ModListRefreshInterval:        3600,
		ServerVersionsRefreshInterval: 3600,
		MetricsCollectionInterval:     10,
	}
}

// intervalKeys maps the settable refresh-interval keys to accessors.
var intervalKeys = map[string]func(*APISettings) *int{
	"mod_list_refresh_interval":        func(s *APISettings) *int { return &s.ModListRefreshInterval },
	"server_versions_refresh_interval": func(s *APISettings) *int { return &s.ServerVersionsRefreshInterval },
	"metrics_collection_interval":      func(s *APISettings) *int { return &s.MetricsCollectionInterval },
}

var boolKeys = map[string]func(*APISettings) *bool{
	"auto_start_server":          func(s *APISettings) *bool { return &s.AutoStartServer },
	"block_env_managed_settings": func(s *APISettings) *bool { return &s.BlockEnvManagedSettings },
	"enforce_env_on_restart":     func(s *APISettings) *bool { return &s.EnforceEnvOnRestart },
}

// IntervalChangedFunc is invoked after a refresh-interval key changed,
// so the scheduler can reschedule the matching job.
type IntervalChangedFunc func(key string, seconds int)

// APIStore persists APISettings with read tolerance: a broken file
// degrades to defaults, never to an error.
type APIStore struct {
	mtx               sync.Mutex
	path              string
	cur               APISettings
	onIntervalChanged IntervalChangedFunc
	logger            log.Logger
}

// NewAPIStore loads (or defaults) the settings at path.
func NewAPIStore(path string, logger log.Logger) *APIStore {
	s := &APIStore{path: path, cur: DefaultAPISettings(), logger: logger}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			_ = level.Warn(logger).Log("msg", "api settings unreadable, using defaults", "path", path, "err", err)
		}
		return s
	}
	loaded := DefaultAPISettings()
	if err := json.Unmarshal(data, &loaded); err != nil {
		_ = level.Warn(logger).Log("msg", "api settings malformed, using defaults", "path", path, "err", err)
		return s
	}
	// Negative intervals from a hand-edited file are clamped to defaults.
	for key, field := range intervalKeys {
		if *field(&loaded) < 0 {
			_ = level.Warn(logger).Log("msg", "negative refresh interval in api settings, using default", "key", key)
			*field(&loaded) = *field(&s.cur)
		}
	}
	s.cur = loaded
	return s
}

// OnIntervalChanged registers the scheduler callback.
func (s *APIStore) OnIntervalChanged(fn IntervalChangedFunc) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.onIntervalChanged = fn
}

// Get returns a copy of the current settings.
func (s *APIStore) Get() APISettings {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.cur
}

// BlockEnvManagedSettings reports the current guard flag. Handed to the
// game config engine as its blockEnvManaged hook.
func (s *APIStore) BlockEnvManagedSettings() bool {
	return s.Get().BlockEnvManagedSettings
}

// Update validates and persists one key, then fires the interval
// callback if the key was a refresh interval and its value changed.
func (s *APIStore) Update(key string, value any) (APISettings, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	next := s.cur
	var changedInterval bool

	if field, ok := boolKeys[key]; ok {
		b, err := coerceValue(SettingSpec{Type: TypeBool}, value)
		if err != nil {
			return APISettings{}, err
		}
		*field(&next) = b.(bool)
	} else if field, ok := intervalKeys[key]; ok {
		n, err := coerceValue(SettingSpec{Type: TypeInt}, value)
		if err != nil {
			return APISettings{}, err
		}
		seconds := int(n.(int64))
		if seconds < 0 {
			return APISettings{}, apierr.New(apierr.CodeSettingValueInvalid, "%s must be >= 0", key)
		}
		changedInterval = *field(&next) != seconds
		*field(&next) = seconds
	} else {
		return APISettings{}, apierr.New(apierr.CodeSettingUnknown, "unknown api setting %q", key)
	}

	if err := s.save(next); err != nil {
		return APISettings{}, err
	}
	s.cur = next
	_ = level.Info(s.logger).Log("msg", "api setting updated", "key", key)

	if changedInterval && s.onIntervalChanged != nil {
		s.onIntervalChanged(key, *intervalKeys[key](&next))
	}
	return next, nil
}

func (s *APIStore) save(settings APISettings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return apierr.Wrap(err, apierr.CodeInternal, "encode api settings")
	}
	if err := writeFileAtomic(s.path, append(data, '\n'), 0o644); err != nil {
		return apierr.Wrap(err, apierr.CodeInternal, "write api settings")
	}
	return nil
}
