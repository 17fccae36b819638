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
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/vsmanager/vsmanager/pkg/apierr"
)

func TestAPIStoreDefaultsOnMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api-settings.json")
	s := NewAPIStore(path, log.NewNopLogger())
	require.Equal(t, DefaultAPISettings(), s.Get())
}

func TestAPIStoreDefaultsOnMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api-settings.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	s := NewAPIStore(path, log.NewNopLogger())
	require.Equal(t, DefaultAPISettings(), s.Get())
}

func TestAPIStoreLoadClampsNegativeIntervals(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api-settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"metrics_collection_interval":-5}`), 0o644))
	s := NewAPIStore(path, log.NewNopLogger())
	require.Equal(t, DefaultAPISettings().MetricsCollectionInterval, s.Get().MetricsCollectionInterval)
}

func TestAPIStoreUpdatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api-settings.json")
	s := NewAPIStore(path, log.NewNopLogger())

	got, err := s.Update("auto_start_server", "yes")
	require.NoError(t, err)
	require.True(t, got.AutoStartServer)

	got, err = s.Update("mod_list_refresh_interval", "120")
	require.NoError(t, err)
	require.Equal(t, 120, got.ModListRefreshInterval)

	// A fresh store sees the persisted values.
	reloaded := NewAPIStore(path, log.NewNopLogger())
	require.True(t, reloaded.Get().AutoStartServer)
	require.Equal(t, 120, reloaded.Get().ModListRefreshInterval)
}

func TestAPIStoreUpdateValidation(t *testing.T) {
	s := NewAPIStore(filepath.Join(t.TempDir(), "api-settings.json"), log.NewNopLogger())

	_, err := s.Update("mod_list_refresh_interval", -1)
	require.Equal(t, apierr.CodeSettingValueInvalid, apierr.CodeOf(err))

	_, err = s.Update("auto_start_server", "maybe")
	require.Equal(t, apierr.CodeSettingValueInvalid, apierr.CodeOf(err))

	_, err = s.Update("no_such_key", true)
	require.Equal(t, apierr.CodeSettingUnknown, apierr.CodeOf(err))
}

func TestAPIStoreIntervalCallback(t *testing.T) {
	s := NewAPIStore(filepath.Join(t.TempDir(), "api-settings.json"), log.NewNopLogger())

	var calls []string
	s.OnIntervalChanged(func(key string, seconds int) {
		calls = append(calls, key)
		require.Equal(t, 42, seconds)
	})

	_, err := s.Update("metrics_collection_interval", 42)
	require.NoError(t, err)
	require.Equal(t, []string{"metrics_collection_interval"}, calls)

	// Same value again does not re-fire.
	_, err = s.Update("metrics_collection_interval", 42)
	require.NoError(t, err)
	require.Len(t, calls, 1)

	// Bool keys never fire the interval callback.
	_, err = s.Update("enforce_env_on_restart", true)
	require.NoError(t, err)
	require.Len(t, calls, 1)
}
