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
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/vsmanager/vsmanager/pkg/apierr"
	"github.com/vsmanager/vsmanager/pkg/restart"
)

type fakeConsole struct {
	running bool
	fail    bool
	sent    []string
}

func (f *fakeConsole) IsRunning() bool { return f.running }

func (f *fakeConsole) SendCommand(cmd string) bool {
	if f.fail {
		return false
	}
	f.sent = append(f.sent, cmd)
	return true
}

type gameFixture struct {
	cfg     *GameConfig
	console *fakeConsole
	pending *restart.Pending
	path    string
	block   bool
}

func newGameFixture(t *testing.T) *gameFixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "serverconfig.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"ServerName":"Old","Port":42420,"Unmanaged":"keep"}`), 0o644))

	f := &gameFixture{
		console: &fakeConsole{},
		pending: restart.NewPending(log.NewNopLogger()),
		path:    path,
	}
	f.cfg = NewGameConfig(path, f.console, f.pending, func() bool { return f.block }, log.NewNopLogger())
	return f
}

func (f *gameFixture) onDisk(t *testing.T) map[string]any {
	t.Helper()
	data, err := os.ReadFile(f.path)
	require.NoError(t, err)
	var cfg map[string]any
	require.NoError(t, json.Unmarshal(data, &cfg))
	return cfg
}

func TestUpdateSettingLiveConsole(t *testing.T) {
	f := newGameFixture(t)
	f.console.running = true

	res, err := f.cfg.UpdateSetting("ServerName", "Hi")
	require.NoError(t, err)
	require.Equal(t, MethodConsoleCommand, res.Method)
	require.False(t, res.PendingRestart)
	require.Equal(t, []string{`/serverconfig name "Hi"`}, f.console.sent)
	require.False(t, f.pending.IsPending())

	// The file was not touched on the live path.
	require.Equal(t, "Old", f.onDisk(t)["ServerName"])
}

func TestUpdateSettingFileWhenStopped(t *testing.T) {
	f := newGameFixture(t)

	res, err := f.cfg.UpdateSetting("ServerName", "Hi")
	require.NoError(t, err)
	require.Equal(t, MethodFileUpdate, res.Method)
	require.False(t, res.PendingRestart)
	require.Empty(t, f.console.sent)

	cfg := f.onDisk(t)
	require.Equal(t, "Hi", cfg["ServerName"])
	// Unrecognized keys survive a rewrite.
	require.Equal(t, "keep", cfg["Unmanaged"])
}

func TestUpdateSettingRequiresRestart(t *testing.T) {
	f := newGameFixture(t)
	f.console.running = true

	res, err := f.cfg.UpdateSetting("Port", "42421")
	require.NoError(t, err)
	require.Equal(t, MethodFileUpdate, res.Method)
	require.True(t, res.PendingRestart)
	require.True(t, f.pending.IsPending())
	require.Equal(t, float64(42421), f.onDisk(t)["Port"])
}

func TestUpdateSettingNonLiveWhileRunning(t *testing.T) {
	f := newGameFixture(t)
	f.console.running = true

	// PassTimeWhenEmpty has no console form; a running server means the
	// file change only takes effect after a restart.
	res, err := f.cfg.UpdateSetting("PassTimeWhenEmpty", "false")
	require.NoError(t, err)
	require.Equal(t, MethodFileUpdate, res.Method)
	require.True(t, res.PendingRestart)
}

func TestUpdateSettingBoolConsoleFormat(t *testing.T) {
	f := newGameFixture(t)
	f.console.running = true

	_, err := f.cfg.UpdateSetting("AdvertiseServer", true)
	require.NoError(t, err)
	require.Equal(t, []string{"/serverconfig advertise 1"}, f.console.sent)
}

func TestUpdateSettingInjectionGuard(t *testing.T) {
	f := newGameFixture(t)
	for _, bad := range []string{`Hi"`, `Hi\`, "Hi\n", "Hi\r"} {
		_, err := f.cfg.UpdateSetting("ServerName", bad)
		require.Equal(t, apierr.CodeSettingValueInvalid, apierr.CodeOf(err), "value %q", bad)
	}
}

func TestUpdateSettingUnknownKey(t *testing.T) {
	f := newGameFixture(t)
	_, err := f.cfg.UpdateSetting("NoSuchKey", "x")
	require.Equal(t, apierr.CodeSettingUnknown, apierr.CodeOf(err))
}

func TestUpdateSettingEnvManagedBlocked(t *testing.T) {
	f := newGameFixture(t)
	t.Setenv("VS_CFG_SERVER_NAME", "FromEnv")

	f.block = true
	_, err := f.cfg.UpdateSetting("ServerName", "Hi")
	require.Equal(t, apierr.CodeSettingEnvManaged, apierr.CodeOf(err))

	// With the guard off the update goes through.
	f.block = false
	_, err = f.cfg.UpdateSetting("ServerName", "Hi")
	require.NoError(t, err)
}

func TestUpdateSettingConsoleSendFailure(t *testing.T) {
	f := newGameFixture(t)
	f.console.running = true
	f.console.fail = true

	_, err := f.cfg.UpdateSetting("ServerName", "Hi")
	require.Equal(t, apierr.CodeSettingUpdateFailed, apierr.CodeOf(err))
}

func TestUpdateSettingValueCoercion(t *testing.T) {
	f := newGameFixture(t)

	_, err := f.cfg.UpdateSetting("MaxClients", "not a number")
	require.Equal(t, apierr.CodeSettingValueInvalid, apierr.CodeOf(err))

	_, err = f.cfg.UpdateSetting("MaxClients", 12.5)
	require.Equal(t, apierr.CodeSettingValueInvalid, apierr.CodeOf(err))

	res, err := f.cfg.UpdateSetting("TickTime", "33.5")
	require.NoError(t, err)
	require.Equal(t, 33.5, res.Value)
}

func TestGetSettings(t *testing.T) {
	f := newGameFixture(t)
	t.Setenv("VS_CFG_PORT", "42425")

	view, err := f.cfg.GetSettings()
	require.NoError(t, err)
	require.Equal(t, "serverconfig.json", view.Source)
	require.False(t, view.ModTime.IsZero())

	byKey := map[string]Setting{}
	for _, s := range view.Settings {
		byKey[s.Key] = s
	}
	require.Equal(t, "Old", byKey["ServerName"].Value)
	require.True(t, byKey["ServerName"].LiveUpdate)
	require.Equal(t, float64(42420), byKey["Port"].Value)
	require.True(t, byKey["Port"].RequiresRestart)
	require.True(t, byKey["Port"].EnvManaged)
	require.False(t, byKey["ServerName"].EnvManaged)
	// Keys absent from the file still appear, with no value.
	require.Contains(t, byKey, "MaxClients")
	require.Nil(t, byKey["MaxClients"].Value)
}

func TestGetSettingsMissingFile(t *testing.T) {
	f := newGameFixture(t)
	require.NoError(t, os.Remove(f.path))

	_, err := f.cfg.GetSettings()
	require.Equal(t, apierr.CodeConfigNotFound, apierr.CodeOf(err))
}
