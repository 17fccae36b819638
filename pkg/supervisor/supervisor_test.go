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

//go:build unix

package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/vsmanager/vsmanager/pkg/apierr"
	"github.com/vsmanager/vsmanager/pkg/console"
	"github.com/vsmanager/vsmanager/pkg/restart"
)

type fakeMods struct {
	mtx    sync.Mutex
	events []bool
}

func (f *fakeMods) SetServerRunning(running bool) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.events = append(f.events, running)
}

func (f *fakeMods) last() (bool, bool) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if len(f.events) == 0 {
		return false, false
	}
	return f.events[len(f.events)-1], true
}

type fixture struct {
	sup     *Supervisor
	ring    *console.Ring
	pending *restart.Pending
	mods    *fakeMods
}

// newFixture builds a supervisor over an "installed" server whose child
// is a shell script instead of the real game binary.
func newFixture(t *testing.T, script string) *fixture {
	t.Helper()
	root := t.TempDir()
	serverDir := filepath.Join(root, "server")
	require.NoError(t, os.MkdirAll(serverDir, 0o755))
	for _, m := range installMarkers {
		require.NoError(t, os.WriteFile(filepath.Join(serverDir, m), []byte("x"), 0o644))
	}

	f := &fixture{
		ring:    console.NewRing(100),
		pending: restart.NewPending(log.NewNopLogger()),
		mods:    &fakeMods{},
	}
	f.sup = New(Options{
		ServerDir:     serverDir,
		ServerDataDir: filepath.Join(root, "serverdata"),
		MarkerPath:    filepath.Join(root, "vsmanager", "current_version"),
		Ring:          f.ring,
		Pending:       f.pending,
		Mods:          f.mods,
		Logger:        log.NewNopLogger(),
		GracePeriod:   5 * time.Second,
		NewCommand: func(_, _ string) *exec.Cmd {
			return exec.Command("/bin/sh", "-c", script)
		},
	})
	return f
}

const echoScript = `echo ready; while read line; do echo "got:$line"; if [ "$line" = quit ]; then exit 0; fi; done`

func waitForLine(t *testing.T, ring *console.Ring, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, l := range ring.History(0) {
			if l == want {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "line %q never appeared", want)
}

func TestStartRequiresInstalled(t *testing.T) {
	f := newFixture(t, echoScript)
	require.NoError(t, os.RemoveAll(f.sup.opts.ServerDir))
	f.sup.state = StateNotInstalled

	err := f.sup.Start()
	require.Equal(t, apierr.CodeServerNotInstalled, apierr.CodeOf(err))
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, echoScript)
	f.pending.Require("Mod 'x' was installed")

	require.NoError(t, f.sup.Start())
	require.Equal(t, StateRunning, f.sup.State())
	require.True(t, f.sup.IsRunning())
	require.False(t, f.pending.IsPending(), "start clears pending restart")

	pid, running := f.sup.ChildProcess()
	require.True(t, running)
	require.Greater(t, pid, int32(0))

	running, ok := f.mods.last()
	require.True(t, ok)
	require.True(t, running)

	waitForLine(t, f.ring, "ready")

	require.NoError(t, f.sup.Stop(context.Background()))
	require.Equal(t, StateInstalled, f.sup.State())
	require.False(t, f.sup.IsRunning())

	running, ok = f.mods.last()
	require.True(t, ok)
	require.False(t, running)

	st := f.sup.CurrentStatus()
	require.NotNil(t, st.LastExitCode)
}

func TestStartWhileRunning(t *testing.T) {
	f := newFixture(t, echoScript)
	require.NoError(t, f.sup.Start())
	defer f.sup.Stop(context.Background())

	err := f.sup.Start()
	require.Equal(t, apierr.CodeServerRunning, apierr.CodeOf(err))
}

func TestStopNotRunning(t *testing.T) {
	f := newFixture(t, echoScript)
	err := f.sup.Stop(context.Background())
	require.Equal(t, apierr.CodeServerNotRunning, apierr.CodeOf(err))
}

func TestSendCommand(t *testing.T) {
	f := newFixture(t, echoScript)
	require.False(t, f.sup.SendCommand("/time set day"), "no child yet")

	require.NoError(t, f.sup.Start())
	defer f.sup.Stop(context.Background())
	waitForLine(t, f.ring, "ready")

	require.True(t, f.sup.SendCommand("/time set day"))
	waitForLine(t, f.ring, console.CommandEcho("/time set day"))
	waitForLine(t, f.ring, "got:/time set day")

	// The echo precedes the child's reply in the ring.
	var echoIdx, replyIdx int
	for i, l := range f.ring.History(0) {
		switch l {
		case console.CommandEcho("/time set day"):
			echoIdx = i
		case "got:/time set day":
			replyIdx = i
		}
	}
	require.Less(t, echoIdx, replyIdx)
}

func TestChildExitRecorded(t *testing.T) {
	f := newFixture(t, "exit 3")
	require.NoError(t, f.sup.Start())

	require.Eventually(t, func() bool {
		return f.sup.State() == StateInstalled
	}, 5*time.Second, 10*time.Millisecond)

	st := f.sup.CurrentStatus()
	require.NotNil(t, st.LastExitCode)
	require.Equal(t, 3, *st.LastExitCode)

	running, ok := f.mods.last()
	require.True(t, ok)
	require.False(t, running)

	_, alive := f.sup.ChildProcess()
	require.False(t, alive)
}

func TestSendCommandAfterExit(t *testing.T) {
	f := newFixture(t, "exit 0")
	require.NoError(t, f.sup.Start())
	require.Eventually(t, func() bool {
		return f.sup.State() == StateInstalled
	}, 5*time.Second, 10*time.Millisecond)

	require.False(t, f.sup.SendCommand("/time set day"))
}
