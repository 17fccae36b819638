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

// Package supervisor owns the single game-server child process: install,
// start, stop, stdin commands, and the state machine in between. Child
// output is streamed line by line into the console ring.
package supervisor

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vsmanager/vsmanager/pkg/apierr"
	"github.com/vsmanager/vsmanager/pkg/console"
	"github.com/vsmanager/vsmanager/pkg/restart"
	"github.com/vsmanager/vsmanager/pkg/versions"
)

// State is the supervisor's lifecycle position.
type State string

const (
	StateNotInstalled State = "not_installed"
	StateInstalled    State = "installed"
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateStopping     State = "stopping"
)

// The two assemblies whose presence marks a completed installation.
var installMarkers = []string{"VintagestoryServer.dll", "VintagestoryLib.dll"}

// DefaultGracePeriod bounds the SIGTERM-to-SIGKILL window on stop.
const DefaultGracePeriod = 30 * time.Second

// killWait bounds how long we wait for the child after a forceful kill.
const killWait = 10 * time.Second

var (
	serverStarts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vsmanager_server_starts_total",
		Help: "Game-server start attempts that reached the running state.",
	})
	serverExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vsmanager_server_exits_total",
			Help: "Game-server exits by cleanliness.",
		},
		[]string{"clean"},
	)
)

// RegisterMetrics registers supervisor metrics with reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(serverStarts, serverExits)
}

// ModNotifier is told when the game server starts or stops so mod
// mutations can decide whether a restart is needed.
type ModNotifier interface {
	SetServerRunning(running bool)
}

// VersionSource resolves version strings to downloadable builds.
type VersionSource interface {
	Latest(ctx context.Context, ch versions.Channel) (versions.VersionInfo, error)
	Resolve(ctx context.Context, version string) (versions.VersionInfo, error)
}

// Options configures a Supervisor.
type Options struct {
	// ServerDir holds the game-server installation.
	ServerDir string
	// ServerDataDir is handed to the child as its data path.
	ServerDataDir string
	// MarkerPath is the current_version file.
	MarkerPath string

	Ring     *console.Ring
	Pending  *restart.Pending
	Mods     ModNotifier
	Versions VersionSource
	Logger   log.Logger

	// GracePeriod overrides DefaultGracePeriod; zero keeps the default.
	GracePeriod time.Duration
	// NewCommand builds the child process command. Nil selects the
	// standard dotnet invocation. Injectable for tests.
	NewCommand func(serverDir, dataDir string) *exec.Cmd
}

// Supervisor manages at most one child process.
type Supervisor struct {
	opts        Options
	gracePeriod time.Duration
	newCommand  func(serverDir, dataDir string) *exec.Cmd
	logger      log.Logger

	httpClient *http.Client
	installMtx sync.Mutex

	mtx          sync.Mutex
	state        State
	installing   bool
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	stdinMtx     sync.Mutex
	exited       chan struct{}
	lastExitCode *int
	startedAt    time.Time
}

// New returns a supervisor whose state reflects what is on disk.
func New(opts Options) *Supervisor {
	s := &Supervisor{
		opts:        opts,
		gracePeriod: opts.GracePeriod,
		newCommand:  opts.NewCommand,
		logger:      opts.Logger,
		httpClient:  &http.Client{},
	}
	if s.gracePeriod == 0 {
		s.gracePeriod = DefaultGracePeriod
	}
	if s.newCommand == nil {
		s.newCommand = func(serverDir, dataDir string) *exec.Cmd {
			return exec.Command("dotnet", filepath.Join(serverDir, "VintagestoryServer.dll"), "--dataPath", dataDir)
		}
	}
	if s.isInstalled() {
		s.state = StateInstalled
	} else {
		s.state = StateNotInstalled
	}
	return s
}

func (s *Supervisor) isInstalled() bool {
	for _, m := range installMarkers {
		if _, err := os.Stat(filepath.Join(s.opts.ServerDir, m)); err != nil {
			return false
		}
	}
	return true
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.state
}

// Status is the API view of the supervisor.
type Status struct {
	State        State  `json:"state"`
	PID          *int   `json:"pid,omitempty"`
	LastExitCode *int   `json:"last_exit_code,omitempty"`
	Version      string `json:"version,omitempty"`
	UptimeSecs   *int64 `json:"uptime_seconds,omitempty"`
}

// CurrentStatus reports state, pid, uptime and the installed version.
func (s *Supervisor) CurrentStatus() Status {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	st := Status{State: s.state, LastExitCode: s.lastExitCode, Version: s.currentVersion()}
	if s.cmd != nil && s.cmd.Process != nil {
		pid := s.cmd.Process.Pid
		st.PID = &pid
		up := int64(time.Since(s.startedAt).Seconds())
		st.UptimeSecs = &up
	}
	return st
}

// ChildProcess implements metrics.ChildInspector.
func (s *Supervisor) ChildProcess() (int32, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0, false
	}
	return int32(s.cmd.Process.Pid), true
}

// IsRunning reports whether a child is alive. Implements the config
// engine's Console interface together with SendCommand.
func (s *Supervisor) IsRunning() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.cmd != nil
}

// Start spawns the game server and transitions to running.
func (s *Supervisor) Start() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.cmd != nil {
		return apierr.New(apierr.CodeServerRunning, "server is already running")
	}
	if s.installing {
		return apierr.New(apierr.CodeServerNotInstalled, "cannot start while an installation is in progress")
	}
	if s.state != StateInstalled {
		return apierr.New(apierr.CodeServerNotInstalled, "server is not installed")
	}
	s.state = StateStarting

	cmd := s.newCommand(s.opts.ServerDir, s.opts.ServerDataDir)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.state = StateInstalled
		return apierr.Wrap(err, apierr.CodeInternal, "open stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.state = StateInstalled
		return apierr.Wrap(err, apierr.CodeInternal, "open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.state = StateInstalled
		return apierr.Wrap(err, apierr.CodeInternal, "open stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		s.state = StateInstalled
		return apierr.Wrap(err, apierr.CodeInternal, "spawn game server")
	}

	s.cmd = cmd
	s.stdin = stdin
	s.exited = make(chan struct{})
	s.startedAt = time.Now()

	var readers sync.WaitGroup
	readers.Add(2)
	go s.readLines(stdout, &readers)
	go s.readLines(stderr, &readers)
	go s.monitor(cmd, &readers, s.exited)

	s.state = StateRunning
	if s.opts.Pending != nil {
		s.opts.Pending.Clear()
	}
	if s.opts.Mods != nil {
		s.opts.Mods.SetServerRunning(true)
	}
	serverStarts.Inc()
	_ = level.Info(s.logger).Log("msg", "game server started", "pid", cmd.Process.Pid)
	return nil
}

// readLines copies one child stream into the console ring. Lines are
// decoded as UTF-8 with invalid sequences replaced and trailing
// whitespace trimmed.
func (s *Supervisor) readLines(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(strings.ToValidUTF8(sc.Text(), "�"), " \t\r")
		s.opts.Ring.Append(line)
	}
}

// monitor awaits child exit and drops the state back to installed.
func (s *Supervisor) monitor(cmd *exec.Cmd, readers *sync.WaitGroup, exited chan struct{}) {
	// Wait drains and closes the pipes, so the readers must finish first.
	readers.Wait()
	err := cmd.Wait()

	code := 0
	if err != nil {
		code = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}

	s.mtx.Lock()
	s.cmd = nil
	s.stdin = nil
	s.lastExitCode = &code
	s.state = StateInstalled
	s.mtx.Unlock()

	if code == 0 {
		serverExits.WithLabelValues("true").Inc()
	} else {
		serverExits.WithLabelValues("false").Inc()
	}
	if s.opts.Mods != nil {
		s.opts.Mods.SetServerRunning(false)
	}
	_ = level.Info(s.logger).Log("msg", "game server exited", "exit_code", code)
	close(exited)
}

// Stop terminates the child: graceful signal, bounded wait, then kill.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mtx.Lock()
	if s.cmd == nil {
		s.mtx.Unlock()
		return apierr.New(apierr.CodeServerNotRunning, "server is not running")
	}
	s.state = StateStopping
	cmd := s.cmd
	exited := s.exited
	s.mtx.Unlock()

	if err := terminate(cmd.Process); err != nil {
		_ = level.Warn(s.logger).Log("msg", "graceful signal failed, killing", "err", err)
		_ = cmd.Process.Kill()
	}

	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.gracePeriod):
	}

	_ = level.Warn(s.logger).Log("msg", "graceful stop timed out, killing child", "grace_period", s.gracePeriod)
	_ = cmd.Process.Kill()

	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(killWait):
		return apierr.New(apierr.CodeInternal, "child did not exit after kill")
	}
}

// SendCommand echoes cmd into the console ring and writes it to the
// child's stdin. Returns false when no child is accepting input.
func (s *Supervisor) SendCommand(cmd string) bool {
	s.stdinMtx.Lock()
	defer s.stdinMtx.Unlock()

	s.mtx.Lock()
	stdin := s.stdin
	s.mtx.Unlock()
	if stdin == nil {
		return false
	}

	s.opts.Ring.Append(console.CommandEcho(cmd))
	if _, err := io.WriteString(stdin, cmd+"\n"); err != nil {
		_ = level.Warn(s.logger).Log("msg", "stdin write failed", "err", err)
		return false
	}
	return true
}

// currentVersion reads the marker file. Callers hold s.mtx or accept a
// racy read.
func (s *Supervisor) currentVersion() string {
	data, err := os.ReadFile(s.opts.MarkerPath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// CurrentVersion returns the installed version, empty when unknown.
func (s *Supervisor) CurrentVersion() string {
	return s.currentVersion()
}
