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

package metrics

import (
	"fmt"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/shirou/gopsutil/v3/process"
)

// ChildInspector reports whether a supervised child process is live and
// what its pid is. The supervisor implements this; the narrow interface
// keeps the sampler away from the supervisor's internals.
type ChildInspector interface {
	ChildProcess() (pid int32, running bool)
}

// Sampler takes one Snapshot per invocation and appends it to the ring.
// A fresh process handle is primed with a discarded CPU reading, so the
// first reported percentage is a zero baseline rather than usage since
// process start; gopsutil computes later readings against the previous
// call.
type Sampler struct {
	ring   *Ring
	child  ChildInspector
	logger log.Logger

	self *process.Process
	// game holds the child process handle between samples so CPU deltas
	// survive across invocations. Reset when the pid changes.
	game *process.Process
}

// NewSampler returns a sampler writing into ring. child may be nil when
// no supervisor is wired (tests).
func NewSampler(ring *Ring, child ChildInspector, logger log.Logger) (*Sampler, error) {
	self, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("inspect own process: %w", err)
	}
	_, _ = self.Percent(0)
	return &Sampler{ring: ring, child: child, logger: logger, self: self}, nil
}

// Sample collects one snapshot. Child inspection failures degrade to
// absent game fields; failures reading the control plane's own process
// are returned.
func (s *Sampler) Sample() error {
	snap := Snapshot{Timestamp: time.Now().UTC()}

	mem, err := s.self.MemoryInfo()
	if err != nil {
		return fmt.Errorf("read own memory: %w", err)
	}
	snap.APIMemoryMB = float64(mem.RSS) / (1024 * 1024)

	cpu, err := s.self.Percent(0)
	if err != nil {
		return fmt.Errorf("read own cpu: %w", err)
	}
	snap.APICPUPercent = cpu

	if s.child != nil {
		if pid, running := s.child.ChildProcess(); running {
			s.sampleGame(pid, &snap)
		} else {
			s.game = nil
		}
	}

	s.ring.Add(snap)
	return nil
}

func (s *Sampler) sampleGame(pid int32, snap *Snapshot) {
	if s.game == nil || s.game.Pid != pid {
		p, err := process.NewProcess(pid)
		if err != nil {
			// The child exited between the supervisor check and here.
			_ = level.Debug(s.logger).Log("msg", "game process vanished before sampling", "pid", pid)
			s.game = nil
			return
		}
		// Prime the CPU counter so the first reading starts from zero.
		_, _ = p.Percent(0)
		s.game = p
	}

	mem, err := s.game.MemoryInfo()
	if err != nil {
		_ = level.Debug(s.logger).Log("msg", "sampling game memory failed", "pid", pid, "err", err)
		s.game = nil
		return
	}
	cpu, err := s.game.Percent(0)
	if err != nil {
		_ = level.Debug(s.logger).Log("msg", "sampling game cpu failed", "pid", pid, "err", err)
		s.game = nil
		return
	}
	gameMem := float64(mem.RSS) / (1024 * 1024)
	snap.GameMemoryMB = &gameMem
	snap.GameCPUPercent = &cpu
}
