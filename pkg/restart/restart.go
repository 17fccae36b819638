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

// Package restart tracks changes applied while the game server is running
// that it will only pick up after a restart. There is exactly one Pending
// instance per process; the mod manager and the config engine write to it
// and the supervisor clears it when a start succeeds.
package restart

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Pending accumulates restart-requiring change reasons.
type Pending struct {
	mtx     sync.Mutex
	pending bool
	reasons []string
	logger  log.Logger
}

// NewPending returns an empty pending-restart state.
func NewPending(logger log.Logger) *Pending {
	return &Pending{logger: logger}
}

// Require records a change that needs a restart. Duplicate reasons are
// kept; the reason list reflects the order changes were applied.
func (p *Pending) Require(reason string) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.pending = true
	p.reasons = append(p.reasons, reason)
	_ = level.Info(p.logger).Log("msg", "restart required", "reason", reason, "pending_changes", len(p.reasons))
}

// Clear resets the flag and the reason list.
func (p *Pending) Clear() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	cleared := len(p.reasons)
	p.pending = false
	p.reasons = nil
	_ = level.Info(p.logger).Log("msg", "pending restart cleared", "cleared_changes", cleared)
}

// IsPending reports whether a restart is required.
func (p *Pending) IsPending() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.pending
}

// Changes returns a copy of the recorded reasons.
func (p *Pending) Changes() []string {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	out := make([]string, len(p.reasons))
	copy(out, p.reasons)
	return out
}
