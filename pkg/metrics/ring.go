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

// Package metrics samples resource usage of the control plane and the
// supervised game server into a bounded in-memory ring.
package metrics

import (
	"sync"
	"time"
)

// DefaultCapacity retains one hour of samples at the default 10 second
// interval.
const DefaultCapacity = 360

// MaxHistoryMinutes caps the window the API may request.
const MaxHistoryMinutes = 1440

// Snapshot is one resource sample. Game fields are nil when the child is
// not running or could not be inspected.
type Snapshot struct {
	Timestamp      time.Time `json:"timestamp"`
	APIMemoryMB    float64   `json:"api_memory_mb"`
	APICPUPercent  float64   `json:"api_cpu_percent"`
	GameMemoryMB   *float64  `json:"game_memory_mb,omitempty"`
	GameCPUPercent *float64  `json:"game_cpu_percent,omitempty"`
}

// Ring is a single-writer, multi-reader bounded buffer of snapshots.
type Ring struct {
	mtx      sync.RWMutex
	buf      []Snapshot
	start    int
	count    int
	capacity int
}

// NewRing returns a ring with the given capacity; non-positive values use
// DefaultCapacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{buf: make([]Snapshot, capacity), capacity: capacity}
}

// Add appends a snapshot, dropping the oldest when full.
func (r *Ring) Add(s Snapshot) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.count == r.capacity {
		r.start = (r.start + 1) % r.capacity
		r.count--
	}
	r.buf[(r.start+r.count)%r.capacity] = s
	r.count++
}

// Latest returns the newest snapshot, if any.
func (r *Ring) Latest() (Snapshot, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	if r.count == 0 {
		return Snapshot{}, false
	}
	return r.buf[(r.start+r.count-1)%r.capacity], true
}

// Since returns a copy of all snapshots taken at or after cutoff, oldest
// first.
func (r *Ring) Since(cutoff time.Time) []Snapshot {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	out := make([]Snapshot, 0, r.count)
	for i := 0; i < r.count; i++ {
		s := r.buf[(r.start+i)%r.capacity]
		if !s.Timestamp.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of retained snapshots.
func (r *Ring) Len() int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.count
}
