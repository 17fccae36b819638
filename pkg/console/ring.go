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

// Package console implements the bounded ring of game-server output lines
// that backs both console history reads and live WebSocket streaming.
package console

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultCapacity is the number of lines retained when no explicit
// capacity is configured.
const DefaultCapacity = 10000

var (
	linesAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vsmanager_console_lines_appended_total",
		Help: "Number of lines appended to the console ring.",
	})
	linesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vsmanager_console_lines_dropped_total",
		Help: "Number of lines dropped from the console ring because it was full.",
	})
	subscribersDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vsmanager_console_subscribers_dropped_total",
		Help: "Number of subscribers removed after a failed delivery.",
	})
)

// RegisterMetrics registers the console ring metrics with the given registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(linesAppended, linesDropped, subscribersDropped)
}

// Subscriber receives every line appended to the ring. Returning an error
// removes the subscriber; other subscribers still receive the line.
type Subscriber func(line string) error

// Ring is a fixed-capacity FIFO of console lines with publish/subscribe
// fan-out. All methods are safe for concurrent use; appends are serialized
// so subscribers and history readers observe the same line order.
type Ring struct {
	mtx      sync.Mutex
	buf      []string
	start    int // index of oldest entry
	count    int
	capacity int

	nextSub int
	subs    map[int]Subscriber
}

// NewRing returns a ring retaining the newest capacity lines. A
// non-positive capacity falls back to DefaultCapacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		buf:      make([]string, capacity),
		capacity: capacity,
		subs:     map[int]Subscriber{},
	}
}

// Append pushes a line, dropping the oldest entry once the ring is full,
// and delivers the line to every subscriber. A subscriber whose callback
// returns an error is removed; delivery to the remaining subscribers
// continues.
func (r *Ring) Append(line string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	linesAppended.Inc()

	if r.count == r.capacity {
		r.start = (r.start + 1) % r.capacity
		r.count--
		linesDropped.Inc()
	}
	r.buf[(r.start+r.count)%r.capacity] = line
	r.count++

	for id, fn := range r.subs {
		if err := fn(line); err != nil {
			delete(r.subs, id)
			subscribersDropped.Inc()
		}
	}
}

// History returns a copy of the retained lines, oldest first. A positive
// limit returns only the newest limit lines, zero returns everything and a
// negative limit returns nothing.
func (r *Ring) History(limit int) []string {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if limit < 0 {
		return []string{}
	}
	n := r.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]string, 0, n)
	for i := r.count - n; i < r.count; i++ {
		out = append(out, r.buf[(r.start+i)%r.capacity])
	}
	return out
}

// Len returns the number of retained lines.
func (r *Ring) Len() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.count
}

// Clear empties the ring. Subscribers are preserved.
func (r *Ring) Clear() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.start, r.count = 0, 0
}

// Subscribe registers fn and returns an id for Unsubscribe. The
// subscription only observes lines appended after Subscribe returns, so
// callers replaying History before subscribing see no gaps as long as they
// subscribe before releasing new appends.
func (r *Ring) Subscribe(fn Subscriber) int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	return id
}

// Unsubscribe removes the subscription with the given id. Unknown ids are
// a no-op.
func (r *Ring) Unsubscribe(id int) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	delete(r.subs, id)
}

// SubscriberCount returns the number of live subscribers.
func (r *Ring) SubscriberCount() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.subs)
}

// SnapshotAndSubscribe atomically captures the newest limit lines and
// registers fn, guaranteeing that no line is both missing from the
// snapshot and unseen by the subscription.
func (r *Ring) SnapshotAndSubscribe(limit int, fn Subscriber) ([]string, int) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	var history []string
	if limit < 0 {
		history = []string{}
	} else {
		n := r.count
		if limit > 0 && limit < n {
			n = limit
		}
		history = make([]string, 0, n)
		for i := r.count - n; i < r.count; i++ {
			history = append(history, r.buf[(r.start+i)%r.capacity])
		}
	}

	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	return history, id
}

// CommandEcho formats an operator command the way it is echoed into the
// ring: a cyan "[CMD]" prefix so operators can tell their own input apart
// from game output.
func CommandEcho(cmd string) string {
	return fmt.Sprintf("\x1b[36m[CMD] %s\x1b[0m", cmd)
}
