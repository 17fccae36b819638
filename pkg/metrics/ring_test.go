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
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

func TestRingDropsOldest(t *testing.T) {
	r := NewRing(3)
	base := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		r.Add(Snapshot{Timestamp: base.Add(time.Duration(i) * time.Second)})
	}
	require.Equal(t, 3, r.Len())

	latest, ok := r.Latest()
	require.True(t, ok)
	require.Equal(t, base.Add(4*time.Second), latest.Timestamp)

	all := r.Since(time.Time{})
	require.Len(t, all, 3)
	require.Equal(t, base.Add(2*time.Second), all[0].Timestamp)
}

func TestLatestEmpty(t *testing.T) {
	r := NewRing(3)
	_, ok := r.Latest()
	require.False(t, ok)
}

func TestSinceFiltersByCutoff(t *testing.T) {
	r := NewRing(10)
	base := time.Unix(1000, 0)
	for i := 0; i < 5; i++ {
		r.Add(Snapshot{Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}
	got := r.Since(base.Add(3 * time.Minute))
	require.Len(t, got, 2)
	require.Equal(t, base.Add(3*time.Minute), got[0].Timestamp)
}

type staticChild struct {
	pid     int32
	running bool
}

func (c staticChild) ChildProcess() (int32, bool) { return c.pid, c.running }

func TestSamplerWithoutChild(t *testing.T) {
	r := NewRing(10)
	s, err := NewSampler(r, staticChild{running: false}, log.NewNopLogger())
	require.NoError(t, err)

	require.NoError(t, s.Sample())
	snap, ok := r.Latest()
	require.True(t, ok)
	require.Greater(t, snap.APIMemoryMB, 0.0)
	require.Nil(t, snap.GameMemoryMB)
	require.Nil(t, snap.GameCPUPercent)
}

func TestSamplerChildVanished(t *testing.T) {
	r := NewRing(10)
	// Pid unlikely to exist; the sampler must degrade, not fail.
	s, err := NewSampler(r, staticChild{pid: 1 << 22, running: true}, log.NewNopLogger())
	require.NoError(t, err)

	require.NoError(t, s.Sample())
	snap, ok := r.Latest()
	require.True(t, ok)
	require.Nil(t, snap.GameMemoryMB)
}
