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
	"os"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

func TestSamplerTracksChild(t *testing.T) {
	// Our own pid stands in for the game server.
	ring := NewRing(5)
	s, err := NewSampler(ring, staticChild{pid: int32(os.Getpid()), running: true}, log.NewNopLogger())
	require.NoError(t, err)

	// The first reading of a fresh handle is a primed zero baseline, not
	// CPU accumulated since process start.
	require.NoError(t, s.Sample())
	first, found := ring.Latest()
	require.True(t, found)
	require.NotNil(t, first.GameMemoryMB)
	require.Greater(t, *first.GameMemoryMB, 0.0)
	require.NotNil(t, first.GameCPUPercent)
	require.GreaterOrEqual(t, *first.GameCPUPercent, 0.0)

	require.NoError(t, s.Sample())
	second, found := ring.Latest()
	require.True(t, found)
	require.NotNil(t, second.GameCPUPercent)
}
