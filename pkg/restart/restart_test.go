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

package restart

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

func TestPendingAccumulatesAndClears(t *testing.T) {
	p := NewPending(log.NewNopLogger())
	require.False(t, p.IsPending())
	require.Empty(t, p.Changes())

	p.Require("Mod 'smithing' was installed")
	p.Require("Setting 'Port' was changed")
	p.Require("Mod 'smithing' was installed")

	require.True(t, p.IsPending())
	require.Equal(t, []string{
		"Mod 'smithing' was installed",
		"Setting 'Port' was changed",
		"Mod 'smithing' was installed",
	}, p.Changes())

	p.Clear()
	require.False(t, p.IsPending())
	require.Empty(t, p.Changes())
}

func TestChangesReturnsCopy(t *testing.T) {
	p := NewPending(log.NewNopLogger())
	p.Require("a")
	got := p.Changes()
	got[0] = "mutated"
	require.Equal(t, []string{"a"}, p.Changes())
}
