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

package auth

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vsmanager/vsmanager/pkg/apierr"
)

func TestVerify(t *testing.T) {
	k, err := NewKeys("admin-secret", "monitor-secret")
	require.NoError(t, err)

	role, err := k.Verify("admin-secret")
	require.NoError(t, err)
	require.Equal(t, RoleAdmin, role)

	role, err = k.Verify("monitor-secret")
	require.NoError(t, err)
	require.Equal(t, RoleMonitor, role)

	_, err = k.Verify("wrong")
	require.Equal(t, apierr.CodeUnauthorized, apierr.CodeOf(err))
	require.Contains(t, err.Error(), "Invalid API key")

	_, err = k.Verify("")
	require.Equal(t, apierr.CodeUnauthorized, apierr.CodeOf(err))
	require.Contains(t, err.Error(), "API key required")
}

func TestVerifyWithoutMonitorKey(t *testing.T) {
	k, err := NewKeys("admin-secret", "")
	require.NoError(t, err)

	// An empty monitor key must never match an empty or arbitrary input.
	_, err = k.Verify("")
	require.Error(t, err)
	_, err = k.Verify("anything")
	require.Error(t, err)
}

func TestNewKeysRequiresAdminKey(t *testing.T) {
	_, err := NewKeys("", "monitor")
	require.Error(t, err)
}

func TestRoleGates(t *testing.T) {
	require.NoError(t, RequireAdmin(RoleAdmin))
	require.Equal(t, apierr.CodeForbidden, apierr.CodeOf(RequireAdmin(RoleMonitor)))
	require.NoError(t, RequireConsole(RoleAdmin))
	require.Equal(t, apierr.CodeForbidden, apierr.CodeOf(RequireConsole(RoleMonitor)))
}

func TestKeyPrefix(t *testing.T) {
	require.Equal(t, "abcd...", KeyPrefix("abcdefgh"))
	require.Equal(t, "****", KeyPrefix("ab"))
}
