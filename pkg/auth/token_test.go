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
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenFormat(t *testing.T) {
	s := NewTokenStore(TokenStoreOpts{})
	tok, err := s.Create(RoleAdmin)
	require.NoError(t, err)
	// 32 bytes base64url without padding is 43 characters.
	require.Len(t, tok.Value, 43)
	require.Equal(t, tok.CreatedAt.Add(DefaultTokenTTL), tok.ExpiresAt)
}

func TestTokenTTL(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := &now
	s := NewTokenStore(TokenStoreOpts{
		TTL: 30 * time.Second,
		Now: func() time.Time { return *clock },
	})

	tok, err := s.Create(RoleMonitor)
	require.NoError(t, err)

	role, ok := s.Validate(tok.Value)
	require.True(t, ok)
	require.Equal(t, RoleMonitor, role)

	now = now.Add(29 * time.Second)
	_, ok = s.Validate(tok.Value)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok = s.Validate(tok.Value)
	require.False(t, ok)

	// Expired tokens are deleted on lookup.
	require.Equal(t, 0, s.Len())
}

func TestTokenUnknown(t *testing.T) {
	s := NewTokenStore(TokenStoreOpts{})
	_, ok := s.Validate("nope")
	require.False(t, ok)
}

func TestTokenCapEvictsOldest(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := &now
	s := NewTokenStore(TokenStoreOpts{
		MaxTokens: 3,
		TTL:       time.Hour,
		Now:       func() time.Time { return *clock },
	})

	var tokens []Token
	for i := 0; i < 5; i++ {
		tok, err := s.Create(RoleAdmin)
		require.NoError(t, err)
		tokens = append(tokens, tok)
		require.LessOrEqual(t, s.Len(), 3)
		now = now.Add(time.Second)
	}

	// The two oldest tokens were evicted.
	_, ok := s.Validate(tokens[0].Value)
	require.False(t, ok)
	_, ok = s.Validate(tokens[1].Value)
	require.False(t, ok)
	for _, tok := range tokens[2:] {
		_, ok := s.Validate(tok.Value)
		require.True(t, ok)
	}
}

func TestCreateEvictsExpired(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := &now
	s := NewTokenStore(TokenStoreOpts{
		TTL: time.Minute,
		Now: func() time.Time { return *clock },
	})

	_, err := s.Create(RoleAdmin)
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)

	_, err = s.Create(RoleAdmin)
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())
}
