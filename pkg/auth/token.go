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
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultTokenTTL bounds how long a WebSocket token stays valid.
	DefaultTokenTTL = 5 * time.Minute
	// DefaultMaxTokens caps the token store; creation evicts the oldest
	// tokens past this size.
	DefaultMaxTokens = 10000

	tokenBytes = 32
)

// Token is a short-lived opaque credential for a WebSocket handshake.
type Token struct {
	Value     string
	Role      Role
	CreatedAt time.Time
	ExpiresAt time.Time
}

// TokenStore issues and validates WebSocket tokens. All state is in
// memory; restarting the control plane invalidates outstanding tokens.
type TokenStore struct {
	mtx       sync.Mutex
	tokens    map[string]Token
	ttl       time.Duration
	maxTokens int
	now       func() time.Time
}

// TokenStoreOpts overrides store defaults. Zero values fall back to the
// package defaults.
type TokenStoreOpts struct {
	TTL       time.Duration
	MaxTokens int
	// Now is the clock source, injectable for tests.
	Now func() time.Time
}

// NewTokenStore returns an empty token store.
func NewTokenStore(opts TokenStoreOpts) *TokenStore {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTokenTTL
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &TokenStore{
		tokens:    map[string]Token{},
		ttl:       opts.TTL,
		maxTokens: opts.MaxTokens,
		now:       opts.Now,
	}
}

// TTL returns the configured token lifetime.
func (s *TokenStore) TTL() time.Duration { return s.ttl }

// Create issues a token for the given role. Expired tokens are evicted
// opportunistically; if the store still exceeds its cap, the oldest
// tokens by creation time are dropped first.
func (s *TokenStore) Create(role Role) (Token, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return Token{}, fmt.Errorf("generate token: %w", err)
	}
	value := base64.RawURLEncoding.EncodeToString(raw)

	s.mtx.Lock()
	defer s.mtx.Unlock()

	now := s.now()
	tok := Token{
		Value:     value,
		Role:      role,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	for v, t := range s.tokens {
		if now.After(t.ExpiresAt) {
			delete(s.tokens, v)
		}
	}
	s.tokens[value] = tok

	if len(s.tokens) > s.maxTokens {
		ordered := make([]Token, 0, len(s.tokens))
		for _, t := range s.tokens {
			ordered = append(ordered, t)
		}
		sort.Slice(ordered, func(i, j int) bool {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		})
		for _, t := range ordered[:len(s.tokens)-s.maxTokens] {
			delete(s.tokens, t.Value)
		}
	}
	return tok, nil
}

// Validate resolves a token to its role. Expired tokens are deleted on
// lookup. The second return is false for unknown or expired tokens.
func (s *TokenStore) Validate(value string) (Role, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	tok, ok := s.tokens[value]
	if !ok {
		return "", false
	}
	if s.now().After(tok.ExpiresAt) {
		delete(s.tokens, value)
		return "", false
	}
	return tok.Role, true
}

// Len returns the number of stored tokens.
func (s *TokenStore) Len() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.tokens)
}
