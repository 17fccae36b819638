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

// Package auth implements API-key verification with two static roles and
// short-lived opaque tokens for WebSocket handshakes, where custom headers
// are unavailable.
package auth

import (
	"crypto/subtle"
	"fmt"

	"github.com/vsmanager/vsmanager/pkg/apierr"
)

// Role is the access level resolved from an API key.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleMonitor Role = "monitor"
)

// Keys holds the static API keys. AdminKey is required; MonitorKey is
// optional and grants read-only access when set.
type Keys struct {
	AdminKey   string
	MonitorKey string
}

// NewKeys validates the key configuration.
func NewKeys(adminKey, monitorKey string) (*Keys, error) {
	if adminKey == "" {
		return nil, fmt.Errorf("admin API key must not be empty")
	}
	return &Keys{AdminKey: adminKey, MonitorKey: monitorKey}, nil
}

// Verify resolves an API key to a role using constant-time comparison
// against both configured keys. The admin key is checked first.
func (k *Keys) Verify(key string) (Role, error) {
	if key == "" {
		return "", apierr.New(apierr.CodeUnauthorized, "API key required")
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(k.AdminKey)) == 1 {
		return RoleAdmin, nil
	}
	if k.MonitorKey != "" && subtle.ConstantTimeCompare([]byte(key), []byte(k.MonitorKey)) == 1 {
		return RoleMonitor, nil
	}
	return "", apierr.New(apierr.CodeUnauthorized, "Invalid API key")
}

// RequireAdmin admits only the admin role.
func RequireAdmin(role Role) error {
	if role != RoleAdmin {
		return apierr.New(apierr.CodeForbidden, "Admin access required")
	}
	return nil
}

// RequireConsole gates console access. It is identical to RequireAdmin
// with a rejection message naming the console so operators know which
// permission they are missing.
func RequireConsole(role Role) error {
	if role != RoleAdmin {
		return apierr.New(apierr.CodeForbidden, "Console access requires admin role")
	}
	return nil
}

// KeyPrefix returns a short non-sensitive prefix of an API key for logs.
func KeyPrefix(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "..."
}
