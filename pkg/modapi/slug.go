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

package modapi

import (
	"regexp"
	"strings"

	"github.com/vsmanager/vsmanager/pkg/apierr"
)

var slugRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// reservedNames are OS device names that must never become path
// components on Windows hosts, compared case-insensitively.
var reservedNames = func() map[string]struct{} {
	names := []string{"CON", "PRN", "AUX", "NUL"}
	for i := 1; i <= 9; i++ {
		names = append(names, "COM"+string(rune('0'+i)), "LPT"+string(rune('0'+i)))
	}
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}()

// NormalizeSlug accepts either a bare slug or a catalogue URL
// ("https://host/mod/<slug>") and returns the bare slug.
func NormalizeSlug(slugOrURL string) string {
	s := strings.TrimSpace(slugOrURL)
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
		if j := strings.Index(s, "/"); j >= 0 {
			s = s[j:]
		} else {
			s = ""
		}
	}
	s = strings.Trim(s, "/")
	if rest, ok := strings.CutPrefix(s, "mod/"); ok {
		s = rest
	}
	if j := strings.Index(s, "/"); j >= 0 {
		s = s[:j]
	}
	return s
}

// ValidateSlug rejects anything outside the safe slug character class and
// reserved OS device names.
func ValidateSlug(slug string) error {
	if !slugRe.MatchString(slug) {
		return apierr.New(apierr.CodeValidation, "invalid mod slug %q", slug)
	}
	if _, ok := reservedNames[strings.ToUpper(slug)]; ok {
		return apierr.New(apierr.CodeValidation, "mod slug %q is a reserved name", slug)
	}
	return nil
}
