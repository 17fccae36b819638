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

package mods

import (
	"fmt"
	"regexp"
	"strings"
)

// Compatibility is the verdict of checking a release's game-version tags
// against the configured game version.
type Compatibility string

const (
	Compatible   Compatibility = "compatible"
	NotVerified  Compatibility = "not_verified"
	Incompatible Compatibility = "incompatible"
)

var gameVersionRe = regexp.MustCompile(`^v?(\d+)\.(\d+)(?:\.\d+)?`)

// CheckCompatibility compares a release's tags with the running game
// version. An exact tag match is compatible; an unparseable game version
// or a tag sharing the same major.minor is not verified; anything else is
// incompatible, with a message naming up to three of the release's tags.
func CheckCompatibility(tags []string, gameVersion string) (Compatibility, string) {
	norm := strings.TrimPrefix(gameVersion, "v")
	for _, tag := range tags {
		if strings.TrimPrefix(tag, "v") == norm {
			return Compatible, fmt.Sprintf("verified for game version %s", gameVersion)
		}
	}

	m := gameVersionRe.FindStringSubmatch(gameVersion)
	if m == nil {
		return NotVerified, fmt.Sprintf("game version %q could not be parsed", gameVersion)
	}
	majorMinor := m[1] + "." + m[2]
	for _, tag := range tags {
		tm := gameVersionRe.FindStringSubmatch(tag)
		if tm != nil && tm[1]+"."+tm[2] == majorMinor {
			return NotVerified, fmt.Sprintf("not verified for %s, but tagged for the same %s series", gameVersion, majorMinor)
		}
	}

	shown := tags
	if len(shown) > 3 {
		shown = shown[:3]
	}
	return Incompatible, fmt.Sprintf("release supports %s, not %s", strings.Join(shown, ", "), gameVersion)
}
