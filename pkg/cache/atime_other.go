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

//go:build !linux

package cache

import (
	"os"
	"time"
)

// Platforms without a portable access-time field fall back to the
// modification time, which keeps eviction order deterministic even if it
// is a coarser signal.
func atime(info os.FileInfo) time.Time {
	return info.ModTime()
}
