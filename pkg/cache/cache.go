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

// Package cache manages the size-bounded download cache that mod archives
// land in. Eviction is least-recently-used by file access time.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	filesEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vsmanager_cache_files_evicted_total",
		Help: "Number of files removed from the mod download cache.",
	})
	bytesEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vsmanager_cache_bytes_evicted_total",
		Help: "Bytes freed by mod download cache eviction.",
	})
)

// RegisterMetrics registers cache metrics with the given registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(filesEvicted, bytesEvicted)
}

// EvictReason explains why a file was evicted.
type EvictReason string

const (
	ReasonSizeLimit   EvictReason = "size_limit"
	ReasonManualClear EvictReason = "manual_clear"
)

// Cache owns <root>/mods and evicts archives when the directory grows past
// the configured size. A zero MaxSizeBytes disables eviction entirely.
type Cache struct {
	root         string
	maxSizeBytes int64
	logger       log.Logger
}

// Stats describes the current cache contents.
type Stats struct {
	Files        int   `json:"files"`
	TotalBytes   int64 `json:"total_bytes"`
	MaxSizeBytes int64 `json:"max_size_bytes"`
}

// EvictResult reports the outcome of one eviction pass. Remaining counts
// come from a fresh rescan so that deletion failures stay visible.
type EvictResult struct {
	FilesEvicted   int   `json:"files_evicted"`
	BytesFreed     int64 `json:"bytes_freed"`
	FilesRemaining int   `json:"files_remaining"`
	BytesRemaining int64 `json:"bytes_remaining"`
}

// New returns a cache rooted at root with the given size limit in
// megabytes. The mods subdirectory is created if missing.
func New(root string, maxSizeMB int64, logger log.Logger) (*Cache, error) {
	c := &Cache{
		root:         root,
		maxSizeBytes: maxSizeMB * 1024 * 1024,
		logger:       logger,
	}
	if err := os.MkdirAll(c.ModsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return c, nil
}

// ModsDir returns the directory mod downloads are written into.
func (c *Cache) ModsDir() string {
	return filepath.Join(c.root, "mods")
}

type cacheEntry struct {
	path  string
	size  int64
	atime time.Time
}

// scan lists eviction-eligible files (.zip and .cs) sorted by access time
// ascending. Other files in the directory are left alone.
func (c *Cache) scan() ([]cacheEntry, error) {
	dirents, err := os.ReadDir(c.ModsDir())
	if err != nil {
		return nil, fmt.Errorf("read cache dir: %w", err)
	}
	var entries []cacheEntry
	for _, de := range dirents {
		if de.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(de.Name()))
		if ext != ".zip" && ext != ".cs" {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Raced with a concurrent delete.
			continue
		}
		entries = append(entries, cacheEntry{
			path:  filepath.Join(c.ModsDir(), de.Name()),
			size:  info.Size(),
			atime: atime(info),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].atime.Before(entries[j].atime)
	})
	return entries, nil
}

// Stats returns the current file count and total size of eligible files.
func (c *Cache) Stats() (Stats, error) {
	entries, err := c.scan()
	if err != nil {
		return Stats{}, err
	}
	s := Stats{Files: len(entries), MaxSizeBytes: c.maxSizeBytes}
	for _, e := range entries {
		s.TotalBytes += e.size
	}
	return s, nil
}

// EvictIfNeeded removes the least recently used files until the total size
// of eligible files fits within the configured limit. With a zero limit
// this is a no-op. Deletion failures are logged and skipped; the file
// stays counted as present.
func (c *Cache) EvictIfNeeded() (EvictResult, error) {
	if c.maxSizeBytes <= 0 {
		return c.rescanInto(EvictResult{})
	}
	return c.evict(c.maxSizeBytes, ReasonSizeLimit)
}

// EvictAll removes every eligible file regardless of the size limit.
func (c *Cache) EvictAll() (EvictResult, error) {
	return c.evict(0, ReasonManualClear)
}

func (c *Cache) evict(limit int64, reason EvictReason) (EvictResult, error) {
	entries, err := c.scan()
	if err != nil {
		return EvictResult{}, err
	}
	var total int64
	for _, e := range entries {
		total += e.size
	}

	var res EvictResult
	for _, e := range entries {
		if total <= limit {
			break
		}
		if err := os.Remove(e.path); err != nil {
			_ = level.Warn(c.logger).Log("msg", "cache eviction failed", "file", e.path, "err", err)
			continue
		}
		_ = level.Info(c.logger).Log("msg", "cache evicted", "file", filepath.Base(e.path), "bytes", e.size, "reason", string(reason))
		filesEvicted.Inc()
		bytesEvicted.Add(float64(e.size))
		total -= e.size
		res.FilesEvicted++
		res.BytesFreed += e.size
	}
	return c.rescanInto(res)
}

func (c *Cache) rescanInto(res EvictResult) (EvictResult, error) {
	entries, err := c.scan()
	if err != nil {
		return res, err
	}
	res.FilesRemaining = len(entries)
	for _, e := range entries {
		res.BytesRemaining += e.size
	}
	return res, nil
}
