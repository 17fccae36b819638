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

// Package mods manages the installed-mod catalogue: a durable index in
// mods.json reconciled against the archives actually present in the mods
// directory, and the orchestration of install, enable, disable and remove.
package mods

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// DisabledSuffix marks an archive the game server must not load. The
// enabled flag in the index and the filename suffix always agree.
const DisabledSuffix = ".disabled"

// Record is the persistent state for one installed mod, keyed by archive
// filename in mods.json.
type Record struct {
	Filename    string    `json:"filename"`
	Slug        string    `json:"slug"`
	Version     string    `json:"version"`
	Enabled     bool      `json:"enabled"`
	InstalledAt time.Time `json:"installed_at"`
	AssetID     int64     `json:"asset_id"`
}

// Index is the durable mapping of installed mods. It is not safe for
// concurrent use on its own; the Manager serializes access.
type Index struct {
	stateDir string
	modsDir  string
	records  map[string]Record // keyed by filename
	logger   log.Logger
}

// NewIndex loads the index from <stateDir>/mods.json. A missing or
// malformed file yields an empty index with a logged warning.
func NewIndex(stateDir, modsDir string, logger log.Logger) (*Index, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if err := os.MkdirAll(modsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create mods dir: %w", err)
	}
	idx := &Index{
		stateDir: stateDir,
		modsDir:  modsDir,
		records:  map[string]Record{},
		logger:   logger,
	}
	idx.load()
	return idx, nil
}

func (idx *Index) indexPath() string {
	return filepath.Join(idx.stateDir, "mods.json")
}

func (idx *Index) load() {
	data, err := os.ReadFile(idx.indexPath())
	if err != nil {
		if !os.IsNotExist(err) {
			_ = level.Warn(idx.logger).Log("msg", "reading mods.json failed, starting with empty index", "err", err)
		}
		return
	}
	var records map[string]Record
	if err := json.Unmarshal(data, &records); err != nil {
		_ = level.Warn(idx.logger).Log("msg", "mods.json is malformed, starting with empty index", "err", err)
		return
	}
	idx.records = records
}

// Save writes the index atomically: marshal to mods.json.tmp, then rename.
// The temp file is best-effort removed on any failure.
func (idx *Index) Save() (retErr error) {
	data, err := json.MarshalIndent(idx.records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal mods.json: %w", err)
	}
	tmp := idx.indexPath() + ".tmp"
	defer func() {
		if retErr != nil {
			_ = os.Remove(tmp)
		}
	}()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write mods.json.tmp: %w", err)
	}
	if err := os.Rename(tmp, idx.indexPath()); err != nil {
		return fmt.Errorf("replace mods.json: %w", err)
	}
	return nil
}

// ModsDir returns the directory holding the mod archives.
func (idx *Index) ModsDir() string { return idx.modsDir }

// Get returns the record stored under filename.
func (idx *Index) Get(filename string) (Record, bool) {
	r, ok := idx.records[filename]
	return r, ok
}

// FindBySlug returns the record for a slug, if any.
func (idx *Index) FindBySlug(slug string) (Record, bool) {
	for _, r := range idx.records {
		if r.Slug == slug {
			return r, true
		}
	}
	return Record{}, false
}

// Put inserts or replaces a record under its filename.
func (idx *Index) Put(r Record) {
	idx.records[r.Filename] = r
}

// Delete removes the record stored under filename.
func (idx *Index) Delete(filename string) {
	delete(idx.records, filename)
}

// All returns the records sorted by slug.
func (idx *Index) All() []Record {
	out := make([]Record, 0, len(idx.records))
	for _, r := range idx.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// ScanModsDirectory lists archive files on disk: anything ending in .zip
// or .zip.disabled.
func (idx *Index) ScanModsDirectory() ([]string, error) {
	dirents, err := os.ReadDir(idx.modsDir)
	if err != nil {
		return nil, fmt.Errorf("read mods dir: %w", err)
	}
	var out []string
	for _, de := range dirents {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if strings.HasSuffix(name, ".zip") || strings.HasSuffix(name, ".zip"+DisabledSuffix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// SyncStateWithDisk reconciles the index with the archives on disk:
// unknown archives are imported and inserted, records without a backing
// archive are dropped. A slug is indexed at most once; a second archive
// carrying an already-indexed slug is skipped with a warning so that
// FindBySlug stays unambiguous. The index is persisted only if anything
// changed.
func (idx *Index) SyncStateWithDisk() error {
	onDisk, err := idx.ScanModsDirectory()
	if err != nil {
		return err
	}
	present := make(map[string]struct{}, len(onDisk))
	changed := false

	slugs := make(map[string]string, len(idx.records))
	for _, r := range idx.records {
		slugs[r.Slug] = r.Filename
	}

	for _, name := range onDisk {
		present[name] = struct{}{}
		if _, ok := idx.records[name]; ok {
			continue
		}
		meta := idx.ImportMod(filepath.Join(idx.modsDir, name))
		if indexed, dup := slugs[meta.ModID]; dup {
			_ = level.Warn(idx.logger).Log("msg", "duplicate slug on disk, keeping the indexed archive", "slug", meta.ModID, "file", name, "indexed", indexed)
			continue
		}
		slugs[meta.ModID] = name
		idx.records[name] = Record{
			Filename:    name,
			Slug:        meta.ModID,
			Version:     meta.Version,
			Enabled:     !strings.HasSuffix(name, DisabledSuffix),
			InstalledAt: time.Now().UTC(),
		}
		changed = true
		_ = level.Info(idx.logger).Log("msg", "mod discovered on disk", "file", name, "slug", meta.ModID)
	}

	for name := range idx.records {
		if _, ok := present[name]; !ok {
			delete(idx.records, name)
			changed = true
			_ = level.Info(idx.logger).Log("msg", "mod archive vanished, dropping from index", "file", name)
		}
	}

	if changed {
		return idx.Save()
	}
	return nil
}
