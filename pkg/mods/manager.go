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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/vsmanager/vsmanager/pkg/apierr"
	"github.com/vsmanager/vsmanager/pkg/modapi"
	"github.com/vsmanager/vsmanager/pkg/restart"
)

// Catalogue is the remote lookup/download surface the manager depends
// on. *modapi.Client satisfies it; tests substitute fakes.
type Catalogue interface {
	GetMod(ctx context.Context, slugOrURL string) (*modapi.Mod, bool, error)
	DownloadMod(ctx context.Context, slugOrURL, version string) (modapi.DownloadResult, error)
}

// Manager orchestrates mod installation and lifecycle on top of the
// index, the catalogue client and the download cache. Mutations are
// serialized per slug; the index itself is additionally guarded so reads
// during a mutation stay consistent.
type Manager struct {
	mtx       sync.Mutex
	slugLocks map[string]*sync.Mutex

	index       *Index
	catalogue   Catalogue
	pending     *restart.Pending
	gameVersion string
	running     atomic.Bool
	logger      log.Logger
}

// NewManager wires a manager. gameVersion is the version the install
// compatibility check runs against; it may be empty when no server is
// installed yet.
func NewManager(index *Index, catalogue Catalogue, pending *restart.Pending, gameVersion string, logger log.Logger) *Manager {
	return &Manager{
		slugLocks:   map[string]*sync.Mutex{},
		index:       index,
		catalogue:   catalogue,
		pending:     pending,
		gameVersion: gameVersion,
		logger:      logger,
	}
}

// SetServerRunning records whether the supervised game server is live.
// The supervisor calls this on start and on observed child exit.
func (m *Manager) SetServerRunning(running bool) {
	m.running.Store(running)
}

// SetGameVersion updates the version compatibility checks run against,
// e.g. after a server install.
func (m *Manager) SetGameVersion(v string) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.gameVersion = v
}

func (m *Manager) currentGameVersion() string {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.gameVersion
}

// lockSlug serializes mutations on one slug. Operations on different
// slugs proceed concurrently.
func (m *Manager) lockSlug(slug string) func() {
	m.mtx.Lock()
	l, ok := m.slugLocks[slug]
	if !ok {
		l = &sync.Mutex{}
		m.slugLocks[slug] = l
	}
	m.mtx.Unlock()
	l.Lock()
	return l.Unlock
}

// ModInfo is the API-facing view of one installed mod.
type ModInfo struct {
	Slug        string    `json:"slug"`
	Filename    string    `json:"filename"`
	Version     string    `json:"version"`
	Enabled     bool      `json:"enabled"`
	InstalledAt time.Time `json:"installed_at"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	Authors     []string  `json:"authors,omitempty"`
}

func (m *Manager) infoFor(r Record) ModInfo {
	info := ModInfo{
		Slug:        r.Slug,
		Filename:    r.Filename,
		Version:     r.Version,
		Enabled:     r.Enabled,
		InstalledAt: r.InstalledAt,
	}
	if raw, ok := m.index.CachedModinfo(r.Slug, r.Version); ok {
		var meta ModMetadata
		if err := json.Unmarshal(raw, &meta); err == nil {
			info.Name = meta.Name
			info.Description = meta.Description
			info.Authors = meta.Authors
		}
	}
	return info
}

// List returns all installed mods, sorted by slug.
func (m *Manager) List() []ModInfo {
	m.mtx.Lock()
	records := m.index.All()
	m.mtx.Unlock()

	out := make([]ModInfo, 0, len(records))
	for _, r := range records {
		out = append(out, m.infoFor(r))
	}
	return out
}

// Get returns one installed mod.
func (m *Manager) Get(slug string) (ModInfo, error) {
	m.mtx.Lock()
	r, ok := m.index.FindBySlug(slug)
	m.mtx.Unlock()
	if !ok {
		return ModInfo{}, apierr.New(apierr.CodeModNotFound, "mod %q is not installed", slug)
	}
	return m.infoFor(r), nil
}

// LookupResult is the catalogue view of a mod plus its compatibility
// verdict against the current game version.
type LookupResult struct {
	Mod           *modapi.Mod   `json:"mod"`
	Compatibility Compatibility `json:"compatibility"`
	Message       string        `json:"message"`
	Installed     bool          `json:"installed"`
}

// Lookup queries the catalogue and computes compatibility of the newest
// release.
func (m *Manager) Lookup(ctx context.Context, slugOrURL string) (LookupResult, error) {
	mod, found, err := m.catalogue.GetMod(ctx, slugOrURL)
	if err != nil {
		return LookupResult{}, err
	}
	if !found {
		return LookupResult{}, apierr.New(apierr.CodeModNotFound, "mod %q not found in catalogue", modapi.NormalizeSlug(slugOrURL))
	}

	res := LookupResult{Mod: mod}
	if len(mod.Releases) > 0 {
		res.Compatibility, res.Message = CheckCompatibility(mod.Releases[0].Tags, m.currentGameVersion())
	} else {
		res.Compatibility = NotVerified
		res.Message = "mod has no releases"
	}
	m.mtx.Lock()
	_, res.Installed = m.index.FindBySlug(modapi.NormalizeSlug(slugOrURL))
	m.mtx.Unlock()
	return res, nil
}

// InstallResult reports a completed installation.
type InstallResult struct {
	Slug           string        `json:"slug"`
	Version        string        `json:"version"`
	Filename       string        `json:"filename"`
	Compatibility  Compatibility `json:"compatibility"`
	Message        string        `json:"message"`
	PendingRestart bool          `json:"pending_restart"`
}

// Install downloads a mod into the cache, copies it into the mods
// directory and records it in the index. Installing an already-installed
// slug is rejected. Any failure after the download leaves neither a
// destination archive nor an index entry behind.
func (m *Manager) Install(ctx context.Context, slugOrURL, version string) (InstallResult, error) {
	slug := modapi.NormalizeSlug(slugOrURL)
	if err := modapi.ValidateSlug(slug); err != nil {
		return InstallResult{}, err
	}
	unlock := m.lockSlug(slug)
	defer unlock()

	m.mtx.Lock()
	_, exists := m.index.FindBySlug(slug)
	m.mtx.Unlock()
	if exists {
		return InstallResult{}, apierr.New(apierr.CodeModAlreadyInstalled, "mod %q is already installed", slug)
	}

	dl, err := m.catalogue.DownloadMod(ctx, slug, version)
	if err != nil {
		return InstallResult{}, err
	}

	dst := filepath.Join(m.index.ModsDir(), dl.Filename)
	if err := copyAtomic(dl.Path, dst); err != nil {
		return InstallResult{}, fmt.Errorf("copy archive into mods dir: %w", err)
	}

	meta := m.index.ImportMod(dst)

	m.mtx.Lock()
	m.index.Put(Record{
		Filename:    dl.Filename,
		Slug:        slug,
		Version:     dl.Version,
		Enabled:     true,
		InstalledAt: time.Now().UTC(),
		AssetID:     dl.Release.FileID,
	})
	err = m.index.Save()
	if err != nil {
		m.index.Delete(dl.Filename)
	}
	m.mtx.Unlock()
	if err != nil {
		_ = os.Remove(dst)
		return InstallResult{}, fmt.Errorf("persist mod index: %w", err)
	}

	compat, msg := CheckCompatibility(dl.Release.Tags, m.currentGameVersion())
	res := InstallResult{
		Slug:          slug,
		Version:       dl.Version,
		Filename:      dl.Filename,
		Compatibility: compat,
		Message:       msg,
	}
	if m.running.Load() {
		m.pending.Require(fmt.Sprintf("Mod '%s' was installed", slug))
		res.PendingRestart = true
	}
	_ = level.Info(m.logger).Log("msg", "mod installed", "slug", slug, "version", dl.Version, "compatibility", string(compat), "modid", meta.ModID)
	return res, nil
}

// StatusResult reports an enable/disable/remove outcome.
type StatusResult struct {
	Slug           string `json:"slug"`
	Filename       string `json:"filename"`
	Enabled        bool   `json:"enabled"`
	PendingRestart bool   `json:"pending_restart"`
}

// Enable renames <file>.disabled back to <file> and flips the index
// entry. Enabling an enabled mod is a no-op success.
func (m *Manager) Enable(slug string) (StatusResult, error) {
	return m.setEnabled(slug, true)
}

// Disable renames <file> to <file>.disabled and flips the index entry.
// Disabling a disabled mod is a no-op success.
func (m *Manager) Disable(slug string) (StatusResult, error) {
	return m.setEnabled(slug, false)
}

func (m *Manager) setEnabled(slug string, enabled bool) (StatusResult, error) {
	unlock := m.lockSlug(slug)
	defer unlock()
	m.mtx.Lock()
	defer m.mtx.Unlock()

	r, ok := m.index.FindBySlug(slug)
	if !ok {
		return StatusResult{}, apierr.New(apierr.CodeModNotFound, "mod %q is not installed", slug)
	}
	if r.Enabled == enabled {
		return StatusResult{Slug: slug, Filename: r.Filename, Enabled: enabled}, nil
	}

	oldName := r.Filename
	var newName string
	if enabled {
		newName = strings.TrimSuffix(oldName, DisabledSuffix)
	} else {
		newName = oldName + DisabledSuffix
	}

	oldPath := filepath.Join(m.index.ModsDir(), oldName)
	newPath := filepath.Join(m.index.ModsDir(), newName)
	if err := os.Rename(oldPath, newPath); err != nil {
		return StatusResult{}, fmt.Errorf("rename mod archive: %w", err)
	}

	m.index.Delete(oldName)
	r.Filename = newName
	r.Enabled = enabled
	m.index.Put(r)
	if err := m.index.Save(); err != nil {
		// Roll the rename back so disk and index stay in agreement.
		_ = os.Rename(newPath, oldPath)
		r.Filename = oldName
		r.Enabled = !enabled
		m.index.Delete(newName)
		m.index.Put(r)
		return StatusResult{}, fmt.Errorf("persist mod index: %w", err)
	}

	res := StatusResult{Slug: slug, Filename: newName, Enabled: enabled}
	if m.running.Load() {
		verb := "disabled"
		if enabled {
			verb = "enabled"
		}
		m.pending.Require(fmt.Sprintf("Mod '%s' was %s", slug, verb))
		res.PendingRestart = true
	}
	_ = level.Info(m.logger).Log("msg", "mod toggled", "slug", slug, "enabled", enabled)
	return res, nil
}

// Remove deletes the archive, the index entry and the per-mod metadata
// cache.
func (m *Manager) Remove(slug string) (StatusResult, error) {
	unlock := m.lockSlug(slug)
	defer unlock()
	m.mtx.Lock()
	defer m.mtx.Unlock()

	r, ok := m.index.FindBySlug(slug)
	if !ok {
		return StatusResult{}, apierr.New(apierr.CodeModNotFound, "mod %q is not installed", slug)
	}

	if err := os.Remove(filepath.Join(m.index.ModsDir(), r.Filename)); err != nil && !os.IsNotExist(err) {
		return StatusResult{}, fmt.Errorf("remove mod archive: %w", err)
	}
	m.index.Delete(r.Filename)
	if err := os.RemoveAll(m.index.metadataCacheDir(slug)); err != nil {
		_ = level.Warn(m.logger).Log("msg", "removing mod metadata cache failed", "slug", slug, "err", err)
	}
	if err := m.index.Save(); err != nil {
		return StatusResult{}, fmt.Errorf("persist mod index: %w", err)
	}

	res := StatusResult{Slug: slug, Filename: r.Filename, Enabled: false}
	if m.running.Load() {
		m.pending.Require(fmt.Sprintf("Mod '%s' was removed", slug))
		res.PendingRestart = true
	}
	_ = level.Info(m.logger).Log("msg", "mod removed", "slug", slug)
	return res, nil
}

// Sync reconciles the index with the mods directory. Exposed for the
// scheduled mod-list refresh job.
func (m *Manager) Sync() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.index.SyncStateWithDisk()
}

// copyAtomic copies src to dst via a temp file and rename so readers
// never observe a partial archive.
func copyAtomic(src, dst string) (retErr error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = os.Remove(tmp)
		}
	}()
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}
