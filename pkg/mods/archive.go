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
	"archive/zip"
	"encoding/json"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-kit/log/level"
)

// ModMetadata is the parsed content of a mod archive's modinfo.json.
type ModMetadata struct {
	ModID       string   `json:"modid"`
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Authors     []string `json:"authors"`
	Description string   `json:"description,omitempty"`
}

// maxModinfoBytes caps how much of a modinfo.json is read. Real files are
// a few hundred bytes.
const maxModinfoBytes = 1 << 20

// ImportMod extracts mod metadata from an archive. Any failure, from an
// unreadable zip to a missing or malformed modinfo.json, yields fallback
// metadata derived from the filename with version "unknown". The raw
// modinfo.json is cached under the state directory for later reads.
func (idx *Index) ImportMod(archivePath string) ModMetadata {
	raw, meta, err := readModinfo(archivePath)
	if err != nil {
		_ = level.Warn(idx.logger).Log("msg", "reading mod metadata failed, using filename fallback", "file", filepath.Base(archivePath), "err", err)
		return fallbackMetadata(archivePath)
	}
	if err := idx.cacheModinfo(meta.ModID, meta.Version, raw); err != nil {
		_ = level.Warn(idx.logger).Log("msg", "caching modinfo failed", "slug", meta.ModID, "err", err)
	}
	return meta
}

// CachedModinfo returns the raw modinfo.json previously cached for a mod
// version, if present.
func (idx *Index) CachedModinfo(slug, version string) ([]byte, bool) {
	if !safePathSegment(slug) || !safePathSegment(version) {
		return nil, false
	}
	data, err := os.ReadFile(filepath.Join(idx.stateDir, "mods", slug, version, "modinfo.json"))
	if err != nil {
		return nil, false
	}
	return data, true
}

// metadataCacheDir returns the per-mod metadata cache directory.
func (idx *Index) metadataCacheDir(slug string) string {
	return filepath.Join(idx.stateDir, "mods", slug)
}

func (idx *Index) cacheModinfo(slug, version string, raw []byte) error {
	if !safePathSegment(slug) || !safePathSegment(version) {
		return os.ErrInvalid
	}
	dir := filepath.Join(idx.stateDir, "mods", slug, version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "modinfo.json"), raw, 0o644)
}

// safePathSegment rejects values that could escape the metadata cache
// tree when joined into a path.
func safePathSegment(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, "/\\") && !strings.Contains(s, "..")
}

func readModinfo(archivePath string) ([]byte, ModMetadata, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, ModMetadata{}, err
	}
	defer zr.Close()

	var member *zip.File
	for _, f := range zr.File {
		if !strings.HasSuffix(strings.ToLower(f.Name), "modinfo.json") {
			continue
		}
		// Reject members that would escape an extraction root, whether
		// through .. segments or an absolute name.
		clean := path.Clean(f.Name)
		if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			return nil, ModMetadata{}, zip.ErrFormat
		}
		if f.Mode()&os.ModeSymlink != 0 {
			return nil, ModMetadata{}, zip.ErrFormat
		}
		member = f
		break
	}
	if member == nil {
		return nil, ModMetadata{}, os.ErrNotExist
	}

	rc, err := member.Open()
	if err != nil {
		return nil, ModMetadata{}, err
	}
	defer rc.Close()

	raw, err := io.ReadAll(io.LimitReader(rc, maxModinfoBytes))
	if err != nil {
		return nil, ModMetadata{}, err
	}

	var meta ModMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, ModMetadata{}, err
	}
	if meta.ModID == "" || !safePathSegment(meta.ModID) {
		return nil, ModMetadata{}, zip.ErrFormat
	}
	if meta.Version == "" {
		meta.Version = "unknown"
	}
	return raw, meta, nil
}

// fallbackMetadata derives metadata from the archive filename: the base
// name with .disabled and .zip stripped, version unknown.
func fallbackMetadata(archivePath string) ModMetadata {
	name := filepath.Base(archivePath)
	name = strings.TrimSuffix(name, DisabledSuffix)
	name = strings.TrimSuffix(name, ".zip")
	return ModMetadata{ModID: name, Name: name, Version: "unknown"}
}
