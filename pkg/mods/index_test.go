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
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// writeModZip creates a mod archive containing the given modinfo.json
// content, or no modinfo member when content is empty.
func writeModZip(t *testing.T, dir, name, modinfo string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	if modinfo != "" {
		w, err := zw.Create("modinfo.json")
		require.NoError(t, err)
		_, err = w.Write([]byte(modinfo))
		require.NoError(t, err)
	}
	w, err := zw.Create("assets/readme.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("hi"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	root := t.TempDir()
	idx, err := NewIndex(filepath.Join(root, "state"), filepath.Join(root, "Mods"), log.NewNopLogger())
	require.NoError(t, err)
	return idx
}

func TestIndexLoadMissingFile(t *testing.T) {
	idx := newTestIndex(t)
	require.Empty(t, idx.All())
}

func TestIndexLoadMalformedFile(t *testing.T) {
	root := t.TempDir()
	stateDir := filepath.Join(root, "state")
	require.NoError(t, os.MkdirAll(stateDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stateDir, "mods.json"), []byte("{not json"), 0o644))

	idx, err := NewIndex(stateDir, filepath.Join(root, "Mods"), log.NewNopLogger())
	require.NoError(t, err)
	require.Empty(t, idx.All())
}

func TestIndexSaveRoundTrip(t *testing.T) {
	idx := newTestIndex(t)
	rec := Record{
		Filename:    "smithing_1.8.3.zip",
		Slug:        "smithing",
		Version:     "1.8.3",
		Enabled:     true,
		InstalledAt: time.Unix(1700000000, 0).UTC(),
		AssetID:     1234,
	}
	idx.Put(rec)
	require.NoError(t, idx.Save())

	// No temp file remains.
	_, err := os.Stat(idx.indexPath() + ".tmp")
	require.True(t, os.IsNotExist(err))

	// The on-disk format maps filename to the record.
	data, err := os.ReadFile(idx.indexPath())
	require.NoError(t, err)
	var onDisk map[string]Record
	require.NoError(t, json.Unmarshal(data, &onDisk))
	if diff := cmp.Diff(map[string]Record{"smithing_1.8.3.zip": rec}, onDisk); diff != "" {
		t.Fatalf("unexpected mods.json (-want +got):\n%s", diff)
	}

	reloaded, err := NewIndex(idx.stateDir, idx.modsDir, log.NewNopLogger())
	require.NoError(t, err)
	got, ok := reloaded.Get("smithing_1.8.3.zip")
	require.True(t, ok)
	require.Equal(t, rec, got)
}

func TestIndexSaveFailureKeepsOldFile(t *testing.T) {
	idx := newTestIndex(t)
	idx.Put(Record{Filename: "a.zip", Slug: "a", Version: "1.0.0"})
	require.NoError(t, idx.Save())
	before, err := os.ReadFile(idx.indexPath())
	require.NoError(t, err)

	// Occupy the temp path with a directory so the write cannot land.
	tmp := idx.indexPath() + ".tmp"
	require.NoError(t, os.Mkdir(tmp, 0o755))

	idx.Put(Record{Filename: "b.zip", Slug: "b", Version: "2.0.0"})
	require.Error(t, idx.Save())

	// The previous file survives untouched and no temp remains.
	after, err := os.ReadFile(idx.indexPath())
	require.NoError(t, err)
	require.Equal(t, before, after)
	_, err = os.Stat(tmp)
	require.True(t, os.IsNotExist(err))
}

func TestScanModsDirectory(t *testing.T) {
	idx := newTestIndex(t)
	writeModZip(t, idx.modsDir, "a.zip", "")
	writeModZip(t, idx.modsDir, "b.zip.disabled", "")
	require.NoError(t, os.WriteFile(filepath.Join(idx.modsDir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(idx.modsDir, "subdir.zip"), 0o755))

	got, err := idx.ScanModsDirectory()
	require.NoError(t, err)
	require.Equal(t, []string{"a.zip", "b.zip.disabled"}, got)
}

func TestSyncStateWithDisk(t *testing.T) {
	idx := newTestIndex(t)
	writeModZip(t, idx.modsDir, "smithing_1.8.3.zip",
		`{"modid":"smithing","name":"Smithing Plus","version":"1.8.3","authors":["anego"]}`)

	// A stale entry with no archive behind it.
	idx.Put(Record{Filename: "gone.zip", Slug: "gone", Version: "1.0.0"})

	require.NoError(t, idx.SyncStateWithDisk())

	recs := idx.All()
	require.Len(t, recs, 1)
	require.Equal(t, "smithing", recs[0].Slug)
	require.Equal(t, "1.8.3", recs[0].Version)
	require.True(t, recs[0].Enabled)

	// Idempotence: a second sync changes nothing.
	before := idx.All()
	require.NoError(t, idx.SyncStateWithDisk())
	if diff := cmp.Diff(before, idx.All()); diff != "" {
		t.Fatalf("second sync changed the index (-first +second):\n%s", diff)
	}
}

func TestSyncSkipsDuplicateSlug(t *testing.T) {
	idx := newTestIndex(t)
	writeModZip(t, idx.modsDir, "alpha_1.0.0.zip", `{"modid":"alpha","version":"1.0.0"}`)
	writeModZip(t, idx.modsDir, "alpha_2.0.0.zip", `{"modid":"alpha","version":"2.0.0"}`)

	require.NoError(t, idx.SyncStateWithDisk())

	// Only the first archive for a slug is indexed.
	recs := idx.All()
	require.Len(t, recs, 1)
	require.Equal(t, "alpha", recs[0].Slug)
	require.Equal(t, "alpha_1.0.0.zip", recs[0].Filename)

	rec, found := idx.FindBySlug("alpha")
	require.True(t, found)
	require.Equal(t, "alpha_1.0.0.zip", rec.Filename)
}

func TestSyncMarksDisabledArchives(t *testing.T) {
	idx := newTestIndex(t)
	writeModZip(t, idx.modsDir, "old_1.0.0.zip.disabled",
		`{"modid":"old","version":"1.0.0"}`)

	require.NoError(t, idx.SyncStateWithDisk())
	rec, ok := idx.Get("old_1.0.0.zip.disabled")
	require.True(t, ok)
	require.False(t, rec.Enabled)
}
