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

// Package modapi is the HTTP client for the remote mod catalogue. It is
// pure I/O: lookups and streamed downloads into the local cache, no mod
// state of its own.
package modapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/vsmanager/vsmanager/pkg/apierr"
	"github.com/vsmanager/vsmanager/pkg/cache"
)

const (
	// DefaultLookupTimeout bounds catalogue metadata GETs.
	DefaultLookupTimeout = 30 * time.Second
	// DefaultDownloadTimeout bounds archive downloads.
	DefaultDownloadTimeout = 120 * time.Second
)

// Release is one downloadable build of a mod. Tags carry the game
// versions the author declared compatible.
type Release struct {
	ModVersion string   `json:"modversion"`
	Filename   string   `json:"filename"`
	FileID     int64    `json:"fileid"`
	Tags       []string `json:"tags"`
}

// Mod is the catalogue's metadata for one mod. Releases are ordered
// newest first by the remote.
type Mod struct {
	ModID    int64     `json:"modid"`
	Name     string    `json:"name"`
	Slug     string    `json:"urlalias"`
	Author   string    `json:"author"`
	Releases []Release `json:"releases"`
}

type modResponse struct {
	// The catalogue encodes the status code as a string, not a number.
	StatusCode string `json:"statuscode"`
	Mod        *Mod   `json:"mod"`
}

// DownloadResult describes a completed archive download.
type DownloadResult struct {
	Path     string
	Filename string
	Version  string
	Release  Release
}

// Client talks to the mod catalogue.
type Client struct {
	baseURL        string
	lookupClient   *http.Client
	downloadClient *http.Client
	cache          *cache.Cache
	logger         log.Logger
}

// NewClient returns a catalogue client downloading into c.
func NewClient(baseURL string, c *cache.Cache, logger log.Logger) *Client {
	return &Client{
		baseURL:        baseURL,
		lookupClient:   &http.Client{Timeout: DefaultLookupTimeout},
		downloadClient: &http.Client{Timeout: DefaultDownloadTimeout},
		cache:          c,
		logger:         logger,
	}
}

// GetMod looks up a mod by slug or catalogue URL. The second return is
// false when the catalogue reports the mod as unknown.
func (c *Client) GetMod(ctx context.Context, slugOrURL string) (*Mod, bool, error) {
	slug := NormalizeSlug(slugOrURL)
	if err := ValidateSlug(slug); err != nil {
		return nil, false, err
	}

	u := fmt.Sprintf("%s/api/mod/%s", c.baseURL, url.PathEscape(slug))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build catalogue request: %w", err)
	}
	resp, err := c.lookupClient.Do(req)
	if err != nil {
		return nil, false, apierr.Wrap(err, apierr.CodeExternalAPI, "mod catalogue unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false, apierr.New(apierr.CodeExternalAPI, "mod catalogue returned HTTP %d", resp.StatusCode)
	}

	var body modResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, false, apierr.Wrap(err, apierr.CodeExternalAPI, "decode catalogue response")
	}

	switch body.StatusCode {
	case "200":
		if body.Mod == nil {
			return nil, false, apierr.New(apierr.CodeExternalAPI, "catalogue reported success without mod payload")
		}
		return body.Mod, true, nil
	case "404":
		return nil, false, nil
	default:
		_ = level.Warn(c.logger).Log("msg", "unexpected catalogue statuscode", "slug", slug, "statuscode", body.StatusCode)
		return nil, false, nil
	}
}

// SelectRelease picks the release matching version, or the newest release
// when version is empty.
func SelectRelease(mod *Mod, version string) (Release, error) {
	if len(mod.Releases) == 0 {
		return Release{}, apierr.New(apierr.CodeVersionNotFound, "mod %q has no releases", mod.Name)
	}
	if version == "" {
		return mod.Releases[0], nil
	}
	for _, rel := range mod.Releases {
		if rel.ModVersion == version {
			return rel, nil
		}
	}
	return Release{}, apierr.New(apierr.CodeVersionNotFound, "mod %q has no release %q", mod.Name, version)
}

// DownloadMod fetches a mod archive into the cache. The body streams into
// a temp file that is atomically renamed on success; partial files are
// removed on any failure. A single eviction pass runs after a successful
// download.
func (c *Client) DownloadMod(ctx context.Context, slugOrURL, version string) (DownloadResult, error) {
	mod, found, err := c.GetMod(ctx, slugOrURL)
	if err != nil {
		return DownloadResult{}, err
	}
	if !found {
		return DownloadResult{}, apierr.New(apierr.CodeModNotFound, "mod %q not found in catalogue", NormalizeSlug(slugOrURL))
	}
	rel, err := SelectRelease(mod, version)
	if err != nil {
		return DownloadResult{}, err
	}

	dst := filepath.Join(c.cache.ModsDir(), filepath.Base(rel.Filename))
	if err := c.fetchTo(ctx, rel.FileID, dst); err != nil {
		return DownloadResult{}, err
	}

	if _, err := c.cache.EvictIfNeeded(); err != nil {
		_ = level.Warn(c.logger).Log("msg", "cache eviction after download failed", "err", err)
	}

	_ = level.Info(c.logger).Log("msg", "mod downloaded", "slug", mod.Slug, "version", rel.ModVersion, "file", filepath.Base(dst))
	return DownloadResult{
		Path:     dst,
		Filename: filepath.Base(dst),
		Version:  rel.ModVersion,
		Release:  rel,
	}, nil
}

func (c *Client) fetchTo(ctx context.Context, fileID int64, dst string) (retErr error) {
	u := fmt.Sprintf("%s/download?fileid=%d", c.baseURL, fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return apierr.Wrap(err, apierr.CodeExternalAPI, "mod download failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apierr.New(apierr.CodeExternalAPI, "mod download returned HTTP %d", resp.StatusCode)
	}

	tmp := dst + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create download temp file: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = os.Remove(tmp)
		}
	}()

	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		return apierr.Wrap(err, apierr.CodeExternalAPI, "stream mod archive")
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close download temp file: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("finalize download: %w", err)
	}
	return nil
}
