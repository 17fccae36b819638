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

// Package versions queries the remote game-version API and keeps an
// in-memory snapshot per release channel so the control plane can answer
// version queries while the remote is down.
package versions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/vsmanager/vsmanager/pkg/apierr"
)

// Channel selects which release stream to query.
type Channel string

const (
	ChannelStable   Channel = "stable"
	ChannelUnstable Channel = "unstable"
)

// Channels lists all known channels.
var Channels = []Channel{ChannelStable, ChannelUnstable}

// ParseChannel validates a channel string.
func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case ChannelStable, ChannelUnstable:
		return Channel(s), nil
	}
	return "", apierr.New(apierr.CodeValidation, "unknown channel %q", s)
}

// VersionInfo describes one downloadable game-server build.
type VersionInfo struct {
	Version  string  `json:"version"`
	Filename string  `json:"filename"`
	Filesize int64   `json:"filesize"`
	MD5      string  `json:"md5"`
	CDNURL   string  `json:"cdn_url"`
	LocalURL string  `json:"local_url"`
	IsLatest bool    `json:"is_latest"`
	Channel  Channel `json:"channel"`
}

// artifact matches the remote schema: each version maps artifact names
// to build descriptors, of which we want the server build.
type artifact struct {
	Filename string `json:"filename"`
	Filesize int64  `json:"filesize"`
	MD5      string `json:"md5"`
	URLs     struct {
		CDN   string `json:"cdn"`
		Local string `json:"local"`
	} `json:"urls"`
	Latest bool `json:"latest"`
}

// DefaultArtifact is the artifact name of the Linux server build.
const DefaultArtifact = "linuxserver"

// DefaultFetchTimeout bounds one channel query.
const DefaultFetchTimeout = 30 * time.Second

// Client fetches version lists from the remote API.
type Client struct {
	baseURL    string
	artifact   string
	httpClient *http.Client
}

// NewClient returns a version API client. artifact selects which build
// of each version is surfaced; empty means DefaultArtifact.
func NewClient(baseURL, artifact string) *Client {
	if artifact == "" {
		artifact = DefaultArtifact
	}
	return &Client{
		baseURL:    baseURL,
		artifact:   artifact,
		httpClient: &http.Client{Timeout: DefaultFetchTimeout},
	}
}

// Fetch returns the versions available on one channel, newest first by
// the remote's latest flag and version ordering.
func (c *Client) Fetch(ctx context.Context, ch Channel) ([]VersionInfo, error) {
	u := fmt.Sprintf("%s/%s.json", c.baseURL, ch)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build version request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apierr.Wrap(err, apierr.CodeExternalAPI, "version API unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apierr.New(apierr.CodeExternalAPI, "version API returned HTTP %d", resp.StatusCode)
	}

	var body map[string]map[string]artifact
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, apierr.Wrap(err, apierr.CodeExternalAPI, "decode version API response")
	}

	out := make([]VersionInfo, 0, len(body))
	for version, artifacts := range body {
		a, ok := artifacts[c.artifact]
		if !ok {
			continue
		}
		out = append(out, VersionInfo{
			Version:  version,
			Filename: a.Filename,
			Filesize: a.Filesize,
			MD5:      a.MD5,
			CDNURL:   a.URLs.CDN,
			LocalURL: a.URLs.Local,
			IsLatest: a.Latest,
			Channel:  ch,
		})
	}
	// Latest first, then descending version string as a stable tiebreak.
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsLatest != out[j].IsLatest {
			return out[i].IsLatest
		}
		return out[i].Version > out[j].Version
	})
	return out, nil
}
