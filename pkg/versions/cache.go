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

package versions

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/vsmanager/vsmanager/pkg/apierr"
)

var (
	refreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vsmanager_version_refresh_total",
			Help: "Version cache refresh attempts by channel.",
		},
		[]string{"channel"},
	)
	refreshFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vsmanager_version_refresh_failures_total",
			Help: "Version cache refresh failures by channel.",
		},
		[]string{"channel"},
	)
)

// RegisterCacheMetrics registers the version cache metrics with reg.
func RegisterCacheMetrics(reg prometheus.Registerer) {
	reg.MustRegister(refreshTotal, refreshFailures)
}

// fetcher is the part of Client the cache needs. Narrowed for tests.
type fetcher interface {
	Fetch(ctx context.Context, ch Channel) ([]VersionInfo, error)
}

type channelState struct {
	versions  []VersionInfo
	fetchedAt time.Time
}

// Cache holds the last successful version list per channel. A failed
// refresh of one channel never discards that channel's previous snapshot
// nor affects the other channel.
type Cache struct {
	client fetcher
	logger log.Logger

	mtx   sync.RWMutex
	state map[Channel]channelState
}

// NewCache returns an empty cache backed by client.
func NewCache(client fetcher, logger log.Logger) *Cache {
	return &Cache{
		client: client,
		logger: logger,
		state:  map[Channel]channelState{},
	}
}

// Refresh fetches both channels concurrently. Each channel that succeeds
// replaces its snapshot; each that fails keeps the old one. The returned
// error reflects the first failure but partial results are still applied.
func (c *Cache) Refresh(ctx context.Context) error {
	var g errgroup.Group
	for _, ch := range Channels {
		ch := ch
		g.Go(func() error {
			return c.refreshChannel(ctx, ch)
		})
	}
	return g.Wait()
}

func (c *Cache) refreshChannel(ctx context.Context, ch Channel) error {
	refreshTotal.WithLabelValues(string(ch)).Inc()
	vs, err := c.client.Fetch(ctx, ch)
	if err != nil {
		refreshFailures.WithLabelValues(string(ch)).Inc()
		_ = level.Warn(c.logger).Log("msg", "version refresh failed, keeping previous snapshot", "channel", ch, "err", err)
		return err
	}
	c.mtx.Lock()
	c.state[ch] = channelState{versions: vs, fetchedAt: time.Now()}
	c.mtx.Unlock()
	_ = level.Debug(c.logger).Log("msg", "version snapshot refreshed", "channel", ch, "versions", len(vs))
	return nil
}

// List returns the versions for one channel. With no snapshot yet, a
// live fetch fills the cache first; EXTERNAL_API_ERROR surfaces only when
// nothing is cached and the remote fails too.
func (c *Cache) List(ctx context.Context, ch Channel) ([]VersionInfo, time.Time, error) {
	c.mtx.RLock()
	st, ok := c.state[ch]
	c.mtx.RUnlock()
	if !ok {
		if err := c.refreshChannel(ctx, ch); err != nil {
			return nil, time.Time{}, apierr.Wrap(err, apierr.CodeExternalAPI, "no version data cached for channel %q and live fetch failed", ch)
		}
		c.mtx.RLock()
		st = c.state[ch]
		c.mtx.RUnlock()
	}
	out := make([]VersionInfo, len(st.versions))
	copy(out, st.versions)
	return out, st.fetchedAt, nil
}

// Latest returns the newest version on one channel.
func (c *Cache) Latest(ctx context.Context, ch Channel) (VersionInfo, error) {
	vs, _, err := c.List(ctx, ch)
	if err != nil {
		return VersionInfo{}, err
	}
	for _, v := range vs {
		if v.IsLatest {
			return v, nil
		}
	}
	if len(vs) > 0 {
		return vs[0], nil
	}
	return VersionInfo{}, apierr.New(apierr.CodeVersionNotFound, "channel %q has no versions", ch)
}

// Resolve finds a specific version across channels, preferring stable.
// The literal "latest" resolves to the newest stable version.
func (c *Cache) Resolve(ctx context.Context, version string) (VersionInfo, error) {
	if version == "" || version == "latest" {
		return c.Latest(ctx, ChannelStable)
	}
	var lastErr error
	for _, ch := range Channels {
		vs, _, err := c.List(ctx, ch)
		if err != nil {
			lastErr = err
			continue
		}
		for _, v := range vs {
			if v.Version == version {
				return v, nil
			}
		}
	}
	if lastErr != nil && c.empty() {
		return VersionInfo{}, lastErr
	}
	return VersionInfo{}, apierr.New(apierr.CodeVersionNotFound, "version %q not found on any channel", version)
}

func (c *Cache) empty() bool {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return len(c.state) == 0
}
