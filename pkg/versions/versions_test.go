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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/vsmanager/vsmanager/pkg/apierr"
)

const stableBody = `{
  "1.21.3": {
    "linuxserver": {
      "filename": "vs_server_linux-x64_1.21.3.tar.gz",
      "filesize": 41234567,
      "md5": "aabbccdd",
      "urls": {
        "cdn": "https://cdn.example.com/stable/vs_server_linux-x64_1.21.3.tar.gz",
        "local": "https://account.example.com/files/stable/vs_server_linux-x64_1.21.3.tar.gz"
      },
      "latest": true
    },
    "windowsserver": {"filename": "vs_server_win-x64_1.21.3.zip", "filesize": 1, "md5": "x", "urls": {"cdn": "", "local": ""}, "latest": true}
  },
  "1.21.2": {
    "linuxserver": {
      "filename": "vs_server_linux-x64_1.21.2.tar.gz",
      "filesize": 41230000,
      "md5": "eeff0011",
      "urls": {
        "cdn": "https://cdn.example.com/stable/vs_server_linux-x64_1.21.2.tar.gz",
        "local": "https://account.example.com/files/stable/vs_server_linux-x64_1.21.2.tar.gz"
      },
      "latest": false
    }
  }
}`

const unstableBody = `{
  "1.22.0-pre.1": {
    "linuxserver": {
      "filename": "vs_server_linux-x64_1.22.0-pre.1.tar.gz",
      "filesize": 42000000,
      "md5": "12345678",
      "urls": {
        "cdn": "https://cdn.example.com/unstable/vs_server_linux-x64_1.22.0-pre.1.tar.gz",
        "local": "https://account.example.com/files/unstable/vs_server_linux-x64_1.22.0-pre.1.tar.gz"
      },
      "latest": true
    }
  }
}`

func newVersionServer(t *testing.T, stableStatus int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/stable.json":
			if stableStatus != http.StatusOK {
				w.WriteHeader(stableStatus)
				return
			}
			w.Write([]byte(stableBody))
		case "/unstable.json":
			w.Write([]byte(unstableBody))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientFetch(t *testing.T) {
	srv := newVersionServer(t, http.StatusOK)
	c := NewClient(srv.URL, "")

	vs, err := c.Fetch(context.Background(), ChannelStable)
	require.NoError(t, err)
	require.Len(t, vs, 2)
	require.Equal(t, "1.21.3", vs[0].Version)
	require.True(t, vs[0].IsLatest)
	require.Equal(t, "vs_server_linux-x64_1.21.3.tar.gz", vs[0].Filename)
	require.Equal(t, "aabbccdd", vs[0].MD5)
	require.Equal(t, ChannelStable, vs[0].Channel)
	require.Equal(t, "1.21.2", vs[1].Version)
	require.False(t, vs[1].IsLatest)
}

func TestClientFetchHTTPError(t *testing.T) {
	srv := newVersionServer(t, http.StatusInternalServerError)
	c := NewClient(srv.URL, "")

	_, err := c.Fetch(context.Background(), ChannelStable)
	require.Equal(t, apierr.CodeExternalAPI, apierr.CodeOf(err))
}

func TestCacheRefreshAndQuery(t *testing.T) {
	srv := newVersionServer(t, http.StatusOK)
	cache := NewCache(NewClient(srv.URL, ""), log.NewNopLogger())

	require.NoError(t, cache.Refresh(context.Background()))

	latest, err := cache.Latest(context.Background(), ChannelStable)
	require.NoError(t, err)
	require.Equal(t, "1.21.3", latest.Version)

	unstable, fetchedAt, err := cache.List(context.Background(), ChannelUnstable)
	require.NoError(t, err)
	require.Len(t, unstable, 1)
	require.False(t, fetchedAt.IsZero())

	v, err := cache.Resolve(context.Background(), "1.21.2")
	require.NoError(t, err)
	require.Equal(t, "eeff0011", v.MD5)

	v, err = cache.Resolve(context.Background(), "latest")
	require.NoError(t, err)
	require.Equal(t, "1.21.3", v.Version)

	_, err = cache.Resolve(context.Background(), "9.9.9")
	require.Equal(t, apierr.CodeVersionNotFound, apierr.CodeOf(err))
}

func TestCacheListFetchesLiveOnMiss(t *testing.T) {
	srv := newVersionServer(t, http.StatusOK)
	cache := NewCache(NewClient(srv.URL, ""), log.NewNopLogger())

	// Nothing cached yet; List goes to the remote.
	vs, fetchedAt, err := cache.List(context.Background(), ChannelStable)
	require.NoError(t, err)
	require.Len(t, vs, 2)
	require.False(t, fetchedAt.IsZero())

	// The live result is cached, so the remote going away does not hurt.
	srv.Close()
	vs, _, err = cache.List(context.Background(), ChannelStable)
	require.NoError(t, err)
	require.Len(t, vs, 2)
}

func TestCacheEmptyChannelRemoteDown(t *testing.T) {
	srv := newVersionServer(t, http.StatusBadGateway)
	cache := NewCache(NewClient(srv.URL, ""), log.NewNopLogger())

	_, _, err := cache.List(context.Background(), ChannelStable)
	require.Equal(t, apierr.CodeExternalAPI, apierr.CodeOf(err))
}

func TestCachePerChannelDegradation(t *testing.T) {
	srv := newVersionServer(t, http.StatusOK)
	cache := NewCache(NewClient(srv.URL, ""), log.NewNopLogger())
	require.NoError(t, cache.Refresh(context.Background()))
	srv.Close()

	// The remote is gone. Refresh fails but the old snapshots survive.
	broken := newVersionServer(t, http.StatusBadGateway)
	cache.client = NewClient(broken.URL, "")
	require.Error(t, cache.Refresh(context.Background()))

	latest, err := cache.Latest(context.Background(), ChannelStable)
	require.NoError(t, err)
	require.Equal(t, "1.21.3", latest.Version)

	// The unstable endpoint still works on the new server and refreshed.
	unstable, _, err := cache.List(context.Background(), ChannelUnstable)
	require.NoError(t, err)
	require.Len(t, unstable, 1)
}

func TestParseChannel(t *testing.T) {
	ch, err := ParseChannel("stable")
	require.NoError(t, err)
	require.Equal(t, ChannelStable, ch)

	_, err = ParseChannel("nightly")
	require.Equal(t, apierr.CodeValidation, apierr.CodeOf(err))
}
