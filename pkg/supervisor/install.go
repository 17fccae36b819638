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

package supervisor

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-kit/log/level"

	"github.com/vsmanager/vsmanager/pkg/apierr"
	"github.com/vsmanager/vsmanager/pkg/versions"
)

// Install downloads the given version (empty or "latest" resolves to the
// channel's newest), verifies its checksum, extracts it over the server
// directory and records the version marker. Forbidden while a child
// process exists.
func (s *Supervisor) Install(ctx context.Context, version string, channel versions.Channel) error {
	s.installMtx.Lock()
	defer s.installMtx.Unlock()

	s.mtx.Lock()
	if s.cmd != nil {
		s.mtx.Unlock()
		return apierr.New(apierr.CodeServerRunning, "cannot install while the server is running")
	}
	// Blocks Start for the whole download and extraction, during which
	// the server directory is in no shape to run from.
	s.installing = true
	s.mtx.Unlock()
	defer func() {
		s.mtx.Lock()
		s.installing = false
		s.mtx.Unlock()
	}()

	var vi versions.VersionInfo
	var err error
	if version == "" || version == "latest" {
		vi, err = s.opts.Versions.Latest(ctx, channel)
	} else {
		vi, err = s.opts.Versions.Resolve(ctx, version)
	}
	if err != nil {
		return err
	}

	url := vi.CDNURL
	if url == "" {
		url = vi.LocalURL
	}
	if url == "" {
		return apierr.New(apierr.CodeExternalAPI, "version %s has no download URL", vi.Version)
	}

	_ = level.Info(s.logger).Log("msg", "installing game server", "version", vi.Version, "channel", vi.Channel)

	archive, err := s.download(ctx, url, vi.MD5)
	if err != nil {
		return err
	}
	defer os.Remove(archive)

	if err := os.MkdirAll(s.opts.ServerDir, 0o755); err != nil {
		return apierr.Wrap(err, apierr.CodeInternal, "create server directory")
	}
	if err := extractArchive(archive, vi.Filename, s.opts.ServerDir); err != nil {
		return apierr.Wrap(err, apierr.CodeInternal, "extract server archive")
	}

	if err := os.MkdirAll(filepath.Dir(s.opts.MarkerPath), 0o755); err != nil {
		return apierr.Wrap(err, apierr.CodeInternal, "create marker directory")
	}
	tmp := s.opts.MarkerPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(vi.Version+"\n"), 0o644); err != nil {
		return apierr.Wrap(err, apierr.CodeInternal, "write version marker")
	}
	if err := os.Rename(tmp, s.opts.MarkerPath); err != nil {
		os.Remove(tmp)
		return apierr.Wrap(err, apierr.CodeInternal, "write version marker")
	}

	s.mtx.Lock()
	s.state = StateInstalled
	s.mtx.Unlock()
	_ = level.Info(s.logger).Log("msg", "game server installed", "version", vi.Version)
	return nil
}

// download streams url to a temp file, verifying the MD5 when given.
func (s *Supervisor) download(ctx context.Context, url, wantMD5 string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", apierr.Wrap(err, apierr.CodeInternal, "build download request")
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", apierr.Wrap(err, apierr.CodeExternalAPI, "download game server")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", apierr.New(apierr.CodeExternalAPI, "download returned HTTP %d", resp.StatusCode)
	}

	f, err := os.CreateTemp("", "vsmanager-server-*")
	if err != nil {
		return "", apierr.Wrap(err, apierr.CodeInternal, "create temp file")
	}
	hash := md5.New()
	_, err = io.Copy(f, io.TeeReader(resp.Body, hash))
	cerr := f.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", apierr.Wrap(err, apierr.CodeExternalAPI, "stream server archive")
	}

	if wantMD5 != "" {
		got := hex.EncodeToString(hash.Sum(nil))
		if !strings.EqualFold(got, wantMD5) {
			os.Remove(f.Name())
			return "", apierr.New(apierr.CodeExternalAPI, "archive checksum mismatch: got %s, want %s", got, wantMD5)
		}
	}
	return f.Name(), nil
}

// Uninstall removes the server installation and the version marker but
// preserves the serverdata directory.
func (s *Supervisor) Uninstall() error {
	s.installMtx.Lock()
	defer s.installMtx.Unlock()

	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.cmd != nil {
		return apierr.New(apierr.CodeServerRunning, "cannot uninstall while the server is running")
	}
	if s.state == StateNotInstalled {
		return apierr.New(apierr.CodeServerNotInstalled, "server is not installed")
	}

	if err := os.RemoveAll(s.opts.ServerDir); err != nil {
		return apierr.Wrap(err, apierr.CodeInternal, "remove server directory")
	}
	if err := os.Remove(s.opts.MarkerPath); err != nil && !os.IsNotExist(err) {
		return apierr.Wrap(err, apierr.CodeInternal, "remove version marker")
	}
	s.state = StateNotInstalled
	_ = level.Info(s.logger).Log("msg", "game server uninstalled")
	return nil
}

// extractArchive unpacks a .tar.gz or .zip archive into dst, rejecting
// members that would escape it.
func extractArchive(path, filename, dst string) error {
	switch {
	case strings.HasSuffix(filename, ".zip"):
		return extractZip(path, dst)
	case strings.HasSuffix(filename, ".tar.gz"), strings.HasSuffix(filename, ".tgz"):
		return extractTarGz(path, dst)
	}
	return errors.New("unsupported archive format: " + filename)
}

// securePath joins name under dst and rejects traversal.
func securePath(dst, name string) (string, error) {
	p := filepath.Join(dst, filepath.FromSlash(name))
	if !strings.HasPrefix(p, filepath.Clean(dst)+string(os.PathSeparator)) {
		return "", errors.New("archive member escapes destination: " + name)
	}
	return p, nil
}

func extractZip(path, dst string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, f := range zr.File {
		target, err := securePath(dst, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = writeFile(target, rc, f.Mode())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func extractTarGz(path, dst string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target, err := securePath(dst, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeFile(target, tr, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		default:
			// Symlinks and specials in a server archive are dropped.
		}
	}
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	_, err = io.Copy(out, r)
	cerr := out.Close()
	if err == nil {
		err = cerr
	}
	return err
}
