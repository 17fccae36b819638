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

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/vsmanager/vsmanager/pkg/auth"
)

// Close codes for WebSocket rejections.
const (
	closeUnauthorized = 4001
	closeForbidden    = 4003
	closePathError    = 4005
)

// maxCommandLen bounds a console command in characters.
const maxCommandLen = 1000

// defaultHistoryLines is replayed on connect when the client does not
// ask for a specific amount.
const defaultHistoryLines = 100

// subscriberBuffer is the per-connection line queue. A consumer that
// falls this far behind is dropped.
const subscriberBuffer = 256

var errSlowConsumer = errors.New("websocket consumer too slow")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Auth happens via api_key/token query params, not the origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn serializes writes to one WebSocket connection.
type wsConn struct {
	mtx  sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) writeText(line string) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (w *wsConn) writeJSON(v any) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(v)
}

func (w *wsConn) closeWith(code int, reason string) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = w.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = w.conn.WriteMessage(websocket.CloseMessage, msg)
	_ = w.conn.Close()
}

// wsAuthenticate resolves ?api_key= or ?token= to a role. The bool
// reports success; on failure the connection is already closed with the
// right code.
func (s *Server) wsAuthenticate(c echo.Context, ws *wsConn) (auth.Role, bool) {
	if key := c.QueryParam("api_key"); key != "" {
		role, err := s.opts.Keys.Verify(key)
		if err != nil {
			ws.closeWith(closeUnauthorized, "invalid API key")
			return "", false
		}
		return role, true
	}
	if token := c.QueryParam("token"); token != "" {
		if role, valid := s.opts.Tokens.Validate(token); valid {
			return role, true
		}
	}
	ws.closeWith(closeUnauthorized, "authentication required")
	return "", false
}

// wsMessage is the inbound client protocol.
type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// handleConsoleWS streams the console: history first, then live lines in
// order. Inbound command messages go to the child's stdin.
func (s *Server) handleConsoleWS(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}
	ws := &wsConn{conn: conn}

	role, authed := s.wsAuthenticate(c, ws)
	if !authed {
		return nil
	}
	if auth.RequireConsole(role) != nil {
		ws.closeWith(closeForbidden, "console access requires admin role")
		return nil
	}

	historyLines := defaultHistoryLines
	if q := c.QueryParam("history_lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n >= 0 {
			historyLines = n
		}
	}
	if historyLines == 0 {
		// Zero means no replay here; the ring reads 0 as "everything".
		historyLines = -1
	}

	// Live lines queue up in a buffered channel while history drains, so
	// every subscriber sees history strictly before any live line.
	lineCh := make(chan string, subscriberBuffer)
	history, subID := s.opts.Ring.SnapshotAndSubscribe(historyLines, func(line string) error {
		select {
		case lineCh <- line:
			return nil
		default:
			return errSlowConsumer
		}
	})
	defer s.opts.Ring.Unsubscribe(subID)

	done := make(chan struct{})
	go s.consoleReadLoop(ws, done)

	for _, line := range history {
		if err := ws.writeText(line); err != nil {
			return nil
		}
	}
	for {
		select {
		case line := <-lineCh:
			if err := ws.writeText(line); err != nil {
				return nil
			}
		case <-done:
			return nil
		}
	}
}

// consoleReadLoop consumes inbound frames until the peer goes away.
func (s *Server) consoleReadLoop(ws *wsConn, done chan<- struct{}) {
	defer close(done)
	for {
		_, data, err := ws.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = ws.writeJSON(wsMessage{Type: "error", Content: "invalid message"})
			continue
		}
		switch msg.Type {
		case "command":
			if l := utf8.RuneCountInString(msg.Content); l < 1 || l > maxCommandLen {
				_ = ws.writeJSON(wsMessage{Type: "error", Content: "command must be 1..1000 characters"})
				continue
			}
			if !s.opts.Server.SendCommand(msg.Content) {
				_ = ws.writeJSON(wsMessage{Type: "error", Content: "server is not running"})
			}
		default:
			// Unknown message types are ignored.
		}
	}
}

// handleLogTailWS streams appended content of one log file.
func (s *Server) handleLogTailWS(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}
	ws := &wsConn{conn: conn}

	role, authed := s.wsAuthenticate(c, ws)
	if !authed {
		return nil
	}
	if auth.RequireConsole(role) != nil {
		ws.closeWith(closeForbidden, "console access requires admin role")
		return nil
	}

	path, err := s.safeLogPath(c.QueryParam("file"))
	if err != nil {
		ws.closeWith(closePathError, "invalid log file")
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		ws.closeWith(closePathError, "log file not available")
		return nil
	}
	defer f.Close()
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		ws.closeWith(closePathError, "log file not seekable")
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-done:
			return nil
		case <-ticker.C:
			for {
				n, err := f.Read(buf)
				if n > 0 {
					if werr := ws.writeText(string(buf[:n])); werr != nil {
						return nil
					}
				}
				if err != nil {
					if err != io.EOF {
						_ = level.Warn(s.logger).Log("msg", "log tail read failed", "err", err)
						ws.closeWith(closePathError, "log read error")
						return nil
					}
					break
				}
			}
		}
	}
}
