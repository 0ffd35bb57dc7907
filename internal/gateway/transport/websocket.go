// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn adapts a gorilla/websocket connection to FrameConn. It
// is safe for one concurrent reader and one concurrent writer (the
// library itself requires exactly that), matching the session layer's
// single-reader/single-writer-goroutine design.
type WebSocketConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// NewWebSocketConn wraps an already-established (accepted or dialed)
// websocket connection.
func NewWebSocketConn(conn *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{conn: conn}
}

// ReadFrame reads and decodes the next JSON frame. A read deadline
// derived from ctx, when set, bounds the call.
func (c *WebSocketConn) ReadFrame(ctx context.Context) (Frame, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return Frame{}, fmt.Errorf("transport: read frame: %w", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("transport: decode frame: %w", err)
	}
	return f, nil
}

// WriteFrame encodes and sends f. Writes are serialized with a mutex
// since gorilla/websocket forbids concurrent writers on one connection;
// callers should still route all writes through a single writer
// goroutine per the session design, this is a second line of defense.
func (c *WebSocketConn) WriteFrame(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("transport: encode frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying connection, sending a close frame first
// on a best-effort basis.
func (c *WebSocketConn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// Upgrader is a thin re-export of websocket.Upgrader with the
// allow-all-origins CheckOrigin the teacher's rpc server uses for its
// localhost-only deployment; callers embedding this in a
// publicly-reachable gateway should replace CheckOrigin.
func NewUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
}
