// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package wstransport is the default transport.Stream: a WebSocket client
// that carries §4.2 binary frames as opaque BinaryMessage payloads. It is
// generalized from the teacher's pkg/agent/transport/websocket client,
// which dials, tracks a connected flag, and enforces read/write deadlines
// around a single gorilla/websocket connection — but carries raw frame
// bytes rather than JSON-encoded request/response envelopes, since the
// connection package already frames and signs everything it sends.
package wstransport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaymesh/relaymesh/transport"
)

// Dialer opens a WebSocket client Stream to url.
type Dialer struct {
	URL          string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewDialer builds a Dialer with the teacher's default timeouts.
func NewDialer(url string) *Dialer {
	return &Dialer{
		URL:          url,
		DialTimeout:  30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context) (transport.Stream, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: d.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("wstransport: dial %s failed (HTTP %d): %w", d.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("wstransport: dial %s: %w", d.URL, err)
	}
	return &Stream{
		conn:         conn,
		readTimeout:  d.ReadTimeout,
		writeTimeout: d.WriteTimeout,
	}, nil
}

// Stream wraps one gorilla/websocket connection as a transport.Stream
// carrying opaque binary frames.
type Stream struct {
	conn         *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration

	writeMu sync.Mutex
	readMu  sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// Send writes one binary WebSocket message.
func (s *Stream) Send(ctx context.Context, msg []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(s.writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("wstransport: set write deadline: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		return fmt.Errorf("wstransport: write: %w", err)
	}
	return nil
}

// Recv reads the next binary WebSocket message.
func (s *Stream) Recv(ctx context.Context) ([]byte, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	deadline := time.Now().Add(s.readTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("wstransport: set read deadline: %w", err)
	}

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("wstransport: read: %w", err)
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

// Close closes the underlying WebSocket connection.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
