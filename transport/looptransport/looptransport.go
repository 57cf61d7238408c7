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

// Package looptransport is an in-memory transport.Stream pair, used by
// connection/channel tests and by internal/testrelay instead of a real
// socket. It plays the role the teacher's transport.MockTransport plays
// for handshake tests, generalized from a single captured-request mock
// into a genuine two-ended duplex pipe since the connection package needs
// both a client and a server side to actually exchange frames.
package looptransport

import (
	"context"
	"sync"

	"github.com/relaymesh/relaymesh/transport"
)

// Pipe returns two Streams, each side's Send delivering to the other
// side's Recv, in order.
func Pipe() (a, b *Stream) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	closed := make(chan struct{})
	var once sync.Once

	a = &Stream{out: ab, in: ba, closed: closed, closeFn: func() { once.Do(func() { close(closed) }) }}
	b = &Stream{out: ba, in: ab, closed: closed, closeFn: func() { once.Do(func() { close(closed) }) }}
	return a, b
}

// Stream is one end of an in-memory duplex pipe.
type Stream struct {
	out     chan<- []byte
	in      <-chan []byte
	closed  chan struct{}
	closeFn func()
}

// Send implements transport.Stream.
func (s *Stream) Send(ctx context.Context, msg []byte) error {
	cp := append([]byte(nil), msg...)
	select {
	case s.out <- cp:
		return nil
	case <-s.closed:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv implements transport.Stream.
func (s *Stream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-s.in:
		if !ok {
			return nil, transport.ErrClosed
		}
		return msg, nil
	case <-s.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes this pipe. Both ends observe ErrClosed afterward.
func (s *Stream) Close() error {
	s.closeFn()
	return nil
}

// Dialer adapts a stream factory to transport.Dialer, for tests that
// want to control the exact pipe a Connection dials into (e.g. to hand
// out a fresh pair on each reconnect attempt).
type Dialer struct {
	mu   sync.Mutex
	next func() (transport.Stream, error)
}

// NewDialer wraps a factory function as a transport.Dialer.
func NewDialer(next func() (transport.Stream, error)) *Dialer {
	return &Dialer{next: next}
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context) (transport.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return d.next()
}
