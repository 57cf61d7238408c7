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

// Package transport abstracts the reliable, bidirectional, framed byte
// stream a Connection speaks to a broker over (§6 "Transport"). Connection
// depends only on Stream; wstransport and looptransport are two concrete
// implementations, and nothing about the handshake or send/ack state
// machine changes if a caller swaps one for the other.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by looptransport's Send/Recv once the stream has
// been closed, and by Connection once it has been closed. wstransport
// reports the underlying websocket error instead.
var ErrClosed = errors.New("transport: stream closed")

// Stream is one opaque, bidirectional, message-framed connection to a
// broker. Implementations must preserve message boundaries: a Send call
// delivers exactly one Recv call's worth of bytes on the other end, in
// order. Stream does not interpret the bytes it carries; everything from
// the 36-byte handshake challenge onward is framed by the connection
// package.
type Stream interface {
	// Send transmits one opaque message. It may block until the
	// underlying transport accepts it.
	Send(ctx context.Context, msg []byte) error

	// Recv blocks until the next message arrives, ctx is cancelled, or
	// the stream is closed.
	Recv(ctx context.Context) ([]byte, error)

	// Close tears down the stream. Any blocked Send/Recv then returns
	// an error: ErrClosed from looptransport, the wrapped websocket
	// error from wstransport.
	Close() error
}

// Dialer opens a new Stream to a broker address. Connection calls Dial
// once per handshake incarnation (§3 invariant: "exactly one handshake
// completes per connection incarnation").
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}

// DialerFunc adapts a plain function to a Dialer.
type DialerFunc func(ctx context.Context) (Stream, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (Stream, error) {
	return f(ctx)
}
