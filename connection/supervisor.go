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

package connection

import (
	"context"
	"fmt"
	"time"

	"github.com/relaymesh/relaymesh/internal/obs"
	"github.com/relaymesh/relaymesh/transport"
)

// Run drives the connection's full lifecycle (§4.5): handshake, serve
// incoming frames until disconnected, then reconnect with a fixed backoff
// up to cfg.MaxReconnects consecutive failures. It registers the
// connection with the owning session for as long as it runs, so a Channel
// can reach it through Session.Connections. Run blocks until ctx is
// cancelled, Close is called, or the reconnect budget is exhausted.
func (c *Connection) Run(ctx context.Context) error {
	c.sess.AddConnection(c)
	defer c.sess.RemoveConnection(c)
	// once this incarnation's supervisor exits, senders blocked on
	// WaitConnected must not wait for a handshake that will never come
	defer c.Close()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return nil
		default:
		}

		if err := c.connect(ctx); err != nil {
			failures++
			c.log.Warn("handshake failed", obs.F("error", err.Error()), obs.F("attempt", failures))
			if failures >= c.cfg.MaxReconnects {
				return fmt.Errorf("connection: exceeded %d reconnect attempts: %w", c.cfg.MaxReconnects, err)
			}
			select {
			case <-time.After(c.cfg.ReconnectBackoff):
			case <-ctx.Done():
				return ctx.Err()
			case <-c.closed:
				return nil
			}
			continue
		}
		failures = 0
		c.markConnected()

		err := c.recvLoop(ctx)
		c.markDisconnected()
		if err != nil {
			c.log.Info("connection lost, reconnecting", obs.F("error", err.Error()))
		}

		select {
		case <-time.After(c.cfg.ReconnectBackoff):
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return nil
		}
		c.metrics.Reconnects.Inc()
	}
}

// markConnected signals every WaitConnected caller that the handshake has
// completed and a stream is live.
func (c *Connection) markConnected() {
	c.lock()
	select {
	case <-c.connectedCh:
	default:
		close(c.connectedCh)
	}
	c.unlock()
}

// markDisconnected drops the dead stream and arms a fresh connectedCh for
// the next successful handshake.
func (c *Connection) markDisconnected() {
	c.lock()
	c.stream = nil
	c.connectedCh = make(chan struct{})
	c.unlock()
}

// WaitConnected blocks until the connection completes a handshake, ctx
// is done, or the connection is permanently closed, for callers that
// need a live connection before sending.
func (c *Connection) WaitConnected(ctx context.Context) error {
	c.lock()
	ch := c.connectedCh
	c.unlock()
	select {
	case <-ch:
		return nil
	case <-c.closed:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
