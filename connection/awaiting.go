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
	"sync"

	"github.com/relaymesh/relaymesh/wire"
)

// inflight is one entry of awaiting_ack: the header list the frame was
// sent with (stored only; handleAck releases an entry by message id alone
// and does not check the ack's sender against it), the bundle id
// grouping every chunk of one channel send,
// a signal released once the entry is acked, and a second signal closed
// when the whole bundle is purged after a sibling chunk exhausts its
// retries or the channel-level send is cancelled.
type inflight struct {
	header   []wire.Header
	bundleID [4]byte
	done     chan struct{}
	cancel   chan struct{}
}

// awaitingAckMap is the insertion-ordered map §3 describes: keyed by
// message id (the original frame's signature, as a string), with
// insertion order preserved so the head entry is always the oldest
// unacked send (§4.4's head-of-line pacing, §8 property 9).
type awaitingAckMap struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*inflight
}

func newAwaitingAckMap() *awaitingAckMap {
	return &awaitingAckMap{entries: make(map[string]*inflight)}
}

func (m *awaitingAckMap) put(key string, e *inflight) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[key]; !exists {
		m.order = append(m.order, key)
	}
	m.entries[key] = e
}

func (m *awaitingAckMap) get(key string) (*inflight, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return e, ok
}

// take removes and returns the entry for key, atomically, so an ack and
// a concurrent bundle purge cannot both claim it.
func (m *awaitingAckMap) take(key string) (*inflight, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if ok {
		m.deleteLocked(key)
	}
	return e, ok
}

func (m *awaitingAckMap) delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(key)
}

func (m *awaitingAckMap) deleteLocked(key string) {
	if _, ok := m.entries[key]; !ok {
		return
	}
	delete(m.entries, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// head returns the oldest unacked entry, for resend-pacing diagnostics
// and §8 property 9 tests.
func (m *awaitingAckMap) head() (string, *inflight, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.order) == 0 {
		return "", nil, false
	}
	k := m.order[0]
	return k, m.entries[k], true
}

func (m *awaitingAckMap) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// clearBundle removes every entry sharing bundleID and closes its cancel
// signal, implementing §4.4's clear(bundle_id): once a chunk of a bundle
// exhausts its retries, every sibling still awaiting an ack is abandoned
// too. Removal and cancellation happen under one lock so a sender that
// finds its entry gone can tell an ack apart from a purge by checking
// the cancel signal.
func (m *awaitingAckMap) clearBundle(bundleID [4]byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cleared := 0
	var kept []string
	for _, k := range m.order {
		e := m.entries[k]
		if e.bundleID == bundleID {
			close(e.cancel)
			delete(m.entries, k)
			cleared++
		} else {
			kept = append(kept, k)
		}
	}
	m.order = kept
	return cleared
}
