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

package session

import "sync"

// replayCache implements the two-bucket, minute-aligned replay window of
// §4.3: `lead = floor(now/60) mod 2` selects which bucket a signature is
// recorded in, and crossing into a new lead clears the bucket that is
// about to be reused. Unlike the original Python, which overwrites index 2
// of a (set, set, int) tuple, lastLead is an explicit field so a rotation
// is detected exactly once rather than inferred from the overwrite itself
// (the Open Question spec.md §9 flags).
type replayCache struct {
	mu       sync.Mutex
	buckets  [2]map[string]struct{}
	lastLead int64
	init     bool
}

func newReplayCache() *replayCache {
	return &replayCache{
		buckets: [2]map[string]struct{}{
			make(map[string]struct{}),
			make(map[string]struct{}),
		},
	}
}

// checkNoRepeat accepts a (signature, timestamp) pair iff the timestamp
// (adjusted by the connection's clock offset by the caller, landing here
// as `timestamp`) falls within the trailing 60s window of now, and the
// signature has not been recorded in either bucket within that window. On
// acceptance the signature is recorded in the bucket for now's lead.
func (c *replayCache) checkNoRepeat(signature []byte, timestamp, now int64) bool {
	if timestamp < now-60 || timestamp > now {
		return false
	}

	lead := (now / 60) % 2

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.init {
		c.lastLead = lead
		c.init = true
	} else if lead != c.lastLead {
		// buckets[lead] last held entries from two minutes ago, well
		// outside the 60s window; buckets[1-lead] still holds the
		// previous minute's entries and is left alone.
		c.buckets[lead] = make(map[string]struct{})
		c.lastLead = lead
	}

	key := string(signature)
	if _, seen := c.buckets[0][key]; seen {
		return false
	}
	if _, seen := c.buckets[1][key]; seen {
		return false
	}

	c.buckets[lead] = ensure(c.buckets[lead])
	c.buckets[lead][key] = struct{}{}
	return true
}

func ensure(m map[string]struct{}) map[string]struct{} {
	if m == nil {
		return make(map[string]struct{})
	}
	return m
}
