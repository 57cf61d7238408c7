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

// Package route implements Route, the addressing tuple a caller hands to
// a Channel to reach a remote endpoint: which brokers can forward to it,
// which session owns it, which channel within that session, and the
// capability tokens that authorize reaching it.
package route

import (
	"encoding/json"
	"fmt"
)

// Route addresses a remote channel through zero or more brokers and
// carries the capability tokens a sender presents to use it.
type Route struct {
	Brokers []string `json:"brokers"`
	Session string   `json:"session"`
	Channel string   `json:"channel"`
	Tokens  [][]byte `json:"tokens,omitempty"`
}

// New builds a Route with no tokens attached.
func New(brokers []string, session, channel string) Route {
	return Route{
		Brokers: append([]string(nil), brokers...),
		Session: session,
		Channel: channel,
	}
}

// WithTokens returns a copy of r carrying the given capability tokens,
// as produced when a route is extended to a new holder (§4.8).
func (r Route) WithTokens(tokens [][]byte) Route {
	out := r
	out.Tokens = append([][]byte(nil), tokens...)
	return out
}

// IsPublic reports whether r carries no delegated capability tokens,
// meaning the target channel must itself be marked public to accept it.
func (r Route) IsPublic() bool {
	return len(r.Tokens) == 0
}

// Encode serializes r for inclusion in a frame header.
func (r Route) Encode() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("route: encode: %w", err)
	}
	return b, nil
}

// Decode parses a route previously produced by Encode.
func Decode(b []byte) (Route, error) {
	var r Route
	if err := json.Unmarshal(b, &r); err != nil {
		return Route{}, fmt.Errorf("route: decode: %w", err)
	}
	return r, nil
}

func (r Route) String() string {
	return fmt.Sprintf("route{session=%s channel=%s brokers=%v tokens=%d}", r.Session, r.Channel, r.Brokers, len(r.Tokens))
}
