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

package channel

import (
	"fmt"

	"github.com/relaymesh/relaymesh/crypto"
	"github.com/relaymesh/relaymesh/route"
	"github.com/relaymesh/relaymesh/session"
	"github.com/relaymesh/relaymesh/token"
	"github.com/relaymesh/relaymesh/wire"
)

// ExtendRoute implements §4.8 extend_route: given a route the local
// session currently holds (its own channel's self-route, or one it was
// handed with a delegation chain), issue the next capability in the
// chain granting receiver onward access, and return the extended route
// plus the 'token' header that announces the new certificate to a
// broker.
//
// If r addresses the local session's own channel (no tokens; "locally
// owned"), a root token is issued over the channel id. Otherwise the
// chain's latest token whose receiver is the local session is found,
// the chain truncated after it, and an extension token appended.
func ExtendRoute(owner *session.Session, r route.Route, receiver string, maxDepth *uint32) (route.Route, wire.Header, error) {
	if r.Session == owner.ID() {
		channelPub, err := crypto.ParseSessionID(r.Channel)
		if err != nil {
			return route.Route{}, wire.Header{}, fmt.Errorf("channel: route channel id: %w", err)
		}
		tok, err := owner.IssueRootToken(channelPub.Bytes(), receiver, maxDepth)
		if err != nil {
			return route.Route{}, wire.Header{}, fmt.Errorf("channel: issue root token: %w", err)
		}
		encoded, err := tok.Encode()
		if err != nil {
			return route.Route{}, wire.Header{}, fmt.Errorf("channel: encode token: %w", err)
		}
		header, err := wire.NewTokenIssue(encoded, nil)
		if err != nil {
			return route.Route{}, wire.Header{}, err
		}
		return r.WithTokens([][]byte{encoded}), header, nil
	}

	idx := -1
	for i, enc := range r.Tokens {
		tok, err := token.Decode(enc)
		if err != nil {
			return route.Route{}, wire.Header{}, fmt.Errorf("channel: decode chain token %d: %w", i, err)
		}
		if tok.Receiver == owner.ID() {
			idx = i
		}
	}
	if idx < 0 {
		return route.Route{}, wire.Header{}, fmt.Errorf("channel: no token in chain receivable by %s", owner.ID())
	}

	prevTok, err := token.Decode(r.Tokens[idx])
	if err != nil {
		return route.Route{}, wire.Header{}, fmt.Errorf("channel: decode prev token: %w", err)
	}
	ext, err := owner.IssueExtensionToken(prevTok, receiver, maxDepth)
	if err != nil {
		return route.Route{}, wire.Header{}, fmt.Errorf("channel: issue extension token: %w", err)
	}
	encodedExt, err := ext.Encode()
	if err != nil {
		return route.Route{}, wire.Header{}, fmt.Errorf("channel: encode extension token: %w", err)
	}
	header, err := wire.NewTokenIssue(encodedExt, r.Tokens[idx])
	if err != nil {
		return route.Route{}, wire.Header{}, err
	}

	newTokens := append(append([][]byte(nil), r.Tokens[:idx+1]...), encodedExt)
	return r.WithTokens(newTokens), header, nil
}
