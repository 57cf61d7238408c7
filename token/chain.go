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

package token

import (
	"github.com/relaymesh/relaymesh/crypto"
)

// Ledger reports whether a signature is still present in the issuing
// session's issued-token registry, i.e. has not been revoked. Session
// implements this; it is expressed as an interface here so token does
// not import session (which itself imports token).
type Ledger interface {
	Contains(signature []byte) bool
}

// KeyResolver maps a session id to the public key needed to verify a
// token claiming that issuer, for chain validation.
type KeyResolver interface {
	ResolvePublicKey(sessionID string) (crypto.PublicKey, bool)
}

// DecodingResolver resolves a SessionID directly back to its public key,
// since session ids here are hex-encoded raw Ed25519 public keys rather
// than entries in a directory. This is the resolver production code
// uses; tests may substitute a fixed lookup table instead.
type DecodingResolver struct{}

// ResolvePublicKey implements KeyResolver.
func (DecodingResolver) ResolvePublicKey(sessionID string) (crypto.PublicKey, bool) {
	pub, err := crypto.ParseSessionID(sessionID)
	if err != nil {
		return crypto.PublicKey{}, false
	}
	return pub, true
}

// ValidateChain walks tokens from the channel outward, following §4.8:
// each link's asset must equal the previous link's signature (or, for
// the first link, the channel id), its issuer must match the previous
// receiver, an issuer equal to owner must still have the token in the
// ledger, and the accumulated max-depth bound (the minimum declared by
// any ancestor, adjusted for depth) must not be exceeded. It returns true
// iff the chain terminates at sourceID.
func ValidateChain(owner crypto.PublicKey, channelID []byte, sourceID string, encoded [][]byte, resolver KeyResolver, ledger Ledger) bool {
	if len(encoded) == 0 {
		return false
	}

	asset := channelID
	lastReceiver := owner.SessionID()
	var maxDepth *uint32

	for depth, raw := range encoded {
		tok, err := Decode(raw)
		if err != nil {
			return false
		}
		issuerKey, ok := resolver.ResolvePublicKey(tok.Issuer)
		if !ok {
			return false
		}
		if err := tok.Verify(issuerKey); err != nil {
			return false
		}

		if !tok.AssetEqual(asset) || tok.Issuer != lastReceiver {
			return false
		}
		if tok.Issuer == owner.SessionID() {
			if !ledger.Contains(tok.Signature) {
				return false
			}
		}
		if tok.MaxDepth != nil {
			bound := *tok.MaxDepth + uint32(depth)
			if maxDepth == nil || bound < *maxDepth {
				maxDepth = &bound
			}
		}
		if maxDepth != nil && uint32(depth) > *maxDepth {
			return false
		}

		lastReceiver = tok.Receiver
		asset = tok.Signature
		if lastReceiver == sourceID {
			return true
		}
	}
	return false
}
