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

package crypto

import (
	"crypto/ecdh"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/hkdf"
)

// ToX25519 converts this Ed25519 identity key to the Montgomery-form
// X25519 private key used for channel key agreement, following RFC 8032
// §5.1.5: hash the seed, clamp the low half.
func (k *PrivateKey) ToX25519() (*ecdh.PrivateKey, error) {
	h := sha512.Sum512(k.priv.Seed())
	scalar := h[:32]
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64
	return ecdh.X25519().NewPrivateKey(scalar)
}

// ToX25519 converts this Ed25519 public key to its Montgomery (X25519)
// form by decompressing the Edwards point and reading out its u-coordinate.
func (p PublicKey) ToX25519() (*ecdh.PublicKey, error) {
	ep := new(edwards25519.Point)
	if _, err := ep.SetBytes(p.pub); err != nil {
		return nil, fmt.Errorf("crypto: decode edwards point: %w", err)
	}
	return ecdh.X25519().NewPublicKey(ep.BytesMontgomery())
}

// SharedKey derives a 32-byte AEAD key shared between this identity's
// private key and a peer's public key, via X25519 ECDH followed by an
// HKDF-SHA256 expansion labeled with both participants' ids so the two
// directions of a route agree on the same key regardless of who calls
// SharedKey first.
func (k *PrivateKey) SharedKey(peer PublicKey) ([]byte, error) {
	priv, err := k.ToX25519()
	if err != nil {
		return nil, err
	}
	pub, err := peer.ToX25519()
	if err != nil {
		return nil, err
	}
	secret, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("crypto: ecdh: %w", err)
	}
	return expandSharedSecret(secret, k.Public(), peer)
}

func expandSharedSecret(secret []byte, a, b PublicKey) ([]byte, error) {
	salt := sortedConcat(a.Bytes(), b.Bytes())
	r := hkdf.New(sha256.New, secret, salt, []byte("relaymesh channel key"))
	key := make([]byte, 32)
	if _, err := r.Read(key); err != nil {
		return nil, fmt.Errorf("crypto: hkdf expand: %w", err)
	}
	return key, nil
}

// sortedConcat orders the two public keys lexicographically before
// concatenating them, so both peers derive an identical HKDF salt.
func sortedConcat(a, b []byte) []byte {
	if bytesLess(b, a) {
		a, b = b, a
	}
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out
}

func bytesLess(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
