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

// Package crypto implements the single dual-purpose identity key used
// throughout the transport: one Ed25519 key signs wire frames and, via
// Montgomery conversion, also drives X25519 key agreement between a pair
// of channel endpoints.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrInvalidSessionID is returned when a string does not decode to a
// 32-byte Ed25519 public key.
var ErrInvalidSessionID = errors.New("crypto: invalid session id")

// ErrInvalidSignature is returned when Verify rejects a signature.
var ErrInvalidSignature = errors.New("crypto: invalid signature")

// PrivateKey is an identity key pair. It signs frames with Ed25519 and,
// through ToX25519, derives the Montgomery-form scalar used for DH.
type PrivateKey struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// GenerateKey creates a new random identity key pair.
func GenerateKey() (*PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return &PrivateKey{pub: pub, priv: priv}, nil
}

// NewPrivateKeyFromSeed rebuilds a key pair from a 32-byte Ed25519 seed.
func NewPrivateKeyFromSeed(seed []byte) (*PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("crypto: seed must be %d bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &PrivateKey{pub: priv.Public().(ed25519.PublicKey), priv: priv}, nil
}

// Public returns the corresponding PublicKey.
func (k *PrivateKey) Public() PublicKey {
	return PublicKey{pub: k.pub}
}

// Sign signs msg with the Ed25519 private key.
func (k *PrivateKey) Sign(msg []byte) []byte {
	return ed25519.Sign(k.priv, msg)
}

// Seed returns the 32-byte Ed25519 seed backing this key.
func (k *PrivateKey) Seed() []byte {
	return append([]byte(nil), k.priv.Seed()...)
}

// PublicKey is the public half of an identity key. It is a raw 32-byte
// Ed25519 point and doubles as the SessionID used to address a Session.
type PublicKey struct {
	pub ed25519.PublicKey
}

// NewPublicKey wraps a raw 32-byte Ed25519 public key.
func NewPublicKey(raw []byte) (PublicKey, error) {
	if len(raw) != ed25519.PublicKeySize {
		return PublicKey{}, fmt.Errorf("crypto: public key must be %d bytes", ed25519.PublicKeySize)
	}
	return PublicKey{pub: append([]byte(nil), raw...)}, nil
}

// Bytes returns the raw 32-byte Ed25519 public key.
func (p PublicKey) Bytes() []byte {
	return append([]byte(nil), p.pub...)
}

// Verify checks sig over msg against this public key.
func (p PublicKey) Verify(msg, sig []byte) error {
	if !ed25519.Verify(p.pub, msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// ID returns a short hex fingerprint suitable for logs, grounded on the
// teacher's sha256(pub)[:8] key-id convention. It is lossy and cannot be
// resolved back to the key; use SessionID for an address that round-trips.
func (p PublicKey) ID() string {
	sum := sha256.Sum256(p.pub)
	return hex.EncodeToString(sum[:8])
}

// SessionID is the hex encoding of the raw public key. Routes and tokens
// address sessions by this string; since the original Python addresses
// sessions by their raw serialized public key rather than a separate DID,
// SessionID both names a session and lets a receiver recover the key
// needed to verify anything claiming to be that session.
func (p PublicKey) SessionID() string {
	return hex.EncodeToString(p.pub)
}

// ParseSessionID recovers the PublicKey a SessionID addresses.
func ParseSessionID(id string) (PublicKey, error) {
	raw, err := hex.DecodeString(id)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidSessionID, err)
	}
	pub, err := NewPublicKey(raw)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidSessionID, err)
	}
	return pub, nil
}

// Equal reports whether two public keys hold the same bytes.
func (p PublicKey) Equal(other PublicKey) bool {
	if len(p.pub) != len(other.pub) {
		return false
	}
	for i := range p.pub {
		if p.pub[i] != other.pub[i] {
			return false
		}
	}
	return true
}

func (p PublicKey) String() string {
	return p.ID()
}
