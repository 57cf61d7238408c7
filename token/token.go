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

// Package token implements capability tokens: signed certificates that
// bind an asset (a channel id, or the signature of the token they
// extend) to a receiving session, forming a verifiable delegation chain.
package token

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/relaymesh/relaymesh/crypto"
)

// Kind distinguishes a chain's root token (asset = channel id) from an
// extension token (asset = the signature of the token it extends).
type Kind string

const (
	// Root tokens are issued directly by a channel's owning session.
	Root Kind = "root"
	// Extension tokens delegate a previously held token onward.
	Extension Kind = "extension"
)

// body is the part of a Token that gets signed; Token embeds it plus the
// signature so the two travel and compare together.
type body struct {
	Issuer   string   `json:"issuer"`
	Brokers  []string `json:"brokers"`
	Receiver string   `json:"receiver"`
	Asset    []byte   `json:"asset"`
	Kind     Kind     `json:"kind"`
	MaxDepth *uint32  `json:"max_depth,omitempty"`
}

// Token is a signed capability certificate. Tokens are content-addressed
// by their Signature, which is what an extension token's Asset points at.
type Token struct {
	body
	Signature []byte `json:"signature"`
}

// Issue signs a new token with issuer, binding asset to receiver.
func Issue(issuer *crypto.PrivateKey, brokers []string, receiver string, asset []byte, kind Kind, maxDepth *uint32) (Token, error) {
	t := Token{body: body{
		Issuer:   issuer.Public().SessionID(),
		Brokers:  append([]string(nil), brokers...),
		Receiver: receiver,
		Asset:    append([]byte(nil), asset...),
		Kind:     kind,
		MaxDepth: maxDepth,
	}}
	signed, err := t.body.canonical()
	if err != nil {
		return Token{}, err
	}
	t.Signature = issuer.Sign(signed)
	return t, nil
}

// IssueRoot issues a root token whose asset is channelID.
func IssueRoot(issuer *crypto.PrivateKey, brokers []string, receiver string, channelID []byte, maxDepth *uint32) (Token, error) {
	return Issue(issuer, brokers, receiver, channelID, Root, maxDepth)
}

// IssueExtension issues an extension token whose asset is prev's
// signature, delegating prev's capability onward to receiver.
func IssueExtension(issuer *crypto.PrivateKey, brokers []string, receiver string, prev Token, maxDepth *uint32) (Token, error) {
	return Issue(issuer, brokers, receiver, prev.Signature, Extension, maxDepth)
}

func (b body) canonical() ([]byte, error) {
	buf, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("token: canonicalize: %w", err)
	}
	return buf, nil
}

// Verify checks the token's signature against its claimed issuer.
func (t Token) Verify(issuer crypto.PublicKey) error {
	if issuer.SessionID() != t.Issuer {
		return fmt.Errorf("token: issuer mismatch")
	}
	signed, err := t.body.canonical()
	if err != nil {
		return err
	}
	return issuer.Verify(signed, t.Signature)
}

// Encode serializes t for wire transport or storage.
func (t Token) Encode() ([]byte, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("token: encode: %w", err)
	}
	return b, nil
}

// Decode parses a token previously produced by Encode. It does not
// verify the signature; callers must call Verify (or rely on ValidateChain,
// which verifies every link) before trusting the result.
func Decode(b []byte) (Token, error) {
	var t Token
	if err := json.Unmarshal(b, &t); err != nil {
		return Token{}, fmt.Errorf("token: decode: %w", err)
	}
	return t, nil
}

// AssetEqual reports whether t's asset matches the given bytes, used to
// walk a chain from a channel id or a previous token's signature.
func (t Token) AssetEqual(asset []byte) bool {
	return bytes.Equal(t.Asset, asset)
}
