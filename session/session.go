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

// Package session implements Session, the per-process identity that owns
// a signing key, the registry of local channels and live connections, the
// issued-token ledger, and the replay cache. Mutations happen only from
// the owning session's own goroutines (§5 "Shared state"); Session itself
// just serializes access with a mutex rather than assuming a single
// scheduler thread.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaymesh/relaymesh/crypto"
	"github.com/relaymesh/relaymesh/internal/obs"
	"github.com/relaymesh/relaymesh/route"
	"github.com/relaymesh/relaymesh/token"
	"github.com/relaymesh/relaymesh/tokenstore"
	"github.com/relaymesh/relaymesh/wire"
)

// Listener is the subset of a Channel's identity Session needs: to
// rebuild broker routing after a reconnect (§4.1's "replay session
// state") and to hand a Connection's incoming payload to the right
// channel for token validation, decryption, and reassembly (§4.3, §4.7).
// Defined here rather than imported from package channel so channel can
// depend on session without an import cycle.
type Listener interface {
	ChannelID() string
	Route() route.Route
	IsPublic() bool

	// Deliver authorizes and hands an incoming payload to the channel.
	// source addresses the sender (its session id and channel id, the
	// latter needed to derive the decryption key); destination is the
	// RouteDict the sender addressed this channel by, whose Tokens
	// carry the delegation chain §4.8 validates.
	Deliver(ctx context.Context, source, destination route.Route, payload []byte) error
}

// ConnectionHandle is the subset of a Connection's identity Session needs:
// to track which brokers it has live connections to, and to let a
// Channel dispatch an outbound send across every live connection (§4.6
// step 6) without either package importing the other.
type ConnectionHandle interface {
	BrokerID() string

	// Send transmits one outbound channel chunk: the header list,
	// encrypted payload, the 4-byte bundle id grouping every chunk of
	// one logical send (for Session.Clear), and an optional explicit
	// ack-message-id (non-nil only when this call itself sends an ack).
	Send(ctx context.Context, headers []wire.Header, payload []byte, bundleID [4]byte, ackMessageID []byte) error

	// ClearBundle purges every awaiting-ack entry tied to bundleID,
	// failing any sender still waiting on one of them.
	ClearBundle(bundleID [4]byte)
}

type issuedEntry struct {
	Token token.Token
	Prev  *token.Token
}

// Session is the per-process identity: one signing key, its channel and
// connection registries, the ledger of tokens it has issued, and the
// replay cache every Connection consults on receive.
type Session struct {
	mu    sync.RWMutex
	key   *crypto.PrivateKey
	chans map[string]Listener
	conns map[ConnectionHandle]struct{}

	issued map[string]issuedEntry // signature (as string) -> entry
	store  tokenstore.Store       // optional durable mirror of issued

	replay *replayCache
	log    *obs.Logger
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithStore mirrors every issued/revoked token into store, supplementing
// the in-memory ledger with durability across restarts. Without a store,
// a restarted process starts with an empty ledger and any tokens it
// issued before restarting are rejected by ValidateChain's ledger check.
func WithStore(store tokenstore.Store) Option {
	return func(s *Session) { s.store = store }
}

// WithLogger replaces the default logger.
func WithLogger(l *obs.Logger) Option {
	return func(s *Session) { s.log = l }
}

// New creates a Session identified by key.
func New(key *crypto.PrivateKey, opts ...Option) *Session {
	s := &Session{
		key:    key,
		chans:  make(map[string]Listener),
		conns:  make(map[ConnectionHandle]struct{}),
		issued: make(map[string]issuedEntry),
		replay: newReplayCache(),
		log:    obs.Default().With(obs.F("component", "session")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore reloads the issued-token ledger from the session's durable
// store, if one was configured with WithStore. Call this once at startup
// before accepting connections, so tokens issued in a prior process
// lifetime are still honored by ValidateChain.
func (s *Session) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	entries, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("session: restore: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		t, err := token.Decode(e.Encoded)
		if err != nil {
			continue
		}
		ie := issuedEntry{Token: t}
		if len(e.PrevEncoded) > 0 {
			prev, err := token.Decode(e.PrevEncoded)
			if err == nil {
				ie.Prev = &prev
			}
		}
		s.issued[string(e.Signature)] = ie
	}
	return nil
}

// Key returns the session's identity key.
func (s *Session) Key() *crypto.PrivateKey {
	return s.key
}

// ID is this session's address, the hex-encoded raw public key.
func (s *Session) ID() string {
	return s.key.Public().SessionID()
}

// RegisterChannel adds a channel to the local registry so it can be
// addressed and replayed to brokers on reconnect.
func (s *Session) RegisterChannel(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chans[l.ChannelID()] = l
}

// UnregisterChannel removes a channel, e.g. on Channel.Close.
func (s *Session) UnregisterChannel(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chans, channelID)
}

// Channels returns a snapshot of the currently registered channels.
func (s *Session) Channels() []Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Listener, 0, len(s.chans))
	for _, l := range s.chans {
		out = append(out, l)
	}
	return out
}

// Channel looks up a registered channel by id, as a Connection does when
// routing an incoming 'send' header's destination to the right Channel.
func (s *Session) Channel(channelID string) (Listener, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.chans[channelID]
	return l, ok
}

// AddConnection registers a live connection.
func (s *Session) AddConnection(c ConnectionHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
}

// RemoveConnection drops a connection, e.g. once it is permanently closed.
func (s *Session) RemoveConnection(c ConnectionHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// BrokerIDs lists the brokers reachable through this session's current
// live connections, used as a new token's Brokers field.
func (s *Session) BrokerIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c.BrokerID())
	}
	return out
}

// Connections returns a snapshot of the session's live connections, for a
// Channel to fan an outbound send out across (§4.6 step 6).
func (s *Session) Connections() []ConnectionHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ConnectionHandle, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// issueToken signs a new token and records it in the issued-token ledger.
// kind/asset follow token.IssueRoot/IssueExtension's conventions; this is
// the shared bookkeeping step both call through.
func (s *Session) issueToken(receiver string, asset []byte, kind token.Kind, maxDepth *uint32, prev *token.Token) (token.Token, error) {
	t, err := token.Issue(s.key, s.BrokerIDs(), receiver, asset, kind, maxDepth)
	if err != nil {
		return token.Token{}, err
	}
	s.mu.Lock()
	s.issued[string(t.Signature)] = issuedEntry{Token: t, Prev: prev}
	s.mu.Unlock()
	s.log.Debug("token issued", obs.F("receiver", receiver), obs.F("kind", string(kind)))

	if s.store != nil {
		encoded, err := t.Encode()
		if err != nil {
			return t, fmt.Errorf("session: encode for store: %w", err)
		}
		var prevEncoded []byte
		if prev != nil {
			prevEncoded, err = prev.Encode()
			if err != nil {
				return t, fmt.Errorf("session: encode prev for store: %w", err)
			}
		}
		if err := s.store.Put(context.Background(), tokenstore.Entry{
			Signature: t.Signature, Encoded: encoded, PrevEncoded: prevEncoded,
		}); err != nil {
			return t, fmt.Errorf("session: persist issued token: %w", err)
		}
	}
	return t, nil
}

// IssueRootToken issues a root token (asset = channelID) binding a local
// channel's capability to receiver.
func (s *Session) IssueRootToken(channelID []byte, receiver string, maxDepth *uint32) (token.Token, error) {
	return s.issueToken(receiver, channelID, token.Root, maxDepth, nil)
}

// IssueExtensionToken issues an extension token delegating prev onward
// to receiver.
func (s *Session) IssueExtensionToken(prev token.Token, receiver string, maxDepth *uint32) (token.Token, error) {
	prevCopy := prev
	return s.issueToken(receiver, prev.Signature, token.Extension, maxDepth, &prevCopy)
}

// RevokeToken removes a signature from the issued-token ledger. After
// this call, any chain traversing the token is rejected by ValidateChain
// (§8 property 7).
func (s *Session) RevokeToken(signature []byte) {
	s.mu.Lock()
	delete(s.issued, string(signature))
	s.mu.Unlock()
	if s.store != nil {
		_ = s.store.Delete(context.Background(), signature)
	}
	s.log.Info("token revoked")
}

// Contains implements token.Ledger: reports whether signature is still a
// live (non-revoked) entry this session issued.
func (s *Session) Contains(signature []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.issued[string(signature)]
	return ok
}

// IssuedTokenHeaders returns every entry of the issued-token ledger as
// (encoded, prevEncoded) pairs, for replaying session state to a broker
// immediately after a handshake (§4.1).
func (s *Session) IssuedTokenHeaders() ([][2][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][2][]byte, 0, len(s.issued))
	for _, e := range s.issued {
		enc, err := e.Token.Encode()
		if err != nil {
			return nil, fmt.Errorf("session: encode issued token: %w", err)
		}
		var prevEnc []byte
		if e.Prev != nil {
			prevEnc, err = e.Prev.Encode()
			if err != nil {
				return nil, fmt.Errorf("session: encode prev token: %w", err)
			}
		}
		out = append(out, [2][]byte{enc, prevEnc})
	}
	return out, nil
}

// Clear purges every awaiting-ack entry tied to bundleID from every live
// connection, the §4.6 cancellation path: a channel send that is aborted
// mid-bundle must not leave sibling chunks waiting out their retries.
func (s *Session) Clear(bundleID [4]byte) {
	for _, c := range s.Connections() {
		c.ClearBundle(bundleID)
	}
}

// CheckNoRepeat consults the replay cache; see replay.go for the exact
// two-bucket, minute-aligned algorithm (§4.3). Rejections are logged at
// debug: a replayed or clock-skewed frame is silently dropped, never
// surfaced to the peer.
func (s *Session) CheckNoRepeat(signature []byte, timestamp, now int64) bool {
	if !s.replay.checkNoRepeat(signature, timestamp, now) {
		s.log.Debug("replay rejected", obs.F("timestamp", timestamp), obs.F("now", now))
		return false
	}
	return true
}
