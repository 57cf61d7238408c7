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

// Package testrelay is a minimal in-process broker collaborator: it
// speaks the §4.1 handshake and forwards opaque §4.2 frames by the
// destination channel id a 'listen' header most recently announced for
// it. It is not a production broker (brokers are explicitly a
// collaborator outside this repo's scope) and does no authorization of
// its own; it exists so connection and channel can be exercised
// end-to-end in tests without a real network. Grounded on
// pkg/agent/transport/websocket/server.go's upgrade/per-connection-serve
// shape, generalized from JSON request/response to forwarding raw signed
// frames between peers.
package testrelay

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/relaymesh/relaymesh/crypto"
	"github.com/relaymesh/relaymesh/transport"
	"github.com/relaymesh/relaymesh/transport/looptransport"
	"github.com/relaymesh/relaymesh/wire"
)

// challengeLen mirrors connection.challengeLen; kept independent since
// tests must be able to exercise this package without importing
// connection.
const challengeLen = 36

// Relay is one broker identity serving any number of Dialer-created
// client connections.
type Relay struct {
	key *crypto.PrivateKey

	mu        sync.Mutex
	listeners map[string]*peer // channel id -> peer currently declaring it
	pending   map[string]*peer // ack target id -> peer to deliver the ack back to
}

// New creates a Relay with a fresh broker identity key.
func New() (*Relay, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("testrelay: generate key: %w", err)
	}
	return &Relay{
		key:       key,
		listeners: make(map[string]*peer),
		pending:   make(map[string]*peer),
	}, nil
}

// BrokerID is this relay's address, usable as a Route's Brokers entry.
func (r *Relay) BrokerID() string { return r.key.Public().SessionID() }

type peer struct {
	stream    transport.Stream
	sessionID string
}

// Dialer returns a transport.Dialer that spins up a fresh in-process
// server-side peer for every Dial call, matching one Connection
// incarnation to one handshake.
func (r *Relay) Dialer() transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context) (transport.Stream, error) {
		client, server := looptransport.Pipe()
		p := &peer{stream: server}
		// ctx only bounds the dial; the peer is served for the life of
		// the stream, not until the caller's handshake deadline
		go r.serve(context.Background(), p)
		return client, nil
	})
}

func (r *Relay) serve(ctx context.Context, p *peer) {
	if err := r.handshake(ctx, p); err != nil {
		return
	}
	for {
		raw, err := p.stream.Recv(ctx)
		if err != nil {
			return
		}
		r.route(ctx, p, raw)
	}
}

// handshake plays the broker side of §4.1: issue a challenge, verify the
// peer's signed reply, and answer with a broker-signed reply over the
// peer's nonce.
func (r *Relay) handshake(ctx context.Context, p *peer) error {
	challenge := make([]byte, challengeLen)
	if _, err := rand.Read(challenge[:32]); err != nil {
		return fmt.Errorf("testrelay: challenge nonce: %w", err)
	}
	binary.BigEndian.PutUint32(challenge[32:36], uint32(time.Now().Unix()))
	if err := p.stream.Send(ctx, challenge); err != nil {
		return fmt.Errorf("testrelay: send challenge: %w", err)
	}

	reply, err := p.stream.Recv(ctx)
	if err != nil {
		return fmt.Errorf("testrelay: recv handshake reply: %w", err)
	}
	const replyLen = wire.SignatureSize + 32 + 32
	if len(reply) != replyLen {
		return fmt.Errorf("testrelay: handshake reply length %d, want %d", len(reply), replyLen)
	}
	sig := reply[:wire.SignatureSize]
	pubBytes := reply[wire.SignatureSize : wire.SignatureSize+32]
	nonce := reply[wire.SignatureSize+32:]

	pub, err := crypto.NewPublicKey(pubBytes)
	if err != nil {
		return fmt.Errorf("testrelay: bad client public key: %w", err)
	}
	if err := pub.Verify(challenge, sig); err != nil {
		return fmt.Errorf("testrelay: client signature invalid: %w", err)
	}
	p.sessionID = pub.SessionID()

	brokerSig := r.key.Sign(nonce)
	out := make([]byte, 0, len(brokerSig)+32)
	out = append(out, brokerSig...)
	out = append(out, r.key.Public().Bytes()...)
	if err := p.stream.Send(ctx, out); err != nil {
		return fmt.Errorf("testrelay: send broker reply: %w", err)
	}
	return nil
}

// route inspects one forwarded frame's headers just enough to decide
// where it goes: an ack is sent back to whoever sent the original frame
// it acknowledges; a 'send' frame is forwarded to whichever peer most
// recently declared a 'listen' for its destination channel. A frame
// without a 'send' header is not forwarded anywhere (there is no single
// destination for it): its 'listen' headers update the routing table and
// its 'token' headers are ignored.
func (r *Relay) route(ctx context.Context, p *peer, raw []byte) {
	frame, err := wire.Decode(raw)
	if err != nil {
		return
	}

	if frame.IsAck() {
		r.mu.Lock()
		target := r.pending[string(frame.AckMsgID)]
		delete(r.pending, string(frame.AckMsgID))
		r.mu.Unlock()
		if target != nil {
			_ = target.stream.Send(ctx, raw)
		}
		return
	}

	headers, err := wire.DecodeHeaders(frame.Headers)
	if err != nil {
		return
	}

	var sendHeader *wire.Header
	for i := range headers {
		switch headers[i].Action {
		case wire.ActionListen:
			if lc, err := headers[i].Listen(); err == nil {
				r.mu.Lock()
				r.listeners[lc.Channel] = p
				r.mu.Unlock()
			}
		case wire.ActionSend:
			sendHeader = &headers[i]
		}
	}
	if sendHeader == nil {
		return
	}

	content, err := sendHeader.Send()
	if err != nil {
		return
	}

	ackKey := string(frame.Signature)
	if frame.Retry != wire.RetryOriginal && len(frame.Payload) >= wire.SignatureSize {
		ackKey = string(frame.Payload[:wire.SignatureSize])
	}

	r.mu.Lock()
	target := r.listeners[content.Destination.Channel]
	if target != nil {
		r.pending[ackKey] = p
	}
	r.mu.Unlock()

	if target == nil {
		return
	}
	_ = target.stream.Send(ctx, raw)
}
