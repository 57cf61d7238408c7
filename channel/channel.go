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

// Package channel implements Channel, the per-channel endpoint: its own
// ephemeral key pair, inbox, the chunk/compress/encrypt send pipeline
// (§4.6), receive-side reassembly (§4.7), and the token-chain validation
// and route-extension wiring (§4.8) a Connection's recv loop hands
// incoming payloads to. Grounded on the original Channel class plus the
// teacher's crypto/keys X25519 DH + AEAD helpers.
package channel

import (
	"bytes"
	"compress/zlib"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"
	kzlib "github.com/klauspost/compress/zlib"

	"github.com/relaymesh/relaymesh/config"
	"github.com/relaymesh/relaymesh/crypto"
	"github.com/relaymesh/relaymesh/docformat"
	"github.com/relaymesh/relaymesh/internal/obs"
	"github.com/relaymesh/relaymesh/route"
	"github.com/relaymesh/relaymesh/session"
	"github.com/relaymesh/relaymesh/token"
	"github.com/relaymesh/relaymesh/wire"
)

// rawFlag and zlibFlag tag the single byte prefixing the compressed (or
// raw) document, §4.6 step 2 / §4.7 step 3-4.
const (
	rawFlag  byte = 0x00
	zlibFlag byte = 0xff
)

// singleFrameSentinel is the 4-byte all-zero header a one-chunk send is
// prefixed with, distinguishing it from a multi-frame header carrying a
// nonzero chunk count (§4.6 step 3).
var singleFrameSentinel = [4]byte{}

// Channel is a per-session, per-peer endpoint: an ephemeral key pair for
// channel-to-channel DH, an inbox of decoded application messages, and
// the buffers that accumulate in-flight chunk reassembly state.
type Channel struct {
	mu sync.Mutex

	key      *crypto.PrivateKey
	id       string
	logID    string // opaque diagnostic id, never on the wire
	owner    *session.Session
	isPublic bool
	brokers  []string

	headerBuf []wire.Header

	maxPayloadLen     int
	maxCompressionLen int
	maxOutbox         int

	chunks map[[4]byte]map[uint16][]byte
	chunkN map[[4]byte]uint16

	inbox  chan any
	closed chan struct{}

	log     *obs.Logger
	metrics *obs.Metrics
}

// New creates a Channel owned by owner, with a fresh ephemeral key pair.
// isPublic marks it as not requiring a capability token chain to reach
// (§4.8: "a public channel ... short-circuits to accept").
func New(owner *session.Session, brokers []string, isPublic bool) (*Channel, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("channel: generate key: %w", err)
	}
	c := &Channel{
		key:               key,
		id:                key.Public().SessionID(),
		logID:             uuid.NewString(),
		owner:             owner,
		isPublic:          isPublic,
		brokers:           append([]string(nil), brokers...),
		maxPayloadLen:     wire.MaxPayloadLen,
		maxCompressionLen: wire.MaxCompressionLen,
		maxOutbox:         wire.SuggestedMaxOutbox,
		chunks:            make(map[[4]byte]map[uint16][]byte),
		chunkN:            make(map[[4]byte]uint16),
		inbox:             make(chan any, 64),
		closed:            make(chan struct{}),
		metrics:           obs.NewNoop(),
	}
	c.log = obs.Default().With(obs.F("component", "channel"), obs.F("channel", c.logID))
	owner.RegisterChannel(c)
	return c, nil
}

// WithLogger attaches a logger, replacing the default.
func (c *Channel) WithLogger(l *obs.Logger) *Channel {
	c.log = l.With(obs.F("channel", c.logID))
	return c
}

// WithMetrics attaches a metrics sink, replacing the no-op default.
func (c *Channel) WithMetrics(m *obs.Metrics) *Channel { c.metrics = m; return c }

// WithConfig applies a loaded config document's payload limits, keeping
// the normative default for every field the document left unset.
func (c *Channel) WithConfig(cc config.ConnectionConfig) *Channel {
	if cc.MaxPayloadLen > 0 {
		c.maxPayloadLen = cc.MaxPayloadLen
	}
	if cc.MaxCompressionLen > 0 {
		c.maxCompressionLen = cc.MaxCompressionLen
	}
	if cc.SuggestedMaxOutbox > 0 {
		c.maxOutbox = cc.SuggestedMaxOutbox
	}
	return c
}

// ChannelID implements session.Listener.
func (c *Channel) ChannelID() string { return c.id }

// IsPublic implements session.Listener.
func (c *Channel) IsPublic() bool { return c.isPublic }

// Route implements session.Listener: the channel's own address, with no
// tokens attached, since it addresses its owner's own channel (§3).
func (c *Channel) Route() route.Route {
	return route.New(c.brokers, c.owner.ID(), c.id)
}

// Close removes the channel from its owning session's registry, stops
// delivering inbox messages, and announces the closure to every broker
// so routing tables forget the channel. The announcement is best-effort:
// a broker that misses it simply forwards frames nobody answers.
func (c *Channel) Close() {
	c.owner.UnregisterChannel(c.id)
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return
	default:
		close(c.closed)
	}
	c.mu.Unlock()

	closeHeader, err := wire.NewClose(c.Route())
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, conn := range c.owner.Connections() {
		_ = conn.Send(ctx, []wire.Header{closeHeader}, nil, [4]byte{}, nil)
	}
}

// Recv blocks for the next decoded application message delivered to this
// channel's inbox, in FIFO order (§5 "Inbox delivery to the application
// is FIFO per channel").
func (c *Channel) Recv(ctx context.Context) (any, error) {
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-c.closed:
		return nil, fmt.Errorf("channel: closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send runs the §4.6 pipeline: encode, compress, fragment, encrypt each
// chunk to destination's channel key, extend a reply route toward
// destination.Session, and dispatch every chunk across the session's
// live connections. It returns the 4-byte bundle id grouping the send,
// which callers pass to Session-level cancellation to purge any
// in-flight chunks of this send from their connections' awaiting-ack
// state (§4.6 "Cancellation").
func (c *Channel) Send(ctx context.Context, destination route.Route, payload any) ([4]byte, error) {
	var mid [4]byte
	if _, err := rand.Read(mid[:]); err != nil {
		return mid, fmt.Errorf("channel: mid: %w", err)
	}

	encoded, err := docformat.Marshal(payload)
	if err != nil {
		return mid, fmt.Errorf("channel: encode: %w", err)
	}

	body, err := compress(encoded, c.maxCompressionLen)
	if err != nil {
		return mid, fmt.Errorf("channel: compress: %w", err)
	}

	chunks, err := fragment(mid, body, c.maxPayloadLen)
	if err != nil {
		return mid, fmt.Errorf("channel: fragment: %w", err)
	}

	destPub, err := crypto.ParseSessionID(destination.Channel)
	if err != nil {
		return mid, fmt.Errorf("channel: destination channel id: %w", err)
	}
	sharedKey, err := c.key.SharedKey(destPub)
	if err != nil {
		return mid, fmt.Errorf("channel: derive shared key: %w", err)
	}

	sealed := make([][]byte, len(chunks))
	for i, plain := range chunks {
		ct, err := crypto.Seal(sharedKey, plain, nil)
		if err != nil {
			return mid, fmt.Errorf("channel: seal chunk %d: %w", i, err)
		}
		sealed[i] = ct
	}

	headers, err := c.dispatchHeaders(destination)
	if err != nil {
		return mid, err
	}

	conns := c.owner.Connections()
	if len(conns) == 0 {
		return mid, fmt.Errorf("channel: no live connections")
	}

	maxInFlight := len(chunks)
	if suggested := c.maxOutbox * len(conns); suggested < maxInFlight {
		maxInFlight = suggested
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInFlight)
	for i, ct := range sealed {
		i, ct := i, ct
		conn := conns[i%len(conns)]
		frameHeaders := headers
		if i > 0 {
			frameHeaders = []wire.Header{headers[0]}
		}
		g.Go(func() error {
			if err := conn.Send(gctx, frameHeaders, ct, mid, nil); err != nil {
				return fmt.Errorf("channel: send chunk %d/%d: %w", i+1, len(sealed), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.owner.Clear(mid)
		return mid, err
	}
	c.metrics.ReassemblyChunks.Observe(float64(len(chunks)))
	return mid, nil
}

// dispatchHeaders builds the per-bundle header list: the 'send' header
// identifying source/destination, plus any buffered 'token'/'listen'
// headers (§4.6 step 5-6). The buffer is drained here; Send attaches the
// buffered headers to the first frame of this bundle only.
func (c *Channel) dispatchHeaders(destination route.Route) ([]wire.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	send, err := wire.NewSend(c.Route(), destination)
	if err != nil {
		return nil, fmt.Errorf("channel: build send header: %w", err)
	}

	if _, tokHeader, err := ExtendRoute(c.owner, c.Route(), destination.Session, nil); err == nil {
		c.headerBuf = append(c.headerBuf, tokHeader)
	}
	listenHeader, err := wire.NewListen(wire.ListenContent{
		Brokers: c.brokers, Session: c.owner.ID(), Channel: c.id, IsPublic: c.isPublic,
	})
	if err != nil {
		return nil, fmt.Errorf("channel: build listen header: %w", err)
	}
	c.headerBuf = append(c.headerBuf, listenHeader)

	headers := append([]wire.Header{send}, c.headerBuf...)
	c.headerBuf = nil
	return headers, nil
}

// Deliver implements session.Listener: authorize via the token chain,
// decrypt, and either append a single-frame message to the inbox or
// accumulate a chunk for reassembly (§4.7).
func (c *Channel) Deliver(ctx context.Context, source, destination route.Route, payload []byte) error {
	ownerPub := c.owner.Key().Public()
	authorized := c.isPublic || source.Session == c.owner.ID() ||
		token.ValidateChain(ownerPub, c.key.Public().Bytes(), source.Session, destination.Tokens, token.DecodingResolver{}, c.owner)
	if !authorized {
		c.log.Debug("drop: unauthorized route", obs.F("source", source.Session))
		return fmt.Errorf("channel: unauthorized route from %s", source.Session)
	}

	sourcePub, err := crypto.ParseSessionID(source.Channel)
	if err != nil {
		return fmt.Errorf("channel: source channel id: %w", err)
	}
	sharedKey, err := c.key.SharedKey(sourcePub)
	if err != nil {
		return fmt.Errorf("channel: derive shared key: %w", err)
	}
	plain, err := crypto.Open(sharedKey, payload, nil)
	if err != nil {
		c.log.Debug("drop: decryption failed", obs.F("source", source.Session))
		return fmt.Errorf("channel: decrypt: %w", err)
	}

	if len(plain) < 8 {
		return fmt.Errorf("channel: payload shorter than chunk header")
	}

	if bytes.Equal(plain[:4], singleFrameSentinel[:]) {
		return c.deliverDocument(plain[4:])
	}

	i := binary.BigEndian.Uint16(plain[0:2])
	n := binary.BigEndian.Uint16(plain[2:4])
	var mid [4]byte
	copy(mid[:], plain[4:8])
	data := append([]byte(nil), plain[8:]...)

	c.mu.Lock()
	if c.chunks[mid] == nil {
		c.chunks[mid] = make(map[uint16][]byte)
		c.chunkN[mid] = n
	}
	c.chunks[mid][i] = data
	complete := uint16(len(c.chunks[mid])) == c.chunkN[mid]
	var assembled []byte
	if complete {
		assembled = make([]byte, 0)
		for idx := uint16(0); idx < n; idx++ {
			assembled = append(assembled, c.chunks[mid][idx]...)
		}
		delete(c.chunks, mid)
		delete(c.chunkN, mid)
	}
	c.mu.Unlock()

	if !complete {
		return nil
	}
	c.metrics.ReassemblyChunks.Observe(float64(n))
	return c.deliverDocument(assembled)
}

// deliverDocument decompresses a flag-prefixed document and appends the
// decoded value to the inbox (§4.7 steps 3-4).
func (c *Channel) deliverDocument(flagged []byte) error {
	if len(flagged) < 1 {
		return fmt.Errorf("channel: empty document")
	}
	raw, err := decompress(flagged)
	if err != nil {
		return err
	}
	doc, err := docformat.UnmarshalDocument(raw)
	if err != nil {
		return fmt.Errorf("channel: decode document: %w", err)
	}
	select {
	case c.inbox <- doc:
	case <-c.closed:
	}
	return nil
}

// compress implements §4.6 step 2: zlib-compress the document if it is
// shorter than maxCompressionLen, prefixing the chosen flag byte.
func compress(encoded []byte, maxCompressionLen int) ([]byte, error) {
	if len(encoded) >= maxCompressionLen {
		return append([]byte{rawFlag}, encoded...), nil
	}
	var buf bytes.Buffer
	buf.WriteByte(zlibFlag)
	w := kzlib.NewWriter(&buf)
	if _, err := w.Write(encoded); err != nil {
		return nil, fmt.Errorf("zlib compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zlib compress: %w", err)
	}
	return buf.Bytes(), nil
}

// decompress reverses compress, dispatching on the leading flag byte.
func decompress(flagged []byte) ([]byte, error) {
	flag, body := flagged[0], flagged[1:]
	switch flag {
	case rawFlag:
		return append([]byte(nil), body...), nil
	case zlibFlag:
		r, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("zlib decompress: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("zlib decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("channel: unknown compression flag 0x%02x", flag)
	}
}

// fragment implements §4.6 step 3: split a flag-prefixed document into
// chunks of at most maxPayloadLen, each carrying either the single-frame
// sentinel or an (index, count, mid) header.
func fragment(mid [4]byte, body []byte, maxPayloadLen int) ([][]byte, error) {
	if len(body) <= maxPayloadLen {
		out := make([]byte, 0, 4+len(body))
		out = append(out, singleFrameSentinel[:]...)
		out = append(out, body...)
		return [][]byte{out}, nil
	}

	var pieces [][]byte
	for off := 0; off < len(body); off += maxPayloadLen {
		end := off + maxPayloadLen
		if end > len(body) {
			end = len(body)
		}
		pieces = append(pieces, body[off:end])
	}
	if len(pieces) > wire.MaxChunks {
		return nil, fmt.Errorf("channel: payload requires %d chunks, exceeds %d", len(pieces), wire.MaxChunks)
	}

	n := uint16(len(pieces))
	out := make([][]byte, len(pieces))
	for i, piece := range pieces {
		hdr := make([]byte, 8, 8+len(piece))
		binary.BigEndian.PutUint16(hdr[0:2], uint16(i))
		binary.BigEndian.PutUint16(hdr[2:4], n)
		copy(hdr[4:8], mid[:])
		out[i] = append(hdr, piece...)
	}
	return out, nil
}
