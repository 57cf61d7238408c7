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

// Package connection implements Connection: one broker link's handshake
// (§4.1), frame codec use, replay-checked receive (§4.3), the send/ack/
// retry state machine (§4.4), and reconnect supervision (§4.5). Grounded
// on the original Connection class algorithm, re-expressed with the
// teacher's websocket client dial/ensureConnected idiom and explicit
// state transitions per the system design notes.
package connection

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/relaymesh/config"
	"github.com/relaymesh/relaymesh/crypto"
	"github.com/relaymesh/relaymesh/internal/obs"
	"github.com/relaymesh/relaymesh/session"
	"github.com/relaymesh/relaymesh/transport"
	"github.com/relaymesh/relaymesh/wire"
)

// challengeLen is the broker's initial handshake challenge: 32 random
// bytes followed by a 4-byte big-endian epoch timestamp (§4.1).
const challengeLen = 36

// brokerReplyLen is broker_signature(64) || broker_id(32).
const brokerReplyLen = wire.SignatureSize + 32

// ErrExceededRetries is the terminal send failure after MaxSendRetries
// unacknowledged attempts (§4.4). A destination no broker in the path can
// reach surfaces as this error, never synchronously.
var ErrExceededRetries = errors.New("connection: exceeded send retries")

// ErrBundleCleared is returned by Send when another chunk of the same
// bundle failed terminally and purged the whole bundle's awaiting-ack
// entries.
var ErrBundleCleared = errors.New("connection: bundle cleared")

// Config collects the tunable constants §6 lists as normative defaults;
// the zero value of Config is not usable, use DefaultConfig.
type Config struct {
	ResendTimeout    time.Duration
	MaxSendRetries   int
	HandshakeTimeout time.Duration
	ReconnectBackoff time.Duration
	MaxReconnects    int
}

// DefaultConfig returns §6's normative defaults.
func DefaultConfig() Config {
	return Config{
		ResendTimeout:    wire.ResendTimeout,
		MaxSendRetries:   wire.MaxSendRetries,
		HandshakeTimeout: wire.HandshakeTimeout,
		ReconnectBackoff: wire.ReconnectBackoff,
		MaxReconnects:    wire.MaxReconnects,
	}
}

// FromConfig maps a loaded config document's connection section onto a
// Config, keeping the normative default for every field the document
// left unset.
func FromConfig(cc config.ConnectionConfig) Config {
	cfg := DefaultConfig()
	if cc.ResendTimeout > 0 {
		cfg.ResendTimeout = cc.ResendTimeout
	}
	if cc.MaxSendRetries > 0 {
		cfg.MaxSendRetries = cc.MaxSendRetries
	}
	if cc.HandshakeTimeout > 0 {
		cfg.HandshakeTimeout = cc.HandshakeTimeout
	}
	if cc.ReconnectBackoff > 0 {
		cfg.ReconnectBackoff = cc.ReconnectBackoff
	}
	if cc.MaxReconnectRetries > 0 {
		cfg.MaxReconnects = cc.MaxReconnectRetries
	}
	return cfg
}

// Connection is one broker link. It implements session.ConnectionHandle
// and session.Listener's counterpart so a Channel can dispatch sends
// across it without either package importing the other.
type Connection struct {
	logID   string
	sess    *session.Session
	dial    transport.Dialer
	cfg     Config
	log     *obs.Logger
	metrics *obs.Metrics

	connMu      chan struct{} // binary mutex over stream/tOffset/brokerID/connectedCh
	stream      transport.Stream
	tOffset     int64
	brokerID    string
	connectedCh chan struct{}

	sendGate chan struct{} // capacity-1 token gating the transmit-and-await-ack phase
	awaiting *awaitingAckMap

	closed chan struct{}
}

// New creates a Connection that dials brokers through dial. Call Run to
// start the handshake/recv/reconnect supervisor loop.
func New(sess *session.Session, dial transport.Dialer, opts ...Option) *Connection {
	c := &Connection{
		logID:       uuid.NewString(),
		sess:        sess,
		dial:        dial,
		cfg:         DefaultConfig(),
		log:         obs.Default().With(obs.F("component", "connection")),
		metrics:     obs.NewNoop(),
		connMu:      make(chan struct{}, 1),
		connectedCh: make(chan struct{}),
		sendGate:    make(chan struct{}, 1),
		awaiting:    newAwaitingAckMap(),
		closed:      make(chan struct{}),
	}
	c.connMu <- struct{}{}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(obs.F("connection", c.logID))
	return c
}

// Option configures a Connection at construction time.
type Option func(*Connection)

// WithConfig overrides the default tunables.
func WithConfig(cfg Config) Option { return func(c *Connection) { c.cfg = cfg } }

// WithLogger overrides the default logger.
func WithLogger(l *obs.Logger) Option { return func(c *Connection) { c.log = l } }

// WithMetrics overrides the default no-op metrics sink.
func WithMetrics(m *obs.Metrics) Option { return func(c *Connection) { c.metrics = m } }

// BrokerID implements session.ConnectionHandle.
func (c *Connection) BrokerID() string {
	c.lock()
	defer c.unlock()
	return c.brokerID
}

func (c *Connection) lock()   { <-c.connMu }
func (c *Connection) unlock() { c.connMu <- struct{}{} }

// Close permanently shuts the connection down.
func (c *Connection) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
	}
	close(c.closed)
	c.lock()
	s := c.stream
	c.unlock()
	if s != nil {
		return s.Close()
	}
	return nil
}

// Reconnect forces a fresh handshake, idempotently: concurrent callers
// all observe the same next successful handshake rather than racing each
// other into separate reconnect attempts, because closing an
// already-closed stream is a no-op and the supervisor loop in Run is the
// only place a new stream is installed. Reconnect returns as soon as the
// stream is closed; it does not wait for the next handshake, which
// callers await through WaitConnected.
func (c *Connection) Reconnect() {
	c.lock()
	s := c.stream
	c.unlock()
	if s != nil {
		_ = s.Close()
	}
}

// connect performs the §4.1 handshake and replays session state.
func (c *Connection) connect(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	c.metrics.HandshakeAttempts.Inc()

	stream, err := c.dial.Dial(hctx)
	if err != nil {
		c.metrics.HandshakeFailures.Inc()
		return fmt.Errorf("connection: dial: %w", err)
	}

	challenge, err := stream.Recv(hctx)
	if err != nil {
		stream.Close()
		c.metrics.HandshakeFailures.Inc()
		return fmt.Errorf("connection: recv challenge: %w", err)
	}
	if len(challenge) != challengeLen {
		stream.Close()
		c.metrics.HandshakeFailures.Inc()
		return fmt.Errorf("connection: challenge length %d, want %d", len(challenge), challengeLen)
	}
	brokerTime := binary.BigEndian.Uint32(challenge[32:36])
	tOffset := time.Now().Unix() - int64(brokerTime)

	sig := c.sess.Key().Sign(challenge)
	clientNonce := make([]byte, 32)
	if _, err := rand.Read(clientNonce); err != nil {
		stream.Close()
		return fmt.Errorf("connection: client nonce: %w", err)
	}
	reply := make([]byte, 0, len(sig)+32+len(clientNonce))
	reply = append(reply, sig...)
	reply = append(reply, c.sess.Key().Public().Bytes()...)
	reply = append(reply, clientNonce...)
	if err := stream.Send(hctx, reply); err != nil {
		stream.Close()
		c.metrics.HandshakeFailures.Inc()
		return fmt.Errorf("connection: send handshake reply: %w", err)
	}

	brokerReply, err := stream.Recv(hctx)
	if err != nil {
		stream.Close()
		c.metrics.HandshakeFailures.Inc()
		return fmt.Errorf("connection: recv broker reply: %w", err)
	}
	if len(brokerReply) != brokerReplyLen {
		stream.Close()
		c.metrics.HandshakeFailures.Inc()
		return fmt.Errorf("connection: broker reply length %d, want %d", len(brokerReply), brokerReplyLen)
	}
	brokerSig := brokerReply[:wire.SignatureSize]
	brokerPub, err := crypto.NewPublicKey(brokerReply[wire.SignatureSize:])
	if err != nil {
		stream.Close()
		c.metrics.HandshakeFailures.Inc()
		return fmt.Errorf("connection: broker id: %w", err)
	}
	if err := brokerPub.Verify(clientNonce, brokerSig); err != nil {
		stream.Close()
		c.metrics.HandshakeFailures.Inc()
		return fmt.Errorf("connection: broker signature invalid: %w", err)
	}

	c.lock()
	c.stream = stream
	c.tOffset = tOffset
	c.brokerID = brokerPub.SessionID()
	c.unlock()

	if err := c.replaySessionState(ctx); err != nil {
		c.log.Warn("replay session state failed", obs.F("error", err.Error()))
	}
	return nil
}

// replaySessionState sends one framed message carrying a 'token' header
// per issued-token ledger entry and a 'listen' header per local channel,
// making reconnect idempotent from the broker's point of view (§4.1).
func (c *Connection) replaySessionState(ctx context.Context) error {
	var headers []wire.Header

	entries, err := c.sess.IssuedTokenHeaders()
	if err != nil {
		return fmt.Errorf("connection: issued tokens: %w", err)
	}
	for _, e := range entries {
		h, err := wire.NewTokenIssue(e[0], e[1])
		if err != nil {
			return err
		}
		headers = append(headers, h)
	}

	for _, l := range c.sess.Channels() {
		r := l.Route()
		h, err := wire.NewListen(wire.ListenContent{
			Brokers: r.Brokers, Session: r.Session, Channel: r.Channel, IsPublic: l.IsPublic(),
		})
		if err != nil {
			return err
		}
		headers = append(headers, h)
	}

	if len(headers) == 0 {
		return nil
	}
	_, err = c.transmit(ctx, headers, wire.RetryOriginal, nil, nil)
	return err
}

// frameTimestamp is §4.2's t field: local_time - t_offset - 4. The fixed
// 4-second rebate keeps every frame's claimed broker time strictly in the
// past, so the receive-side window check `now-60 <= t+t_offset <= now`
// never rejects a fresh frame for landing marginally in the future.
func frameTimestamp(tOffset int64) uint32 {
	return uint32(time.Now().Unix() - tOffset - 4)
}

// transmit encodes and writes one frame, returning its signature (the
// message id an original send is later acked by).
func (c *Connection) transmit(ctx context.Context, headers []wire.Header, retry byte, ackMsgID, payload []byte) ([]byte, error) {
	c.lock()
	stream := c.stream
	tOffset := c.tOffset
	c.unlock()
	if stream == nil {
		return nil, fmt.Errorf("connection: not connected")
	}

	ts := frameTimestamp(tOffset)
	raw, err := wire.Encode(c.sess.Key(), ts, headers, retry, ackMsgID, payload)
	if err != nil {
		return nil, fmt.Errorf("connection: encode: %w", err)
	}
	if err := stream.Send(ctx, raw); err != nil {
		return nil, fmt.Errorf("connection: transport send: %w", err)
	}
	c.metrics.FramesSent.Inc()
	return raw[:wire.SignatureSize], nil
}

// Send implements session.ConnectionHandle (§4.4). A non-nil ackMessageID
// means this call itself transmits an acknowledgement: it fires once and
// does not wait. Otherwise it is an original channel send: the call
// acquires the connection's single-slot sendGate (bounding outstanding
// unacked frames on this connection to one, §8 property 9), then makes up
// to cfg.MaxSendRetries attempts in total, the original transmission
// included, re-embedding the original message's signature as a payload
// prefix on every resend so the receiver can still ack the original id. The awaiting-ack entry is recorded before the
// frame hits the transport, so an ack arriving immediately after the
// write cannot slip past the registration.
func (c *Connection) Send(ctx context.Context, headers []wire.Header, payload []byte, bundleID [4]byte, ackMessageID []byte) error {
	if ackMessageID != nil {
		_, err := c.transmit(ctx, headers, wire.RetryAck, ackMessageID, nil)
		return err
	}

	hasSend := false
	for _, h := range headers {
		if h.Action == wire.ActionSend {
			hasSend = true
			break
		}
	}
	if !hasSend {
		// listen/token/close bookkeeping carries no reply obligation
		_, err := c.transmit(ctx, headers, wire.RetryOriginal, nil, payload)
		return err
	}

	select {
	case c.sendGate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return transport.ErrClosed
	}
	defer func() { <-c.sendGate }()

	attempt := 0
	var msgID []byte
	for {
		if err := c.WaitConnected(ctx); err != nil {
			return err
		}
		c.lock()
		stream := c.stream
		tOffset := c.tOffset
		c.unlock()
		if stream == nil {
			// disconnected between the signal and the read; the
			// supervisor is re-arming connectedCh
			continue
		}

		framePayload := payload
		if attempt > 0 {
			framePayload = make([]byte, 0, len(msgID)+len(payload))
			framePayload = append(framePayload, msgID...)
			framePayload = append(framePayload, payload...)
		}
		ts := frameTimestamp(tOffset)
		raw, err := wire.Encode(c.sess.Key(), ts, headers, byte(attempt), nil, framePayload)
		if err != nil {
			return fmt.Errorf("connection: encode: %w", err)
		}
		if attempt == 0 {
			msgID = raw[:wire.SignatureSize]
		}
		key := string(msgID)
		entry := &inflight{
			header:   headers,
			bundleID: bundleID,
			done:     make(chan struct{}),
			cancel:   make(chan struct{}),
		}
		c.awaiting.put(key, entry)

		if err := stream.Send(ctx, raw); err != nil {
			// transport down, not an unacked attempt: force a fresh
			// handshake and go back to waiting on the connecting signal
			c.awaiting.delete(key)
			c.Reconnect()
			select {
			case <-time.After(c.cfg.ReconnectBackoff):
			case <-ctx.Done():
				return ctx.Err()
			case <-c.closed:
				return transport.ErrClosed
			}
			continue
		}
		c.metrics.FramesSent.Inc()
		if attempt > 0 {
			c.metrics.FramesRetried.Inc()
		}

		select {
		case <-entry.done:
			return nil
		case <-entry.cancel:
			return fmt.Errorf("connection: %w", ErrBundleCleared)
		case <-time.After(c.cfg.ResendTimeout):
			if _, ok := c.awaiting.get(key); !ok {
				// removed while we were timing out: either acked
				// (success) or purged with the rest of its bundle
				select {
				case <-entry.cancel:
					return fmt.Errorf("connection: %w", ErrBundleCleared)
				default:
					return nil
				}
			}
			c.awaiting.delete(key)
			attempt++
			if attempt >= c.cfg.MaxSendRetries {
				c.ClearBundle(bundleID)
				return fmt.Errorf("connection: exceeded %d send retries: %w", c.cfg.MaxSendRetries, ErrExceededRetries)
			}
		case <-ctx.Done():
			c.awaiting.delete(key)
			return ctx.Err()
		case <-c.closed:
			c.awaiting.delete(key)
			return transport.ErrClosed
		}
	}
}

// ClearBundle implements §4.4's clear(bundle_id): purge every awaiting-ack
// entry sharing bundleID and fail its sender. Session.Clear fans this out
// across every live connection when a channel-level send is cancelled.
func (c *Connection) ClearBundle(bundleID [4]byte) {
	c.awaiting.clearBundle(bundleID)
}

// handleAck releases the awaiting-ack entry keyed by ackMsgID, if any.
// Spurious acks, including a second ack for an already-released entry,
// are ignored.
func (c *Connection) handleAck(ackMsgID []byte) {
	e, ok := c.awaiting.take(string(ackMsgID))
	if !ok {
		return
	}
	close(e.done)
	c.metrics.FramesAcked.Inc()
}

// handleFrame implements §4.3's receive path: decode, verify, replay
// check, strip a resend's embedded original signature, deliver to the
// addressed channel, and only ack once Deliver accepts the payload (§7:
// never acknowledge a frame that failed authentication or authorization).
func (c *Connection) handleFrame(ctx context.Context, frame wire.Frame) {
	if frame.IsAck() {
		c.handleAck(frame.AckMsgID)
		return
	}

	headers, err := wire.DecodeHeaders(frame.Headers)
	if err != nil {
		c.log.Warn("decode headers failed", obs.F("error", err.Error()))
		return
	}

	var sendHeader *wire.Header
	for i := range headers {
		if headers[i].Action == wire.ActionSend {
			sendHeader = &headers[i]
			break
		}
	}
	if sendHeader == nil {
		c.handleControlHeaders(headers)
		return
	}

	content, err := sendHeader.Send()
	if err != nil {
		c.log.Warn("decode send header failed", obs.F("error", err.Error()))
		return
	}
	sourcePub, err := crypto.ParseSessionID(content.Source.Session)
	if err != nil {
		c.log.Warn("bad source session id", obs.F("error", err.Error()))
		return
	}
	if err := frame.Verify(sourcePub); err != nil {
		c.log.Warn("frame signature invalid", obs.F("source", content.Source.Session))
		return
	}

	c.lock()
	tOffset := c.tOffset
	c.unlock()
	now := time.Now().Unix()
	if !c.sess.CheckNoRepeat(frame.Signature, int64(frame.Timestamp)+tOffset, now) {
		c.metrics.ReplayRejected.Inc()
		c.log.Debug("replay rejected", obs.F("source", content.Source.Session))
		return
	}

	payload := frame.Payload
	ackTarget := frame.Signature
	if frame.Retry != wire.RetryOriginal {
		if len(payload) < wire.SignatureSize {
			c.log.Warn("resend missing embedded original signature")
			return
		}
		ackTarget = payload[:wire.SignatureSize]
		payload = payload[wire.SignatureSize:]
	}

	listener, ok := c.sess.Channel(content.Destination.Channel)
	if !ok {
		c.log.Warn("no local listener for destination channel", obs.F("channel", content.Destination.Channel))
		return
	}
	if err := listener.Deliver(ctx, content.Source, content.Destination, payload); err != nil {
		c.log.Warn("deliver rejected", obs.F("error", err.Error()))
		return
	}

	if _, err := c.transmit(ctx, nil, wire.RetryAck, ackTarget, nil); err != nil {
		c.log.Warn("ack send failed", obs.F("error", err.Error()))
	}
}

// handleControlHeaders processes a frame carrying only listen/token/close
// directives and no 'send', e.g. a broker forwarding another session's
// bookkeeping. These carry no reply obligation.
func (c *Connection) handleControlHeaders(headers []wire.Header) {
	for _, h := range headers {
		c.log.Debug("control header received", obs.F("action", string(h.Action)))
	}
}

// recvLoop reads and handles frames until the stream errors or closes. It
// returns the error that ended it so the supervisor can decide whether to
// reconnect.
func (c *Connection) recvLoop(ctx context.Context) error {
	c.lock()
	stream := c.stream
	c.unlock()
	if stream == nil {
		return fmt.Errorf("connection: recv loop started without a stream")
	}

	for {
		raw, err := stream.Recv(ctx)
		if err != nil {
			return err
		}
		frame, err := wire.Decode(raw)
		if err != nil {
			c.log.Warn("decode frame failed", obs.F("error", err.Error()))
			continue
		}
		c.handleFrame(ctx, frame)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return nil
		default:
		}
	}
}
