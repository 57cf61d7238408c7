package connection

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relaymesh/config"
	"github.com/relaymesh/relaymesh/crypto"
	"github.com/relaymesh/relaymesh/route"
	"github.com/relaymesh/relaymesh/session"
	"github.com/relaymesh/relaymesh/transport"
	"github.com/relaymesh/relaymesh/transport/looptransport"
	"github.com/relaymesh/relaymesh/wire"
)

// fakeBroker plays just enough of the broker side of the handshake
// (§4.1) for a single Connection under test, without pulling in
// internal/testrelay's routing logic.
type fakeBroker struct {
	key *crypto.PrivateKey
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &fakeBroker{key: key}
}

func (b *fakeBroker) dialer(t *testing.T) transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context) (transport.Stream, error) {
		client, server := looptransport.Pipe()
		go b.serve(t, server)
		return client, nil
	})
}

func (b *fakeBroker) serve(t *testing.T, s transport.Stream) {
	ctx := context.Background()
	challenge := make([]byte, challengeLen)
	binary.BigEndian.PutUint32(challenge[32:36], uint32(time.Now().Unix()))
	if err := s.Send(ctx, challenge); err != nil {
		return
	}
	reply, err := s.Recv(ctx)
	if err != nil {
		return
	}
	if len(reply) < wire.SignatureSize+32+32 {
		return
	}
	nonce := reply[wire.SignatureSize+32:]
	brokerSig := b.key.Sign(nonce)
	out := append(append([]byte(nil), brokerSig...), b.key.Public().Bytes()...)
	_ = s.Send(ctx, out)

	for {
		raw, err := s.Recv(ctx)
		if err != nil {
			return
		}
		frame, err := wire.Decode(raw)
		if err != nil {
			continue
		}
		if frame.IsAck() {
			continue
		}
		ackTarget := frame.Signature
		if frame.Retry != wire.RetryOriginal && len(frame.Payload) >= wire.SignatureSize {
			ackTarget = frame.Payload[:wire.SignatureSize]
		}
		ackRaw, err := wire.Encode(b.key, uint32(time.Now().Unix()), nil, wire.RetryAck, ackTarget, nil)
		if err != nil {
			continue
		}
		_ = s.Send(ctx, ackRaw)
	}
}

// sendHeaders builds a minimal 'send' header list so Send treats the
// frame as an ack-awaited channel send rather than fire-and-forget
// bookkeeping.
func sendHeaders(t *testing.T) []wire.Header {
	t.Helper()
	h, err := wire.NewSend(
		route.New(nil, "src-session", "src-channel"),
		route.New(nil, "dst-session", "dst-channel"),
	)
	require.NoError(t, err)
	return []wire.Header{h}
}

func TestFromConfigKeepsDefaultsForUnsetFields(t *testing.T) {
	cfg := FromConfig(config.ConnectionConfig{MaxSendRetries: 7})
	require.Equal(t, 7, cfg.MaxSendRetries)
	require.Equal(t, wire.ResendTimeout, cfg.ResendTimeout)
	require.Equal(t, wire.MaxReconnects, cfg.MaxReconnects)
}

func TestConnectionHandshakeSucceeds(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sess := session.New(key)
	broker := newFakeBroker(t)
	conn := New(sess, broker.dialer(t))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- conn.Run(ctx) }()

	require.NoError(t, conn.WaitConnected(ctx))
	require.NotEmpty(t, conn.BrokerID())

	require.NoError(t, conn.Close())
	<-errCh
}

func TestConnectionSendWaitsForAck(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sess := session.New(key)
	broker := newFakeBroker(t)
	conn := New(sess, broker.dialer(t))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go conn.Run(ctx)
	require.NoError(t, conn.WaitConnected(ctx))

	var bundle [4]byte
	err = conn.Send(ctx, sendHeaders(t), []byte("hello"), bundle, nil)
	require.NoError(t, err)
	require.Equal(t, 0, conn.awaiting.len())

	require.NoError(t, conn.Close())
}

// lossyStream drops a deterministic fraction of outbound frames after
// the handshake, standing in for a broker that loses or faults messages.
type lossyStream struct {
	transport.Stream
	mu    sync.Mutex
	sends int
	skip  int // handshake frames exempt from loss
	every int // drop every Nth post-handshake frame
}

func (s *lossyStream) Send(ctx context.Context, msg []byte) error {
	s.mu.Lock()
	s.sends++
	drop := s.sends > s.skip && (s.sends-s.skip)%s.every == 0
	s.mu.Unlock()
	if drop {
		return nil
	}
	return s.Stream.Send(ctx, msg)
}

func TestConnectionSendRecoversFromLostFrames(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sess := session.New(key)
	broker := newFakeBroker(t)

	dialer := transport.DialerFunc(func(ctx context.Context) (transport.Stream, error) {
		client, server := looptransport.Pipe()
		go broker.serve(t, server)
		return &lossyStream{Stream: client, skip: 1, every: 3}, nil
	})

	conn := New(sess, dialer, WithConfig(Config{
		ResendTimeout:    50 * time.Millisecond,
		MaxSendRetries:   3,
		HandshakeTimeout: time.Second,
		ReconnectBackoff: 100 * time.Millisecond,
		MaxReconnects:    3,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go conn.Run(ctx)
	require.NoError(t, conn.WaitConnected(ctx))

	// every third frame is lost; each send must still complete via
	// resend + ack within the retry budget
	for i := 0; i < 10; i++ {
		var bundle [4]byte
		bundle[0] = byte(i)
		require.NoError(t, conn.Send(ctx, sendHeaders(t), []byte("payload"), bundle, nil))
	}
	require.Equal(t, 0, conn.awaiting.len())

	require.NoError(t, conn.Close())
}

func TestConnectionSendTimesOutWithoutAck(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sess := session.New(key)

	// A broker that completes the handshake but never acks anything.
	broker := newFakeBroker(t)
	dialer := transport.DialerFunc(func(ctx context.Context) (transport.Stream, error) {
		client, server := looptransport.Pipe()
		go func() {
			challenge := make([]byte, challengeLen)
			binary.BigEndian.PutUint32(challenge[32:36], uint32(time.Now().Unix()))
			_ = server.Send(ctx, challenge)
			reply, err := server.Recv(ctx)
			if err != nil {
				return
			}
			nonce := reply[wire.SignatureSize+32:]
			brokerSig := broker.key.Sign(nonce)
			out := append(append([]byte(nil), brokerSig...), broker.key.Public().Bytes()...)
			_ = server.Send(ctx, out)
			for {
				if _, err := server.Recv(ctx); err != nil {
					return
				}
			}
		}()
		return client, nil
	})

	conn := New(sess, dialer, WithConfig(Config{
		ResendTimeout:    50 * time.Millisecond,
		MaxSendRetries:   2,
		HandshakeTimeout: time.Second,
		ReconnectBackoff: time.Second,
		MaxReconnects:    1,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go conn.Run(ctx)
	require.NoError(t, conn.WaitConnected(ctx))

	var bundle [4]byte
	err = conn.Send(ctx, sendHeaders(t), []byte("hello"), bundle, nil)
	require.ErrorIs(t, err, ErrExceededRetries)
	require.Equal(t, 0, conn.awaiting.len())

	require.NoError(t, conn.Close())
}
