package relaymesh

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/relaymesh/relaymesh/channel"
	"github.com/relaymesh/relaymesh/connection"
	"github.com/relaymesh/relaymesh/crypto"
	"github.com/relaymesh/relaymesh/internal/testrelay"
	"github.com/relaymesh/relaymesh/session"
	"github.com/relaymesh/relaymesh/token"
	"github.com/relaymesh/relaymesh/wire"
)

// quickCfg shortens the retry clocks so failure-path tests finish in
// well under a second while keeping the same state machine.
func quickCfg() connection.Config {
	return connection.Config{
		ResendTimeout:    200 * time.Millisecond,
		MaxSendRetries:   3,
		HandshakeTimeout: 2 * time.Second,
		ReconnectBackoff: 100 * time.Millisecond,
		MaxReconnects:    3,
	}
}

func newPeerSession(t *testing.T) *session.Session {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return session.New(key)
}

// runPeer connects sess to relay and blocks until the handshake
// completes. Channels the session should be reachable on must already be
// registered, so the post-handshake state replay announces them.
func runPeer(ctx context.Context, t *testing.T, sess *session.Session, relay *testrelay.Relay) *connection.Connection {
	t.Helper()
	conn := connection.New(sess, relay.Dialer(), connection.WithConfig(quickCfg()))
	go conn.Run(ctx)
	require.NoError(t, conn.WaitConnected(ctx))
	return conn
}

func TestEndToEndPublicChannelEcho(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	relay, err := testrelay.New()
	require.NoError(t, err)
	brokers := []string{relay.BrokerID()}

	aliceSess := newPeerSession(t)
	aliceCh, err := channel.New(aliceSess, brokers, true)
	require.NoError(t, err)
	aliceConn := runPeer(ctx, t, aliceSess, relay)
	defer aliceConn.Close()

	bobSess := newPeerSession(t)
	bobCh, err := channel.New(bobSess, brokers, true)
	require.NoError(t, err)
	bobConn := runPeer(ctx, t, bobSess, relay)
	defer bobConn.Close()

	_, err = bobCh.Send(ctx, aliceCh.Route(), bson.D{{Key: "text", Value: "Hello, "}})
	require.NoError(t, err)

	got, err := aliceCh.Recv(ctx)
	require.NoError(t, err)
	doc, ok := got.(bson.D)
	require.True(t, ok)
	require.Equal(t, "Hello, ", doc.Map()["text"])

	// and back the other way, completing the greeting
	_, err = aliceCh.Send(ctx, bobCh.Route(), bson.D{{Key: "text", Value: "Hello, World"}})
	require.NoError(t, err)

	got, err = bobCh.Recv(ctx)
	require.NoError(t, err)
	doc, ok = got.(bson.D)
	require.True(t, ok)
	require.Equal(t, "Hello, World", doc.Map()["text"])
}

func TestEndToEndLargePayloadChunking(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	relay, err := testrelay.New()
	require.NoError(t, err)
	brokers := []string{relay.BrokerID()}

	aliceSess := newPeerSession(t)
	aliceCh, err := channel.New(aliceSess, brokers, true)
	require.NoError(t, err)
	aliceConn := runPeer(ctx, t, aliceSess, relay)
	defer aliceConn.Close()

	bobSess := newPeerSession(t)
	bobCh, err := channel.New(bobSess, brokers, true)
	require.NoError(t, err)
	bobConn := runPeer(ctx, t, bobSess, relay)
	defer bobConn.Close()

	// larger than MaxPayloadLen, so the send must fragment into several
	// encrypted chunks that alice reassembles in index order
	big := bytes.Repeat([]byte("a"), 1<<20)
	require.Greater(t, len(big), wire.MaxPayloadLen)

	_, err = bobCh.Send(ctx, aliceCh.Route(), bson.D{{Key: "data", Value: big}})
	require.NoError(t, err)

	got, err := aliceCh.Recv(ctx)
	require.NoError(t, err)
	doc, ok := got.(bson.D)
	require.True(t, ok)
	bin, ok := doc.Map()["data"].(primitive.Binary)
	require.True(t, ok)
	require.Equal(t, big, bin.Data)
}

func TestEndToEndDelegatedAccessWithMaxDepth(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	relay, err := testrelay.New()
	require.NoError(t, err)
	brokers := []string{relay.BrokerID()}

	aliceSess := newPeerSession(t)
	aliceCh, err := channel.New(aliceSess, brokers, false)
	require.NoError(t, err)
	aliceConn := runPeer(ctx, t, aliceSess, relay)
	defer aliceConn.Close()

	bobSess := newPeerSession(t)
	carolSess := newPeerSession(t)
	carolCh, err := channel.New(carolSess, brokers, false)
	require.NoError(t, err)
	carolConn := runPeer(ctx, t, carolSess, relay)
	defer carolConn.Close()

	// alice delegates her channel to bob with max depth 1; bob extends
	// to carol, exactly exhausting the depth budget
	chanPub, err := crypto.ParseSessionID(aliceCh.ChannelID())
	require.NoError(t, err)
	maxDepth := uint32(1)
	root, err := aliceSess.IssueRootToken(chanPub.Bytes(), bobSess.ID(), &maxDepth)
	require.NoError(t, err)
	ext, err := bobSess.IssueExtensionToken(root, carolSess.ID(), nil)
	require.NoError(t, err)

	rootEnc, err := root.Encode()
	require.NoError(t, err)
	extEnc, err := ext.Encode()
	require.NoError(t, err)

	dest := aliceCh.Route().WithTokens([][]byte{rootEnc, extEnc})
	_, err = carolCh.Send(ctx, dest, bson.D{{Key: "from", Value: "carol"}})
	require.NoError(t, err)

	got, err := aliceCh.Recv(ctx)
	require.NoError(t, err)
	doc, ok := got.(bson.D)
	require.True(t, ok)
	require.Equal(t, "carol", doc.Map()["from"])

	// carol delegating onward to dave exceeds the depth bound any
	// ancestor declared, so the extended chain no longer validates
	daveSess := newPeerSession(t)
	ext2, err := carolSess.IssueExtensionToken(ext, daveSess.ID(), nil)
	require.NoError(t, err)
	ext2Enc, err := ext2.Encode()
	require.NoError(t, err)

	chain := [][]byte{rootEnc, extEnc, ext2Enc}
	ok = token.ValidateChain(aliceSess.Key().Public(), chanPub.Bytes(), daveSess.ID(), chain, token.DecodingResolver{}, aliceSess)
	require.False(t, ok)
}

func TestEndToEndRevocationDropsUnacked(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	relay, err := testrelay.New()
	require.NoError(t, err)
	brokers := []string{relay.BrokerID()}

	aliceSess := newPeerSession(t)
	aliceCh, err := channel.New(aliceSess, brokers, false)
	require.NoError(t, err)
	aliceConn := runPeer(ctx, t, aliceSess, relay)
	defer aliceConn.Close()

	bobSess := newPeerSession(t)
	bobCh, err := channel.New(bobSess, brokers, false)
	require.NoError(t, err)
	bobConn := runPeer(ctx, t, bobSess, relay)
	defer bobConn.Close()

	chanPub, err := crypto.ParseSessionID(aliceCh.ChannelID())
	require.NoError(t, err)
	root, err := aliceSess.IssueRootToken(chanPub.Bytes(), bobSess.ID(), nil)
	require.NoError(t, err)
	rootEnc, err := root.Encode()
	require.NoError(t, err)
	dest := aliceCh.Route().WithTokens([][]byte{rootEnc})

	_, err = bobCh.Send(ctx, dest, bson.D{{Key: "n", Value: int32(1)}})
	require.NoError(t, err)
	_, err = aliceCh.Recv(ctx)
	require.NoError(t, err)

	aliceSess.RevokeToken(root.Signature)

	// the chain now traverses a revoked token: alice drops the frame
	// without acking, and bob's send fails terminally after its retries
	_, err = bobCh.Send(ctx, dest, bson.D{{Key: "n", Value: int32(2)}})
	require.ErrorIs(t, err, connection.ErrExceededRetries)
}
