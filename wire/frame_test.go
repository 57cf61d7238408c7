package wire

import (
	"testing"

	"github.com/relaymesh/relaymesh/crypto"
	"github.com/relaymesh/relaymesh/route"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	signer, err := crypto.GenerateKey()
	require.NoError(t, err)

	src := route.New(nil, "session-a", "channel-a")
	dst := route.New(nil, "session-b", "channel-b")
	send, err := NewSend(src, dst)
	require.NoError(t, err)

	raw, err := Encode(signer, 12345, []Header{send}, RetryOriginal, nil, []byte("payload"))
	require.NoError(t, err)

	f, err := Decode(raw)
	require.NoError(t, err)
	require.NoError(t, f.Verify(signer.Public()))
	require.Equal(t, uint32(12345), f.Timestamp)
	require.Equal(t, []byte("payload"), f.Payload)
	require.Equal(t, byte(RetryOriginal), f.Retry)

	headers, err := DecodeHeaders(f.Headers)
	require.NoError(t, err)
	require.Len(t, headers, 1)
	require.Equal(t, ActionSend, headers[0].Action)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	signer, err := crypto.GenerateKey()
	require.NoError(t, err)

	raw, err := Encode(signer, 1, nil, RetryOriginal, nil, []byte("payload"))
	require.NoError(t, err)

	f, err := Decode(raw)
	require.NoError(t, err)
	f.Payload[0] ^= 0xff
	require.Error(t, f.Verify(signer.Public()))
}

func TestAckFrameCarriesAckMsgID(t *testing.T) {
	signer, err := crypto.GenerateKey()
	require.NoError(t, err)

	original, err := Encode(signer, 1, nil, RetryOriginal, nil, []byte("hi"))
	require.NoError(t, err)
	origFrame, err := Decode(original)
	require.NoError(t, err)

	ackRaw, err := Encode(signer, 2, nil, RetryAck, origFrame.MessageID(), nil)
	require.NoError(t, err)
	ack, err := Decode(ackRaw)
	require.NoError(t, err)

	require.True(t, ack.IsAck())
	require.Equal(t, origFrame.MessageID(), ack.AckMsgID)
	require.Empty(t, ack.Payload)
	require.NoError(t, ack.Verify(signer.Public()))
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	_, err := Decode(make([]byte, 10))
	require.Error(t, err)
}

func TestHeaderListPreservesOrder(t *testing.T) {
	listen, err := NewListen(ListenContent{Session: "s", Channel: "c", IsPublic: true})
	require.NoError(t, err)
	issue, err := NewTokenIssue([]byte("tok"), nil)
	require.NoError(t, err)

	encoded, err := EncodeHeaders([]Header{listen, issue})
	require.NoError(t, err)

	decoded, err := DecodeHeaders(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	require.Equal(t, ActionListen, decoded[0].Action)
	require.Equal(t, ActionToken, decoded[1].Action)
}
