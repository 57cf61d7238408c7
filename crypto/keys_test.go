package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	k, err := GenerateKey()
	require.NoError(t, err)

	msg := []byte("relaymesh frame")
	sig := k.Sign(msg)
	require.NoError(t, k.Public().Verify(msg, sig))

	sig[0] ^= 0xff
	require.ErrorIs(t, k.Public().Verify(msg, sig), ErrInvalidSignature)
}

func TestNewPrivateKeyFromSeedRoundTrips(t *testing.T) {
	k, err := GenerateKey()
	require.NoError(t, err)

	rebuilt, err := NewPrivateKeyFromSeed(k.Seed())
	require.NoError(t, err)
	require.True(t, k.Public().Equal(rebuilt.Public()))
}

func TestPublicKeyID(t *testing.T) {
	k, err := GenerateKey()
	require.NoError(t, err)

	id1 := k.Public().ID()
	id2, err := NewPublicKey(k.Public().Bytes())
	require.NoError(t, err)
	require.Equal(t, id1, id2.ID())
}
