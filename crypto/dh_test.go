package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSharedKeyAgreesBothDirections(t *testing.T) {
	a, err := GenerateKey()
	require.NoError(t, err)
	b, err := GenerateKey()
	require.NoError(t, err)

	keyAB, err := a.SharedKey(b.Public())
	require.NoError(t, err)
	keyBA, err := b.SharedKey(a.Public())
	require.NoError(t, err)

	require.Equal(t, keyAB, keyBA)
	require.Len(t, keyAB, 32)
}

func TestSharedKeyDiffersForDifferentPeers(t *testing.T) {
	a, err := GenerateKey()
	require.NoError(t, err)
	b, err := GenerateKey()
	require.NoError(t, err)
	c, err := GenerateKey()
	require.NoError(t, err)

	ab, err := a.SharedKey(b.Public())
	require.NoError(t, err)
	ac, err := a.SharedKey(c.Public())
	require.NoError(t, err)
	require.NotEqual(t, ab, ac)
}

func TestSealOpenRoundTrip(t *testing.T) {
	a, err := GenerateKey()
	require.NoError(t, err)
	b, err := GenerateKey()
	require.NoError(t, err)
	key, err := a.SharedKey(b.Public())
	require.NoError(t, err)

	plaintext := []byte("chunked channel payload")
	sealed, err := Seal(key, plaintext, nil)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, sealed)

	opened, err := Open(key, sealed, nil)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	a, err := GenerateKey()
	require.NoError(t, err)
	key, err := a.SharedKey(a.Public())
	require.NoError(t, err)

	sealed, err := Seal(key, []byte("hello"), nil)
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = Open(key, sealed, nil)
	require.Error(t, err)
}
