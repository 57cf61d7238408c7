package token

import (
	"testing"

	"github.com/relaymesh/relaymesh/crypto"
	"github.com/stretchr/testify/require"
)

type staticResolver map[string]crypto.PublicKey

func (r staticResolver) ResolvePublicKey(id string) (crypto.PublicKey, bool) {
	k, ok := r[id]
	return k, ok
}

type staticLedger map[string]bool

func (l staticLedger) Contains(sig []byte) bool {
	return l[string(sig)]
}

func TestIssueAndVerifyRootToken(t *testing.T) {
	owner, err := crypto.GenerateKey()
	require.NoError(t, err)
	receiver, err := crypto.GenerateKey()
	require.NoError(t, err)

	channelID := []byte("channel-1")
	tok, err := IssueRoot(owner, nil, receiver.Public().SessionID(), channelID, nil)
	require.NoError(t, err)

	require.NoError(t, tok.Verify(owner.Public()))
	require.True(t, tok.AssetEqual(channelID))
}

func TestValidateChainSingleHop(t *testing.T) {
	owner, _ := crypto.GenerateKey()
	holder, _ := crypto.GenerateKey()

	channelID := []byte("channel-1")
	root, err := IssueRoot(owner, nil, holder.Public().SessionID(), channelID, nil)
	require.NoError(t, err)

	resolver := staticResolver{owner.Public().SessionID(): owner.Public()}
	ledger := staticLedger{string(root.Signature): true}

	ok := ValidateChain(owner.Public(), channelID, holder.Public().SessionID(), [][]byte{mustEncode(t, root)}, resolver, ledger)
	require.True(t, ok)
}

func TestValidateChainExtension(t *testing.T) {
	owner, _ := crypto.GenerateKey()
	mid, _ := crypto.GenerateKey()
	leaf, _ := crypto.GenerateKey()

	channelID := []byte("channel-1")
	root, err := IssueRoot(owner, nil, mid.Public().SessionID(), channelID, nil)
	require.NoError(t, err)
	ext, err := IssueExtension(mid, nil, leaf.Public().SessionID(), root, nil)
	require.NoError(t, err)

	resolver := staticResolver{
		owner.Public().SessionID(): owner.Public(),
		mid.Public().SessionID():   mid.Public(),
	}
	ledger := staticLedger{
		string(root.Signature): true,
		string(ext.Signature):  true,
	}

	ok := ValidateChain(owner.Public(), channelID, leaf.Public().SessionID(),
		[][]byte{mustEncode(t, root), mustEncode(t, ext)}, resolver, ledger)
	require.True(t, ok)
}

func TestValidateChainRejectsRevokedToken(t *testing.T) {
	owner, _ := crypto.GenerateKey()
	holder, _ := crypto.GenerateKey()
	channelID := []byte("channel-1")
	root, err := IssueRoot(owner, nil, holder.Public().SessionID(), channelID, nil)
	require.NoError(t, err)

	resolver := staticResolver{owner.Public().SessionID(): owner.Public()}
	ledger := staticLedger{} // revoked: signature absent

	ok := ValidateChain(owner.Public(), channelID, holder.Public().SessionID(), [][]byte{mustEncode(t, root)}, resolver, ledger)
	require.False(t, ok)
}

func TestValidateChainRejectsMaxDepth(t *testing.T) {
	owner, _ := crypto.GenerateKey()
	mid, _ := crypto.GenerateKey()
	leaf, _ := crypto.GenerateKey()
	channelID := []byte("channel-1")

	zero := uint32(0)
	root, err := IssueRoot(owner, nil, mid.Public().SessionID(), channelID, &zero)
	require.NoError(t, err)
	ext, err := IssueExtension(mid, nil, leaf.Public().SessionID(), root, nil)
	require.NoError(t, err)

	resolver := staticResolver{
		owner.Public().SessionID(): owner.Public(),
		mid.Public().SessionID():   mid.Public(),
	}
	ledger := staticLedger{
		string(root.Signature): true,
		string(ext.Signature):  true,
	}

	ok := ValidateChain(owner.Public(), channelID, leaf.Public().SessionID(),
		[][]byte{mustEncode(t, root), mustEncode(t, ext)}, resolver, ledger)
	require.False(t, ok)
}

func mustEncode(t *testing.T, tok Token) []byte {
	t.Helper()
	b, err := tok.Encode()
	require.NoError(t, err)
	return b
}
