package node

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshterm/internal/crypto"
)

func TestDeriveNodeIDStable(t *testing.T) {
	pub := []byte("test-pubkey")
	a := DeriveNodeID(pub)
	b := DeriveNodeID(pub)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, DeriveNodeID([]byte("other")))
	assert.Len(t, a.Short(), 8)
}

func TestLoadOrCreateIdentityPersists(t *testing.T) {
	home := t.TempDir()
	n, err := LoadOrCreateIdentity(home, Options{Name: "alpha"})
	require.NoError(t, err)
	require.Len(t, n.PubKey, crypto.PublicKeySize)
	assert.Equal(t, DeriveNodeID(n.PubKey), n.ID)

	again, err := LoadOrCreateIdentity(home, Options{})
	require.NoError(t, err)
	assert.Equal(t, n.ID, again.ID)
	assert.Equal(t, "alpha", again.Name)
}

func TestLoadOrCreateIdentityCorruptFails(t *testing.T) {
	home := t.TempDir()
	_, err := LoadOrCreateIdentity(home, Options{})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(home, "identity", "priv.hex"), []byte("nothex"), 0600))
	_, err = LoadOrCreateIdentity(home, Options{})
	assert.Error(t, err, "corrupt identity must not be regenerated")
}

func TestSignVerify(t *testing.T) {
	n, err := LoadOrCreateIdentity(t.TempDir(), Options{})
	require.NoError(t, err)
	sig, err := n.Sign([]byte("msg"))
	require.NoError(t, err)
	assert.True(t, Verify(n.PubKey, []byte("msg"), sig))
	assert.False(t, Verify(n.PubKey, []byte("msg2"), sig))
	assert.False(t, Verify([]byte("short"), []byte("msg"), sig))
}

func TestParsePeerID(t *testing.T) {
	n, err := LoadOrCreateIdentity(t.TempDir(), Options{})
	require.NoError(t, err)
	id, err := ParsePeerID(n.ID.String())
	require.NoError(t, err)
	assert.Equal(t, n.ID, id)
	_, err = ParsePeerID("abcd")
	assert.Error(t, err)

	var low, high PeerID
	high[0] = 1
	assert.True(t, low.Less(high))
	assert.False(t, high.Less(low))
	assert.False(t, low.Less(low))
}
