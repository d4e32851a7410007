package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionAEADSealOpen(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, XKeySize)
	base := bytes.Repeat([]byte{0x02}, XNonceSize)
	nonce, err := NonceFromBase(base, 7)
	require.NoError(t, err)
	aad := []byte("hdr:chan:7")
	plain := []byte("payload")
	sealed, err := XSealWithNonce(key, nonce, plain, aad)
	require.NoError(t, err)
	opened, err := XOpen(key, nonce, sealed, aad)
	require.NoError(t, err)
	assert.Equal(t, plain, opened)
}

func TestSessionAEADTamperFails(t *testing.T) {
	key := bytes.Repeat([]byte{0x03}, XKeySize)
	aad := []byte("hdr:1")
	nonce, sealed, err := XSeal(key, []byte("payload"), aad)
	require.NoError(t, err)

	sealed[0] ^= 0xff
	_, err = XOpen(key, nonce, sealed, aad)
	assert.Error(t, err)

	sealed[0] ^= 0xff
	_, err = XOpen(key, nonce, sealed, []byte("hdr:2"))
	assert.Error(t, err, "aad is authenticated")
}

func TestDeriveSessionKeysSwap(t *testing.T) {
	keys, err := DeriveSessionKeys([]byte("shared"), []byte("transcript"))
	require.NoError(t, err)
	other := keys.Swap()
	assert.Equal(t, keys.SendKey, other.RecvKey)
	assert.Equal(t, keys.NonceBaseRecv, other.NonceBaseSend)
	assert.NotEqual(t, keys.SendKey, keys.RecvKey)

	_, err = DeriveSessionKeys(nil, []byte("t"))
	assert.ErrorIs(t, err, ErrKeyMaterial)
}
