package crypto

import (
	"encoding/binary"
	"errors"
)

const (
	labelKDFMaster = "meshterm:kdf:v1"
	labelSendKey   = "meshterm:send:v1"
	labelRecvKey   = "meshterm:recv:v1"
	labelNonceSend = "meshterm:ns:send:v1"
	labelNonceRecv = "meshterm:ns:recv:v1"
)

// SessionKeys are named from the initiator's point of view; the responder
// swaps send and recv.
type SessionKeys struct {
	Master        []byte
	SendKey       []byte
	RecvKey       []byte
	NonceBaseSend []byte
	NonceBaseRecv []byte
}

func DeriveSessionKeys(ss, transcript []byte) (SessionKeys, error) {
	if len(ss) == 0 || len(transcript) == 0 {
		return SessionKeys{}, ErrKeyMaterial
	}
	master := KDF(labelKDFMaster, ss, transcript)
	return SessionKeys{
		Master:        master,
		SendKey:       KDF(labelSendKey, master),
		RecvKey:       KDF(labelRecvKey, master),
		NonceBaseSend: KDF(labelNonceSend, master)[:XNonceSize],
		NonceBaseRecv: KDF(labelNonceRecv, master)[:XNonceSize],
	}, nil
}

// Swap returns the responder's view of the same keys.
func (k SessionKeys) Swap() SessionKeys {
	return SessionKeys{
		Master:        k.Master,
		SendKey:       k.RecvKey,
		RecvKey:       k.SendKey,
		NonceBaseSend: k.NonceBaseRecv,
		NonceBaseRecv: k.NonceBaseSend,
	}
}

func NonceFromBase(base []byte, counter uint64) ([]byte, error) {
	if len(base) != XNonceSize {
		return nil, errors.New("bad nonce base size")
	}
	nonce := make([]byte, XNonceSize)
	copy(nonce, base)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], counter)
	for i := 0; i < 8; i++ {
		nonce[XNonceSize-8+i] ^= tmp[i]
	}
	return nonce, nil
}
