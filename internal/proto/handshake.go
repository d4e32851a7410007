package proto

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const (
	MsgTypeHello1 = "hello1"
	MsgTypeHello2 = "hello2"

	MaxHelloSize = 8 << 10
)

// Hello1Msg opens a session. ToNodeID is all zeros when the dialer only
// knows an address.
type Hello1Msg struct {
	Type       string `json:"type"`
	Version    string `json:"version"`
	FromNodeID string `json:"from_node_id"`
	FromPub    string `json:"from_pub"`
	ToNodeID   string `json:"to_node_id"`
	ListenAddr string `json:"listen_addr,omitempty"`
	Name       string `json:"name,omitempty"`
	EA         string `json:"ea"`
	Na         string `json:"na"`
	Sig        string `json:"sig"`
}

type Hello2Msg struct {
	Type       string `json:"type"`
	Version    string `json:"version"`
	FromNodeID string `json:"from_node_id"`
	FromPub    string `json:"from_pub"`
	ToNodeID   string `json:"to_node_id"`
	ListenAddr string `json:"listen_addr,omitempty"`
	Name       string `json:"name,omitempty"`
	EB         string `json:"eb"`
	Nb         string `json:"nb"`
	Sig        string `json:"sig"`
}

func EncodeHello1Msg(m Hello1Msg) ([]byte, error) {
	m.Type = MsgTypeHello1
	if m.Version == "" {
		m.Version = ProtoVersion
	}
	return json.Marshal(m)
}

func DecodeHello1Msg(data []byte) (Hello1Msg, error) {
	var m Hello1Msg
	if err := decodeTyped(data, MsgTypeHello1, &m); err != nil {
		return Hello1Msg{}, err
	}
	if m.Version != ProtoVersion {
		return Hello1Msg{}, fmt.Errorf("unsupported version %q", m.Version)
	}
	return m, nil
}

func EncodeHello2Msg(m Hello2Msg) ([]byte, error) {
	m.Type = MsgTypeHello2
	if m.Version == "" {
		m.Version = ProtoVersion
	}
	return json.Marshal(m)
}

func DecodeHello2Msg(data []byte) (Hello2Msg, error) {
	var m Hello2Msg
	if err := decodeTyped(data, MsgTypeHello2, &m); err != nil {
		return Hello2Msg{}, err
	}
	if m.Version != ProtoVersion {
		return Hello2Msg{}, fmt.Errorf("unsupported version %q", m.Version)
	}
	return m, nil
}

// HelloBytes is the transcript contribution of one hello.
func HelloBytes(fromID, toID [32]byte, eph, nonce []byte) []byte {
	buf := make([]byte, 0, 64+len(eph)+len(nonce))
	buf = append(buf, fromID[:]...)
	buf = append(buf, toID[:]...)
	buf = append(buf, eph...)
	buf = append(buf, nonce...)
	return buf
}

// HelloFields are the decoded binary members shared by both hellos.
type HelloFields struct {
	FromID  [32]byte
	ToID    [32]byte
	FromPub []byte
	Eph     []byte
	Nonce   []byte
	Sig     []byte
}

func decodeHelloFields(fromID, fromPub, toID, eph, nonce, sig string) (HelloFields, error) {
	var f HelloFields
	var err error
	if f.FromID, err = DecodeNodeIDHex(fromID); err != nil {
		return f, fmt.Errorf("bad from_node_id")
	}
	if f.ToID, err = DecodeNodeIDHex(toID); err != nil {
		return f, fmt.Errorf("bad to_node_id")
	}
	if f.FromPub, err = hex.DecodeString(fromPub); err != nil || len(f.FromPub) != 32 {
		return f, fmt.Errorf("bad from_pub")
	}
	if f.Eph, err = hex.DecodeString(eph); err != nil || len(f.Eph) != 32 {
		return f, fmt.Errorf("bad ephemeral")
	}
	if f.Nonce, err = hex.DecodeString(nonce); err != nil || len(f.Nonce) != 32 {
		return f, fmt.Errorf("bad nonce")
	}
	if f.Sig, err = hex.DecodeString(sig); err != nil || len(f.Sig) == 0 {
		return f, fmt.Errorf("bad sig")
	}
	return f, nil
}

func DecodeHello1Fields(m Hello1Msg) (HelloFields, error) {
	return decodeHelloFields(m.FromNodeID, m.FromPub, m.ToNodeID, m.EA, m.Na, m.Sig)
}

func DecodeHello2Fields(m Hello2Msg) (HelloFields, error) {
	return decodeHelloFields(m.FromNodeID, m.FromPub, m.ToNodeID, m.EB, m.Nb, m.Sig)
}
