package proto

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const (
	MsgTypeBeacon = "beacon"
	MaxBeaconSize = 1 << 10
)

// BeaconMsg is the signed multicast announcement of a listening node.
type BeaconMsg struct {
	Type       string `json:"type"`
	Version    string `json:"version"`
	NodeID     string `json:"node_id"`
	Pub        string `json:"pub"`
	ListenAddr string `json:"listen_addr"`
	Name       string `json:"name,omitempty"`
	TS         int64  `json:"ts"`
	Sig        string `json:"sig"`
}

func EncodeBeaconMsg(m BeaconMsg) ([]byte, error) {
	m.Type = MsgTypeBeacon
	if m.Version == "" {
		m.Version = ProtoVersion
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxBeaconSize {
		return nil, fmt.Errorf("beacon too large")
	}
	return data, nil
}

func DecodeBeaconMsg(data []byte) (BeaconMsg, error) {
	if len(data) > MaxBeaconSize {
		return BeaconMsg{}, fmt.Errorf("beacon too large")
	}
	var m BeaconMsg
	if err := decodeTyped(data, MsgTypeBeacon, &m); err != nil {
		return BeaconMsg{}, err
	}
	if m.Version != ProtoVersion {
		return BeaconMsg{}, fmt.Errorf("unsupported version %q", m.Version)
	}
	return m, nil
}

// BeaconSigInput is the byte string a beacon signature covers.
func BeaconSigInput(nodeID [32]byte, pub []byte, listenAddr, name string, ts int64) []byte {
	buf := make([]byte, 0, 16+32+len(pub)+len(listenAddr)+len(name)+8)
	buf = append(buf, "meshterm:beacon:v1"...)
	buf = append(buf, nodeID[:]...)
	buf = append(buf, pub...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(listenAddr)))
	buf = append(buf, listenAddr...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(name)))
	buf = append(buf, name...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(ts))
	return buf
}

func DecodeBeaconFields(m BeaconMsg) ([32]byte, []byte, []byte, error) {
	id, err := DecodeNodeIDHex(m.NodeID)
	if err != nil {
		return id, nil, nil, err
	}
	pub, err := hex.DecodeString(m.Pub)
	if err != nil || len(pub) != 32 {
		return id, nil, nil, fmt.Errorf("bad pub")
	}
	sig, err := hex.DecodeString(m.Sig)
	if err != nil || len(sig) == 0 {
		return id, nil, nil, fmt.Errorf("bad sig")
	}
	return id, pub, sig, nil
}
