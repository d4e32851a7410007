package proto

import (
	"encoding/json"
	"errors"
)

const (
	MsgTypeSealedFrame = "frame"
	MaxSealedFrameSize = 512 << 10
)

// SealedFrame is what every gossip stream carries once the handshake is
// done. Box is the session ciphertext of one message; the cleartext header
// fields are authenticated as additional data, so Seq is trusted only after
// Box opens. Seq counts per channel and direction from 1.
type SealedFrame struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	From    string `json:"from"`
	To      string `json:"to"`
	Channel string `json:"channel,omitempty"`
	Seq     uint64 `json:"seq"`
	Box     string `json:"box"`
}

func EncodeSealedFrame(f SealedFrame) ([]byte, error) {
	f.Type = MsgTypeSealedFrame
	return json.Marshal(f)
}

func DecodeSealedFrame(data []byte) (SealedFrame, error) {
	var f SealedFrame
	if err := decodeTyped(data, MsgTypeSealedFrame, &f); err != nil {
		return SealedFrame{}, err
	}
	if f.Seq == 0 || f.Box == "" {
		return SealedFrame{}, errors.New("empty sealed frame")
	}
	return f, nil
}
