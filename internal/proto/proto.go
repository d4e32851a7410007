// internal/proto/proto.go
package proto

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const ProtoVersion = "1"

// MaxSizeForType caps frames by their sniffed type; zero means no extra cap.
func MaxSizeForType(msgType string) int {
	switch msgType {
	case MsgTypeHello1, MsgTypeHello2:
		return MaxHelloSize
	case MsgTypeSealedFrame:
		return MaxSealedFrameSize
	case MsgTypeBeacon:
		return MaxBeaconSize
	default:
		return 0
	}
}

// PeekType returns the "type" member of a JSON message.
func PeekType(data []byte) (string, error) {
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil {
		return "", err
	}
	if hdr.Type == "" {
		return "", fmt.Errorf("missing type")
	}
	return hdr.Type, nil
}

func decodeTyped(data []byte, want string, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return err
	}
	got, err := PeekType(data)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("unexpected msg type: %s", got)
	}
	return nil
}

func DecodeNodeIDHex(s string) ([32]byte, error) {
	var id [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return id, fmt.Errorf("bad node id")
	}
	copy(id[:], b)
	return id, nil
}

func EncodeBytes(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func DecodeBytes(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
