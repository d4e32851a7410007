package proto

import (
	"encoding/json"
)

const (
	MsgTypeEvent       = "event"
	MsgTypeSyncSummary = "sync_summary"

	MaxEventDeps = 64
)

// EventMsg is the wire and log form of a signed event.
type EventMsg struct {
	Type      string   `json:"type"`
	Author    string   `json:"author"`
	AuthorPub string   `json:"author_pub"`
	Seq       uint64   `json:"seq"`
	Deps      []string `json:"deps,omitempty"`
	Payload   string   `json:"payload,omitempty"`
	// Folded marks a compacted event: Payload is absent and Digest holds
	// the payload commitment.
	Folded bool   `json:"folded,omitempty"`
	Digest string `json:"digest,omitempty"`
	Hash   string `json:"hash"`
	Sig    string `json:"sig"`
}

func EncodeEventMsg(m EventMsg) ([]byte, error) {
	m.Type = MsgTypeEvent
	return json.Marshal(m)
}

func DecodeEventMsg(data []byte) (EventMsg, error) {
	var m EventMsg
	if err := decodeTyped(data, MsgTypeEvent, &m); err != nil {
		return EventMsg{}, err
	}
	return m, nil
}

// SyncSummaryMsg announces a node's per-author frontier so the receiver can
// reply with events the sender lacks.
type SyncSummaryMsg struct {
	Type     string            `json:"type"`
	Frontier map[string]uint64 `json:"frontier"`
}

func EncodeSyncSummaryMsg(m SyncSummaryMsg) ([]byte, error) {
	m.Type = MsgTypeSyncSummary
	if m.Frontier == nil {
		m.Frontier = map[string]uint64{}
	}
	return json.Marshal(m)
}

func DecodeSyncSummaryMsg(data []byte) (SyncSummaryMsg, error) {
	var m SyncSummaryMsg
	if err := decodeTyped(data, MsgTypeSyncSummary, &m); err != nil {
		return SyncSummaryMsg{}, err
	}
	for author := range m.Frontier {
		if _, err := DecodeNodeIDHex(author); err != nil {
			return SyncSummaryMsg{}, err
		}
	}
	return m, nil
}
