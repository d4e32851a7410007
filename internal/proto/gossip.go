package proto

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	MsgTypeSubscribe   = "subscribe"
	MsgTypeUnsubscribe = "unsubscribe"
	MsgTypePing        = "ping"
	MsgTypePong        = "pong"
	MsgTypeTopicOpen   = "topic_open"
	MsgTypeGossip      = "gossip"

	MaxTopicLen = 128
	MaxHops     = 16
)

// ControlMsg travels on the control stream of a peer connection.
type ControlMsg struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics,omitempty"`
	Nonce  uint64   `json:"nonce,omitempty"`
}

func EncodeControlMsg(m ControlMsg) ([]byte, error) {
	switch m.Type {
	case MsgTypeSubscribe, MsgTypeUnsubscribe, MsgTypePing, MsgTypePong:
	default:
		return nil, fmt.Errorf("unexpected control type: %s", m.Type)
	}
	return json.Marshal(m)
}

func DecodeControlMsg(data []byte) (ControlMsg, error) {
	var m ControlMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return ControlMsg{}, err
	}
	switch m.Type {
	case MsgTypeSubscribe, MsgTypeUnsubscribe:
		for _, t := range m.Topics {
			if err := ValidateTopic(t); err != nil {
				return ControlMsg{}, err
			}
		}
	case MsgTypePing, MsgTypePong:
	default:
		return ControlMsg{}, fmt.Errorf("unexpected control type: %s", m.Type)
	}
	return m, nil
}

// TopicOpenMsg is the first frame of every topic substream.
type TopicOpenMsg struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

func EncodeTopicOpenMsg(topic string) ([]byte, error) {
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}
	return json.Marshal(TopicOpenMsg{Type: MsgTypeTopicOpen, Topic: topic})
}

func DecodeTopicOpenMsg(data []byte) (TopicOpenMsg, error) {
	var m TopicOpenMsg
	if err := decodeTyped(data, MsgTypeTopicOpen, &m); err != nil {
		return TopicOpenMsg{}, err
	}
	if err := ValidateTopic(m.Topic); err != nil {
		return TopicOpenMsg{}, err
	}
	return m, nil
}

// GossipMsg is one published message. ID is the hex content hash used for
// dedup; Direct messages are addressed to one peer and never forwarded.
type GossipMsg struct {
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	ID     string `json:"id"`
	Data   string `json:"data"`
	Hops   int    `json:"hops,omitempty"`
	Direct bool   `json:"direct,omitempty"`
}

func EncodeGossipMsg(m GossipMsg) ([]byte, error) {
	m.Type = MsgTypeGossip
	if err := ValidateTopic(m.Topic); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func DecodeGossipMsg(data []byte) (GossipMsg, error) {
	var m GossipMsg
	if err := decodeTyped(data, MsgTypeGossip, &m); err != nil {
		return GossipMsg{}, err
	}
	if err := ValidateTopic(m.Topic); err != nil {
		return GossipMsg{}, err
	}
	if _, err := DecodeNodeIDHex(m.ID); err != nil {
		return GossipMsg{}, fmt.Errorf("bad message id")
	}
	if m.Hops < 0 || m.Hops > MaxHops {
		return GossipMsg{}, fmt.Errorf("bad hops %d", m.Hops)
	}
	return m, nil
}

func ValidateTopic(topic string) error {
	if topic == "" || len(topic) > MaxTopicLen {
		return fmt.Errorf("bad topic length")
	}
	if strings.ContainsAny(topic, " \t\r\n") {
		return fmt.Errorf("bad topic %q", topic)
	}
	return nil
}
