package channel

import (
	"encoding/json"
	"fmt"

	"fullscreen/board/internal/replica"
)

// Message kinds exchanged over a relay.
const (
	KindUpdate    = "update"
	KindAwareness = "awareness"
	// KindSync asks every peer in the room to send its full state.
	KindSync = "sync"
)

// Message is the JSON envelope relayed between peers of a room.
type Message struct {
	Kind      string                   `json:"kind"`
	From      string                   `json:"from,omitempty"`
	Update    []byte                   `json:"update,omitempty"`
	Awareness *replica.AwarenessUpdate `json:"awareness,omitempty"`
}

func EncodeMessage(msg Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return raw, nil
}

func DecodeMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	switch msg.Kind {
	case KindUpdate:
		if len(msg.Update) == 0 {
			return Message{}, fmt.Errorf("decode message: update without payload")
		}
	case KindAwareness:
		if msg.Awareness == nil {
			return Message{}, fmt.Errorf("decode message: awareness without payload")
		}
	case KindSync:
	default:
		return Message{}, fmt.Errorf("decode message: unknown kind %q", msg.Kind)
	}
	return msg, nil
}
