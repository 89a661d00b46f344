package model

import (
	"encoding/json"
	"fmt"
)

// Frame types on the live channel. The server omits the type on plain
// chat broadcasts, so an empty type is treated as a chat frame.
const (
	FrameChat  = "chat_message"
	FrameError = "error"
)

// Frame is the envelope exchanged on the live channel. The message
// field is polymorphic: a Message object on chat frames, a plain
// string on error frames.
type Frame struct {
	Type    string          `json:"type,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

// EncodeChatFrame wraps an outbound message in a send command.
func EncodeChatFrame(m *Message) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: FrameChat, Message: raw})
}

// EncodeErrorFrame wraps a server error reason.
func EncodeErrorFrame(reason string) ([]byte, error) {
	raw, err := json.Marshal(reason)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: FrameError, Message: raw})
}

// DecodeFrame parses a raw inbound frame into either a chat message or
// an error reason. Exactly one of the two returns is set.
func DecodeFrame(data []byte) (*Message, string, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, "", fmt.Errorf("malformed frame: %w", err)
	}

	switch f.Type {
	case FrameError:
		var reason string
		if err := json.Unmarshal(f.Message, &reason); err != nil {
			return nil, "", fmt.Errorf("malformed error frame: %w", err)
		}
		return nil, reason, nil
	case "", FrameChat:
		if len(f.Message) == 0 {
			return nil, "", fmt.Errorf("frame without message payload")
		}
		var m Message
		if err := json.Unmarshal(f.Message, &m); err != nil {
			return nil, "", fmt.Errorf("malformed chat frame: %w", err)
		}
		return &m, "", nil
	default:
		return nil, "", fmt.Errorf("unsupported frame type %q", f.Type)
	}
}
