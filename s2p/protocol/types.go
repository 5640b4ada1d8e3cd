package protocol

import "fmt"

type MessageType uint8

const (
	MessageTypeText MessageType = iota + 1
	MessageTypeCommand
	MessageTypeHeartbeat
	MessageTypeAck
	MessageTypePairRequest
	MessageTypePairAck
	MessageTypeWord
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeText:
		return "TEXT"
	case MessageTypeCommand:
		return "COMMAND"
	case MessageTypeHeartbeat:
		return "HEARTBEAT"
	case MessageTypeAck:
		return "ACK"
	case MessageTypePairRequest:
		return "PAIR_REQ"
	case MessageTypePairAck:
		return "PAIR_ACK"
	case MessageTypeWord:
		return "WORD"
	default:
		return "UNKNOWN"
	}
}

// ParseMessageType maps a wire name back to its MessageType.
func ParseMessageType(s string) (MessageType, error) {
	for t := MessageTypeText; t <= MessageTypeWord; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// IsHandshake reports whether t belongs to pairing. Handshake payloads are
// never encrypted.
func (t MessageType) IsHandshake() bool {
	return t == MessageTypePairRequest || t == MessageTypePairAck
}

// NeedsAck reports whether the sender waits for an ACK echoing the timestamp.
func (t MessageType) NeedsAck() bool {
	return t != MessageTypeAck && t != MessageTypeHeartbeat
}

// MarshalText implements encoding.TextMarshaler so the wire carries the name.
func (t MessageType) MarshalText() ([]byte, error) {
	if t < MessageTypeText || t > MessageTypeWord {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *MessageType) UnmarshalText(b []byte) error {
	parsed, err := ParseMessageType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
