package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/peliorg/speech2prompt-sub002/s2p/crypto"
)

// Version is the envelope version this package speaks.
const Version = 1

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrUnknownType        = errors.New("protocol: unknown message type")
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrMalformed          = errors.New("protocol: malformed message")
	ErrChecksumMismatch   = errors.New("protocol: checksum mismatch")
	ErrDecrypt            = errors.New("protocol: payload decryption failed")
)

// HandshakeSecret is the checksum secret used before a session key exists.
// PAIR_REQ, PAIR_ACK and any pre-session message are signed with it.
var HandshakeSecret = []byte{}

// Message is the envelope carried by the packet layer.
type Message struct {
	Version   int         `json:"v"`
	Type      MessageType `json:"t"`
	Payload   string      `json:"p"`
	Timestamp int64       `json:"ts"`
	Checksum  string      `json:"cs"`
}

// New builds an unsigned message stamped with the current time.
func New(t MessageType, payload string) Message {
	return Message{
		Version:   Version,
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewAck builds an ACK echoing ts.
func NewAck(ts int64) Message {
	return New(MessageTypeAck, strconv.FormatInt(ts, 10))
}

// AckedTimestamp returns the timestamp echoed by an ACK.
func (m *Message) AckedTimestamp() (int64, error) {
	if m.Type != MessageTypeAck {
		return 0, fmt.Errorf("%w: %s is not an ACK", ErrMalformed, m.Type)
	}
	ts, err := strconv.ParseInt(m.Payload, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: ack payload %q", ErrMalformed, m.Payload)
	}
	return ts, nil
}

func (m *Message) computeChecksum(secret []byte) string {
	if len(secret) == 0 {
		secret = HandshakeSecret
	}
	return crypto.Checksum(m.Version, m.Type.String(), m.Payload, m.Timestamp, secret)
}

// Sign sets the checksum over the current (wire-form) payload.
func (m *Message) Sign(secret []byte) {
	m.Checksum = m.computeChecksum(secret)
}

// Verify recomputes the checksum and compares it with the carried one.
func (m *Message) Verify(secret []byte) error {
	if !crypto.ChecksumEqual(m.Checksum, m.computeChecksum(secret)) {
		return fmt.Errorf("%w: %s at %d", ErrChecksumMismatch, m.Type, m.Timestamp)
	}
	return nil
}

// Seal prepares m for the wire. Handshake messages, and every message when
// key is empty, keep a plaintext payload signed with HandshakeSecret. All
// other messages are encrypted with key and signed over the ciphertext.
func (m *Message) Seal(key []byte) error {
	if m.Type.IsHandshake() || len(key) == 0 {
		m.Sign(nil)
		return nil
	}
	ct, err := crypto.Encrypt(m.Payload, key)
	if err != nil {
		return err
	}
	m.Payload = ct
	m.Sign(key)
	return nil
}

// Open verifies and, when applicable, decrypts a received message in place.
// The secret used mirrors Seal.
func (m *Message) Open(key []byte) error {
	if m.Type.IsHandshake() || len(key) == 0 {
		return m.Verify(nil)
	}
	if err := m.Verify(key); err != nil {
		return err
	}
	pt, err := crypto.Decrypt(m.Payload, key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	m.Payload = pt
	return nil
}

// Encode serializes m as a compact JSON line.
func (m *Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Decode parses a JSON envelope. Surrounding whitespace is ignored.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(bytes.TrimSpace(b), &m); err != nil {
		if errors.Is(err, ErrUnknownType) {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Version != Version {
		return Message{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, m.Version)
	}
	if m.Type == 0 {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return m, nil
}
