package protocol

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	ErrUnknownCommand = errors.New("protocol: unknown command")
	ErrEmptyWord      = errors.New("protocol: empty word")
)

// PairRequest is the PAIR_REQ payload sent by the initiator.
type PairRequest struct {
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName"`
	PublicKey   string `json:"publicKey"`
}

// PairAck is the PAIR_ACK payload returned by the responder.
type PairAck struct {
	PeerID    string `json:"peerId"`
	PublicKey string `json:"publicKey,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// Word is the WORD payload: one recognized token of a dictation session.
type Word struct {
	Word    string  `json:"word"`
	Seq     *uint64 `json:"seq,omitempty"`
	Session string  `json:"session"`
}

// EncodePayload marshals v into a message payload string.
func EncodePayload(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodePayload unmarshals a message payload into v.
func DecodePayload(payload string, v any) error {
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// ParseWord decodes and validates a WORD payload.
func ParseWord(payload string) (Word, error) {
	var w Word
	if err := DecodePayload(payload, &w); err != nil {
		return Word{}, err
	}
	if w.Word == "" {
		return Word{}, ErrEmptyWord
	}
	if w.Session == "" {
		return Word{}, fmt.Errorf("%w: word without session", ErrMalformed)
	}
	return w, nil
}

// WordStream numbers the words of one dictation session.
type WordStream struct {
	session string
	seq     atomic.Uint64
}

// NewWordStream starts a dictation session with a fresh random id.
func NewWordStream() *WordStream {
	return &WordStream{session: uuid.NewString()}
}

// Session returns the stream's session id.
func (s *WordStream) Session() string { return s.session }

// Next wraps word with the next sequence number.
func (s *WordStream) Next(word string) Word {
	seq := s.seq.Add(1) - 1
	return Word{Word: word, Seq: &seq, Session: s.session}
}

// Command is a host editing action carried by COMMAND messages.
type Command string

const (
	CommandEnter     Command = "ENTER"
	CommandSelectAll Command = "SELECT_ALL"
	CommandCopy      Command = "COPY"
	CommandPaste     Command = "PASTE"
	CommandCut       Command = "CUT"
	CommandCancel    Command = "CANCEL"
)

var commands = []Command{CommandEnter, CommandSelectAll, CommandCopy, CommandPaste, CommandCut, CommandCancel}

// ParseCommand accepts a command name in any letter case.
func ParseCommand(s string) (Command, error) {
	c := Command(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range commands {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCommand, s)
}

func (c Command) String() string { return string(c) }
