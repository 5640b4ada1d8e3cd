package session

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/peliorg/speech2prompt-sub002/s2p/crypto"
)

var (
	ErrInvalidKey = errors.New("session: invalid session key")
	ErrWiped      = errors.New("session: key material wiped")
)

// Session is the symmetric state shared with one paired peer.
// A Session is owned by exactly one connection; Wipe zero-fills the key when
// the connection tears down or the peer re-pairs.
type Session struct {
	mu            sync.RWMutex
	peerID        string
	key           [crypto.KeySize]byte
	establishedAt time.Time
	wiped         bool
}

// New copies key into a new Session. The caller may wipe its own copy.
func New(peerID string, key []byte, establishedAt time.Time) (*Session, error) {
	if len(key) != crypto.KeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(key))
	}
	s := &Session{peerID: peerID, establishedAt: establishedAt}
	copy(s.key[:], key)
	return s, nil
}

// Resume rebuilds a Session from a key stored as base64, skipping the
// handshake.
func Resume(peerID, keyBase64 string, establishedAt time.Time) (*Session, error) {
	raw, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	defer crypto.Wipe(raw)
	return New(peerID, raw, establishedAt)
}

func (s *Session) PeerID() string { return s.peerID }

func (s *Session) EstablishedAt() time.Time { return s.establishedAt }

// Key returns a copy of the session key, or ErrWiped.
func (s *Session) Key() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.wiped {
		return nil, ErrWiped
	}
	out := make([]byte, crypto.KeySize)
	copy(out, s.key[:])
	return out, nil
}

// ExportKey returns the key as base64 for a pairing record.
func (s *Session) ExportKey() (string, error) {
	key, err := s.Key()
	if err != nil {
		return "", err
	}
	defer crypto.Wipe(key)
	return base64.StdEncoding.EncodeToString(key), nil
}

// Wipe zero-fills the key. Further Key calls fail.
func (s *Session) Wipe() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	crypto.Wipe(s.key[:])
	s.wiped = true
}

// Wiped reports whether Wipe has been called.
func (s *Session) Wiped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.wiped
}
