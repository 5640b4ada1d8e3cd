package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the only accepted AES-256 key length.
	KeySize = 32
	// NonceSize is the GCM nonce length prepended to every ciphertext.
	NonceSize = 12
	// TagSize is the GCM authentication tag length appended to every ciphertext.
	TagSize = 16
)

var (
	ErrInvalidKeySize     = errors.New("crypto: session key must be 32 bytes")
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
	ErrDecryptionFailed   = errors.New("crypto: decryption failed")
	ErrInvalidEncoding    = errors.New("crypto: invalid base64 ciphertext")
)

// AEAD wraps AES-256-GCM. Every Seal draws a new random 96-bit nonce, so one
// AEAD can be shared by all messages of a session.
type AEAD struct {
	aead cipher.AEAD
}

// NewAEAD creates a new AEAD cipher from a 32-byte key.
func NewAEAD(key []byte) (*AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AEAD{aead: aead}, nil
}

// Seal encrypts and authenticates plaintext.
// Returns: nonce (12 bytes) || ciphertext || tag (16 bytes)
func (a *AEAD) Seal(plaintext []byte) ([]byte, error) {
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, err
	}
	return a.aead.Seal(out, out[:NonceSize], plaintext, nil), nil
}

// Open decrypts and verifies ciphertext.
// Input format: nonce (12 bytes) || ciphertext || tag (16 bytes)
func (a *AEAD) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize+TagSize {
		return nil, ErrCiphertextTooShort
	}
	plaintext, err := a.aead.Open(nil, ciphertext[:NonceSize], ciphertext[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Overhead returns the bytes added to every plaintext (nonce and tag).
func (a *AEAD) Overhead() int { return NonceSize + a.aead.Overhead() }

// Encrypt seals text under key and returns base64(nonce || ciphertext || tag),
// the form carried in an envelope payload.
func Encrypt(text string, key []byte) (string, error) {
	a, err := NewAEAD(key)
	if err != nil {
		return "", err
	}
	sealed, err := a.Seal([]byte(text))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func Decrypt(encoded string, key []byte) (string, error) {
	a, err := NewAEAD(key)
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	plaintext, err := a.Open(raw)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
