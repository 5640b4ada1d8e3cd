package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KDFIterations is the PBKDF2 iteration count shared by both peers.
	KDFIterations = 100_000
	// KDFSalt is the protocol-wide PBKDF2 salt.
	KDFSalt = "speech2prompt_v1"
)

var ErrEmptySecret = errors.New("crypto: empty shared secret")

// DeriveKey runs PBKDF2-HMAC-SHA256 over password with the given salt.
func DeriveKey(password, salt []byte, iterations, length int) []byte {
	return pbkdf2.Key(password, salt, iterations, length, sha256.New)
}

// DeriveSessionKey turns an ECDH secret into the 32-byte session key.
// The password is hex(shared) || initiatorID || responderID, so both peers
// must pass the ids in the same order regardless of their own role.
func DeriveSessionKey(shared []byte, initiatorID, responderID string) ([]byte, error) {
	if len(shared) == 0 {
		return nil, ErrEmptySecret
	}
	password := make([]byte, 0, hex.EncodedLen(len(shared))+len(initiatorID)+len(responderID))
	password = password[:hex.EncodedLen(len(shared))]
	hex.Encode(password, shared)
	password = append(password, initiatorID...)
	password = append(password, responderID...)
	defer Wipe(password)

	return DeriveKey(password, []byte(KDFSalt), KDFIterations, KeySize), nil
}
