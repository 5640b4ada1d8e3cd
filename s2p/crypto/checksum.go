package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"strings"
)

// ChecksumLen is the length of a hex checksum (4 hash bytes).
const ChecksumLen = 8

// Checksum computes hex(SHA-256(version || type || payload || timestamp || secret)[:4]).
// version and timestamp are hashed as decimal strings.
func Checksum(version int, msgType, payload string, timestamp int64, secret []byte) string {
	h := sha256.New()
	h.Write([]byte(strconv.Itoa(version)))
	h.Write([]byte(msgType))
	h.Write([]byte(payload))
	h.Write([]byte(strconv.FormatInt(timestamp, 10)))
	h.Write(secret)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:ChecksumLen/2])
}

// ChecksumEqual compares two hex checksums case-insensitively in constant time.
func ChecksumEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(a)), []byte(strings.ToLower(b))) == 1
}
