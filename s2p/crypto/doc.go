// Package crypto provides the cryptographic primitives of the speech2prompt link.
//
// Design goals:
//   - AEAD encryption via AES-256-GCM with a fresh random nonce per message
//   - Ephemeral X25519 key agreement per pairing attempt
//   - Session keys derived with PBKDF2-HMAC-SHA256 over the ECDH secret and both device ids
//   - Short keyed SHA-256 checksums for envelope integrity
//   - Explicit zero-fill of key material once it is no longer needed
package crypto
