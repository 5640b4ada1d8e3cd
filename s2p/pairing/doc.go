// Package pairing implements the ephemeral X25519 pairing handshake and the
// records that let a paired peer reconnect without repeating it.
//
// The initiator sends PAIR_REQ with its device id, display name and an
// ephemeral public key. After the local user confirms, the responder derives
// the session key with its own ephemeral key and answers PAIR_ACK. Both sides
// feed hex(ECDH) || initiatorID || responderID into PBKDF2, so the key is
// bound to the two device identities as well as the exchanged keys.
//
// Handshake messages are plaintext and signed with protocol.HandshakeSecret.
package pairing
