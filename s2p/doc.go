// Package s2p provides the link core of speech2prompt: a phone streams
// dictated text, editing commands and words to a desktop host over an
// MTU-limited link, after an explicit pairing.
//
// The building blocks live in subpackages: packet framing, the JSON message
// envelope, X25519 pairing with a PBKDF2-derived AES-GCM session key, and a
// connection state machine with acknowledgements, heartbeats and
// reconnection. Peer combines them over QUIC.
package s2p
