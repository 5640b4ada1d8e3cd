// Package protocol defines the message envelope exchanged by paired peers and
// the payloads it carries.
//
// An envelope is compact JSON:
//
//	{"v":1,"t":"TEXT","p":"...","ts":1700000000000,"cs":"1a2b3c4d"}
//
// The checksum covers the payload exactly as transmitted. Once a session key
// exists every non-handshake payload is AES-256-GCM ciphertext in base64.
package protocol
