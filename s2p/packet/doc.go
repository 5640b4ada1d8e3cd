// Package packet splits envelope bytes into MTU-sized packets and puts them
// back together on the receiving side.
//
// Wire format of one packet:
//
//	1 byte:  flags (FIRST=0x08, LAST=0x04, ACK_REQ=0x02)
//	1 byte:  sequence, starting at 0 and wrapping mod 256
//	2 bytes: total message length, little endian, FIRST packets only
//	N bytes: payload
package packet
