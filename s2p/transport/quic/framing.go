package quic

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrame bounds one framed packet. Packets are already MTU-limited; the
// bound only protects the reader from a corrupt length.
const MaxFrame = 0xFFFF

var ErrFrameTooLarge = errors.New("quic: frame too large")

// Frame format on the stream:
//
//	2 bytes: packet length (big endian)
//	N bytes: packet
//
// A zero-length frame carries nothing; the dialer sends one to make the
// stream visible to the listener.
func writeFrame(w io.Writer, p []byte) error {
	if len(p) > MaxFrame {
		return fmt.Errorf("%w: %d", ErrFrameTooLarge, len(p))
	}
	buf := make([]byte, 2+len(p))
	binary.BigEndian.PutUint16(buf[:2], uint16(len(p)))
	copy(buf[2:], p)
	_, err := w.Write(buf)
	return err
}

func readFrame(br *bufio.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	p := make([]byte, n)
	if _, err := io.ReadFull(br, p); err != nil {
		return nil, err
	}
	return p, nil
}
