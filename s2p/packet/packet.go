package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	FlagFirst  uint8 = 0x08
	FlagLast   uint8 = 0x04
	FlagAckReq uint8 = 0x02
)

const (
	// TransportOverhead is reserved by the link layer out of every write.
	TransportOverhead = 3
	// FirstHeaderSize is flags, sequence and the 2-byte total length.
	FirstHeaderSize = 4
	// HeaderSize is flags and sequence.
	HeaderSize = 2

	DefaultMTU = 23
	MinMTU     = 23
	TargetMTU  = 512

	// MaxMessageSize is bounded by the 16-bit total length field.
	MaxMessageSize = 0xFFFF
)

var (
	ErrMTUTooSmall     = errors.New("packet: mtu leaves no room for payload")
	ErrEmptyMessage    = errors.New("packet: empty message")
	ErrMessageTooLarge = errors.New("packet: message exceeds 65535 bytes")
	ErrTruncated       = errors.New("packet: truncated header")
)

// Packet is one decoded transport write.
type Packet struct {
	Flags       uint8
	Seq         uint8
	TotalLength uint16 // valid only when IsFirst
	Payload     []byte
}

func (p Packet) IsFirst() bool { return p.Flags&FlagFirst != 0 }
func (p Packet) IsLast() bool { return p.Flags&FlagLast != 0 }
func (p Packet) AckRequested() bool { return p.Flags&FlagAckReq != 0 }
func (p Packet) headerSize() int {
	if p.IsFirst() {
		return FirstHeaderSize
	}
	return HeaderSize
}

// Marshal encodes p into its wire form.
func (p Packet) Marshal() []byte {
	out := make([]byte, p.headerSize(), p.headerSize()+len(p.Payload))
	out[0] = p.Flags
	out[1] = p.Seq
	if p.IsFirst() {
		binary.LittleEndian.PutUint16(out[2:4], p.TotalLength)
	}
	return append(out, p.Payload...)
}

// Parse decodes a wire packet. The returned payload aliases b.
func Parse(b []byte) (Packet, error) {
	if len(b) < HeaderSize {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrTruncated, len(b))
	}
	p := Packet{Flags: b[0], Seq: b[1]}
	if !p.IsFirst() {
		p.Payload = b[HeaderSize:]
		return p, nil
	}
	if len(b) < FirstHeaderSize {
		return Packet{}, fmt.Errorf("%w: first packet of %d bytes", ErrTruncated, len(b))
	}
	p.TotalLength = binary.LittleEndian.Uint16(b[2:4])
	p.Payload = b[FirstHeaderSize:]
	return p, nil
}

// PayloadCapacity returns how many message bytes fit in the first packet and
// in each continuation for the given mtu.
func PayloadCapacity(mtu int) (first, next int, err error) {
	first = mtu - TransportOverhead - FirstHeaderSize
	next = mtu - TransportOverhead - HeaderSize
	if first <= 0 || next <= 0 {
		return 0, 0, fmt.Errorf("%w: %d", ErrMTUTooSmall, mtu)
	}
	return first, next, nil
}

// Chunk splits data into wire packets no larger than mtu - TransportOverhead.
func Chunk(data []byte, mtu int) ([][]byte, error) {
	first, next, err := PayloadCapacity(mtu)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrEmptyMessage
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d", ErrMessageTooLarge, len(data))
	}

	count := 1
	if rest := len(data) - first; rest > 0 {
		count += (rest + next - 1) / next
	}
	packets := make([][]byte, 0, count)

	var seq uint8
	for off := 0; off < len(data); seq++ {
		p := Packet{Seq: seq}
		size := next
		if off == 0 {
			p.Flags |= FlagFirst
			p.TotalLength = uint16(len(data))
			size = first
		}
		end := off + size
		if end >= len(data) {
			end = len(data)
			p.Flags |= FlagLast
		}
		p.Payload = data[off:end]
		packets = append(packets, p.Marshal())
		off = end
	}
	return packets, nil
}
