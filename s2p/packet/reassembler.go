package packet

import (
	"errors"
	"fmt"
	"time"
)

// DefaultReassemblyTimeout discards a message whose packets stop arriving.
const DefaultReassemblyTimeout = 2 * time.Second

var (
	ErrUnexpectedContinuation = errors.New("packet: continuation without first packet")
	ErrSequence               = errors.New("packet: unexpected sequence number")
	ErrLengthOverflow         = errors.New("packet: payload exceeds declared length")
	ErrLengthMismatch         = errors.New("packet: last packet before declared length")
)

// Reassembler rebuilds messages from packets of a single ordered link.
// It is not safe for concurrent use; the owning connection serializes Feed.
type Reassembler struct {
	timeout time.Duration
	now     func() time.Time

	active   bool
	buf      []byte
	expected int
	nextSeq  uint8
	started  time.Time
}

// NewReassembler returns a reassembler with the given stall timeout.
// A non-positive timeout selects DefaultReassemblyTimeout.
func NewReassembler(timeout time.Duration) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultReassemblyTimeout
	}
	return &Reassembler{timeout: timeout, now: time.Now}
}

// InProgress reports whether a partial message is buffered.
func (r *Reassembler) InProgress() bool { return r.active }

// Reset drops any partial message.
func (r *Reassembler) Reset() {
	r.active = false
	r.buf = nil
	r.expected = 0
	r.nextSeq = 0
}

// Feed consumes one wire packet. It returns the complete message once the last
// packet arrives, nil while more packets are needed, or an error when the
// packet breaks the framing rules. Every error leaves the reassembler reset.
func (r *Reassembler) Feed(b []byte) ([]byte, error) {
	if r.active && r.now().Sub(r.started) > r.timeout {
		r.Reset()
	}

	p, err := Parse(b)
	if err != nil {
		r.Reset()
		return nil, err
	}

	if p.IsFirst() {
		r.Reset()
		r.active = true
		r.expected = int(p.TotalLength)
		r.buf = make([]byte, 0, r.expected)
		r.nextSeq = p.Seq
		r.started = r.now()
	} else if !r.active {
		return nil, ErrUnexpectedContinuation
	}

	if p.Seq != r.nextSeq {
		want := r.nextSeq
		r.Reset()
		return nil, fmt.Errorf("%w: got %d want %d", ErrSequence, p.Seq, want)
	}
	r.nextSeq++

	r.buf = append(r.buf, p.Payload...)
	switch {
	case len(r.buf) > r.expected:
		got, want := len(r.buf), r.expected
		r.Reset()
		return nil, fmt.Errorf("%w: %d > %d", ErrLengthOverflow, got, want)
	case p.IsLast() && len(r.buf) < r.expected:
		got, want := len(r.buf), r.expected
		r.Reset()
		return nil, fmt.Errorf("%w: %d < %d", ErrLengthMismatch, got, want)
	case len(r.buf) == r.expected:
		// Some peers omit LAST on the final packet; the declared length is
		// authoritative.
		msg := r.buf
		r.Reset()
		return msg, nil
	}
	return nil, nil
}
