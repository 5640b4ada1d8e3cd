// Package trace records every packet crossing a link into an LZ4-compressed
// log, for offline debugging of framing problems.
package trace

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/peliorg/speech2prompt-sub002/s2p/transport"
)

var ErrCorruptTrace = errors.New("trace: corrupt record")

// Direction of a traced packet.
type Direction uint8

const (
	Inbound  Direction = 1
	Outbound Direction = 2
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "in"
	case Outbound:
		return "out"
	default:
		return "unknown"
	}
}

// CompressionLevel controls the speed/ratio tradeoff.
type CompressionLevel int

const (
	CompressionFast    CompressionLevel = iota // Fastest, lower ratio
	CompressionDefault                         // Balanced
	CompressionBest                            // Best ratio, slower
)

// Entry is one traced packet.
type Entry struct {
	Dir    Direction
	At     time.Time
	Packet []byte
}

// Record format inside the LZ4 stream:
//
//	1 byte:  direction
//	8 bytes: unix nanoseconds (big endian)
//	2 bytes: packet length (big endian)
//	N bytes: packet
const recordHeader = 11

// Recorder is a transport.Link that forwards to an inner link and traces
// every packet it carries.
type Recorder struct {
	inner transport.Link
	now   func() time.Time

	mu       sync.Mutex
	zw       *lz4.Writer
	err      error
	finished bool
}

// New wraps inner, writing the compressed trace to w.
func New(inner transport.Link, w io.Writer, level CompressionLevel) *Recorder {
	zw := lz4.NewWriter(w)
	switch level {
	case CompressionFast:
		_ = zw.Apply(lz4.CompressionLevelOption(lz4.Fast))
	case CompressionBest:
		_ = zw.Apply(lz4.CompressionLevelOption(lz4.Level9))
	default:
		_ = zw.Apply(lz4.CompressionLevelOption(lz4.Level4))
	}
	return &Recorder{inner: inner, zw: zw, now: time.Now}
}

func (r *Recorder) record(dir Direction, p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil || r.finished {
		return
	}
	var hdr [recordHeader]byte
	hdr[0] = byte(dir)
	binary.BigEndian.PutUint64(hdr[1:9], uint64(r.now().UnixNano()))
	binary.BigEndian.PutUint16(hdr[9:11], uint16(len(p)))
	if _, err := r.zw.Write(hdr[:]); err != nil {
		r.err = err
		return
	}
	if _, err := r.zw.Write(p); err != nil {
		r.err = err
	}
}

// Err returns the first error hit while writing the trace.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Flush pushes buffered records to the underlying writer.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil || r.finished {
		return r.err
	}
	return r.zw.Flush()
}

type tap struct {
	r *Recorder
	h transport.Handler
}

func (t tap) HandlePacket(p []byte) {
	t.r.record(Inbound, p)
	t.h.HandlePacket(p)
}

func (t tap) HandleDisconnect(err error) { t.h.HandleDisconnect(err) }

func (r *Recorder) Open(ctx context.Context, h transport.Handler) error {
	return r.inner.Open(ctx, tap{r: r, h: h})
}

func (r *Recorder) Write(ctx context.Context, p []byte) error {
	if err := r.inner.Write(ctx, p); err != nil {
		return err
	}
	r.record(Outbound, p)
	return nil
}

func (r *Recorder) MTU() int { return r.inner.MTU() }

// Close drops the inner link's connection and flushes the trace. The link
// may be reopened; recording continues.
func (r *Recorder) Close() error {
	err := r.inner.Close()
	if ferr := r.Flush(); err == nil {
		err = ferr
	}
	return err
}

// Finish ends the LZ4 stream. Nothing is recorded afterwards.
func (r *Recorder) Finish() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return r.err
	}
	r.finished = true
	if err := r.zw.Close(); r.err == nil {
		r.err = err
	}
	return r.err
}

// ReadAll decodes a complete trace.
func ReadAll(src io.Reader) ([]Entry, error) {
	br := bufio.NewReader(lz4.NewReader(src))
	var out []Entry
	for {
		var hdr [recordHeader]byte
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("%w: %v", ErrCorruptTrace, err)
		}
		dir := Direction(hdr[0])
		if dir != Inbound && dir != Outbound {
			return out, fmt.Errorf("%w: direction %d", ErrCorruptTrace, hdr[0])
		}
		p := make([]byte, binary.BigEndian.Uint16(hdr[9:11]))
		if _, err := io.ReadFull(br, p); err != nil {
			return out, fmt.Errorf("%w: %v", ErrCorruptTrace, err)
		}
		out = append(out, Entry{
			Dir:    dir,
			At:     time.Unix(0, int64(binary.BigEndian.Uint64(hdr[1:9]))),
			Packet: p,
		})
	}
}
