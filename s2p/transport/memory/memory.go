// Package memory provides an in-process Link pair for tests and examples.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/peliorg/speech2prompt-sub002/s2p/transport"
)

// ErrLinkDropped is reported to handlers when Drop severs the pipe.
var ErrLinkDropped = errors.New("memory: link dropped")

const queueSize = 1024

type pipe struct {
	mu   sync.Mutex
	up   bool
	ends [2]*Link
}

// Link is one end of an in-memory pipe.
type Link struct {
	p    *pipe
	side int
	mtu  int

	mu       sync.Mutex
	h        transport.Handler
	inbox    chan []byte
	quit     chan error
	dialErr  error
	writeErr error
}

// Pipe returns two connected link ends with the given mtu. Packets written on
// one end are delivered, in order, to the handler of the other once both
// ends are open.
func Pipe(mtu int) (*Link, *Link) {
	p := &pipe{}
	a := &Link{p: p, side: 0, mtu: mtu}
	b := &Link{p: p, side: 1, mtu: mtu}
	p.ends = [2]*Link{a, b}
	return a, b
}

func (l *Link) peer() *Link { return l.p.ends[1-l.side] }

func (l *Link) MTU() int { return l.mtu }

// FailOpen makes subsequent Open calls fail with err (nil clears it).
func (l *Link) FailOpen(err error) {
	l.mu.Lock()
	l.dialErr = err
	l.mu.Unlock()
}

// FailWrites makes subsequent Write calls fail with err (nil clears it).
func (l *Link) FailWrites(err error) {
	l.mu.Lock()
	l.writeErr = err
	l.mu.Unlock()
}

func (l *Link) Open(ctx context.Context, h transport.Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	if l.dialErr != nil {
		err := l.dialErr
		l.mu.Unlock()
		return err
	}
	if l.quit != nil {
		// Already open; just rebind the handler.
		l.h = h
		l.mu.Unlock()
		return nil
	}
	l.h = h
	l.inbox = make(chan []byte, queueSize)
	l.quit = make(chan error, 1)
	go l.pump(l.inbox, l.quit, h)
	l.mu.Unlock()

	l.p.mu.Lock()
	l.p.up = true
	l.p.mu.Unlock()
	return nil
}

// pump is the only goroutine that calls h. A non-nil error on quit is
// reported after the packets already queued.
func (l *Link) pump(inbox <-chan []byte, quit <-chan error, h transport.Handler) {
	for {
		select {
		case p := <-inbox:
			h.HandlePacket(p)
		case err := <-quit:
			if err == nil {
				return
			}
			for {
				select {
				case p := <-inbox:
					h.HandlePacket(p)
				default:
					h.HandleDisconnect(err)
					return
				}
			}
		}
	}
}

func (l *Link) Write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(p) > transport.MaxPacket(l.mtu) {
		return fmt.Errorf("%w: %d > %d", transport.ErrPacketTooLarge, len(p), transport.MaxPacket(l.mtu))
	}
	l.mu.Lock()
	writeErr, open := l.writeErr, l.quit != nil
	l.mu.Unlock()
	switch {
	case writeErr != nil:
		return writeErr
	case !open:
		return transport.ErrNotConnected
	}

	l.p.mu.Lock()
	up := l.p.up
	l.p.mu.Unlock()
	if !up {
		return transport.ErrNotConnected
	}

	peer := l.peer()
	peer.mu.Lock()
	inbox := peer.inbox
	peer.mu.Unlock()
	if inbox == nil {
		return transport.ErrNotConnected
	}
	buf := append([]byte(nil), p...)
	select {
	case inbox <- buf:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drop severs the pipe as an unexpected disconnect: both ends stop and their
// handlers receive HandleDisconnect(ErrLinkDropped).
func (l *Link) Drop() {
	l.p.mu.Lock()
	l.p.up = false
	l.p.mu.Unlock()
	for _, end := range l.p.ends {
		end.stop(ErrLinkDropped)
	}
}

// stop ends delivery on an open link and reports whether it was open. The
// pump passes a non-nil err to the handler.
func (l *Link) stop(err error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.quit == nil {
		return false
	}
	l.quit <- err
	l.quit = nil
	l.inbox = nil
	l.h = nil
	return true
}

// Close stops this end without notifying its own handler. The peer
// observes a disconnect. Either end may be opened again afterwards.
func (l *Link) Close() error {
	if !l.stop(nil) {
		return nil
	}

	l.p.mu.Lock()
	l.p.up = false
	l.p.mu.Unlock()
	l.peer().stop(transport.ErrClosed)
	return nil
}
