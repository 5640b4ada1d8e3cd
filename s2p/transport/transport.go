// Package transport defines the ordered, MTU-limited packet link the
// connection runs over, plus in-memory, QUIC and WebSocket implementations
// in its subpackages.
package transport

import (
	"context"
	"errors"
)

var (
	ErrClosed         = errors.New("transport: link closed")
	ErrNotConnected   = errors.New("transport: link not connected")
	ErrPacketTooLarge = errors.New("transport: packet exceeds mtu")
)

// Handler receives inbound link events. Calls for one link are made from a
// single goroutine in arrival order.
type Handler interface {
	HandlePacket(p []byte)
	HandleDisconnect(err error)
}

// Link is one peer-to-peer packet channel.
//
// Open (re)establishes the link and starts delivering events to h. It may be
// called again after a disconnect. Write sends one packet of at most
// MTU()-3 bytes; a failed write may be retried by the caller. Close drops
// the current connection without calling HandleDisconnect; the peer sees
// a disconnect.
type Link interface {
	Open(ctx context.Context, h Handler) error
	Write(ctx context.Context, p []byte) error
	MTU() int
	Close() error
}

// MaxPacket returns the largest packet a link with the given mtu accepts.
func MaxPacket(mtu int) int { return mtu - 3 }
