package s2p

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/peliorg/speech2prompt-sub002/s2p/conn"
	"github.com/peliorg/speech2prompt-sub002/s2p/identity"
	"github.com/peliorg/speech2prompt-sub002/s2p/packet"
	"github.com/peliorg/speech2prompt-sub002/s2p/pairing"
	"github.com/peliorg/speech2prompt-sub002/s2p/transport/quic"
)

var ErrNotListening = errors.New("peer is not listening")

// Peer is a high-level helper that combines the QUIC transport with
// connections. A host listens and accepts; a phone dials.
type Peer struct {
	Device identity.Device
	Store  pairing.Store
	Config conn.Config
	Logger *zerolog.Logger

	listener *quic.Listener
}

func NewPeer(dev identity.Device, store pairing.Store) *Peer {
	return &Peer{Device: dev, Store: store, Config: conn.DefaultConfig()}
}

func (p *Peer) Listen(addr string) error {
	ln, err := quic.Listen(addr, p.mtu())
	if err != nil {
		return err
	}
	p.listener = ln
	return nil
}

func (p *Peer) Close() error {
	if p.listener == nil {
		return nil
	}
	return p.listener.Close()
}

func (p *Peer) ListenAddr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.AddrString()
}

// Accept waits for the next phone and returns its responder connection,
// already waiting for a pairing request or a stored session.
func (p *Peer) Accept(ctx context.Context, h conn.Handler) (*conn.Connection, error) {
	if p.listener == nil {
		return nil, ErrNotListening
	}
	link, err := p.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	c, err := conn.New(link, conn.Options{
		Role:    conn.RoleResponder,
		Local:   p.Device,
		Store:   p.Store,
		Config:  p.Config,
		Logger:  p.Logger,
		Handler: h,
	})
	if err != nil {
		_ = link.Close()
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Dial connects to the host at addr, pairing unless Store already holds a
// session for addr. A connection that failed to settle is returned along
// with the error.
func (p *Peer) Dial(ctx context.Context, addr string, h conn.Handler) (*conn.Connection, error) {
	c, err := conn.New(quic.NewDialer(addr, p.mtu()), conn.Options{
		Role:        conn.RoleInitiator,
		Local:       p.Device,
		PeerAddress: addr,
		Store:       p.Store,
		Config:      p.Config,
		Logger:      p.Logger,
		Handler:     h,
	})
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return c, err
	}
	return c, nil
}

func (p *Peer) mtu() int {
	if p.Config.MTU > 0 {
		return p.Config.MTU
	}
	return packet.TargetMTU
}
