// Package quic carries link packets over a single bidirectional QUIC stream.
package quic

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	q "github.com/quic-go/quic-go"

	"github.com/peliorg/speech2prompt-sub002/s2p/transport"
)

// ErrNotDialable is returned when an accepted link is reopened after its
// connection went away. Only the dialing side reconnects.
var ErrNotDialable = errors.New("quic: accepted link cannot redial")

type Listener struct {
	inner *q.Listener
	mtu   int
}

// Listen starts accepting links on addr. Accepted links report mtu.
func Listen(addr string, mtu int) (*Listener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := q.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	return &Listener{inner: ln, mtu: mtu}, nil
}

// Accept waits for a peer to connect and open its packet stream.
func (l *Listener) Accept(ctx context.Context) (*Link, error) {
	conn, err := l.inner.Accept(ctx)
	if err != nil {
		return nil, err
	}
	st, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return nil, err
	}
	return &Link{
		mtu:    l.mtu,
		conn:   conn,
		stream: st,
		reader: bufio.NewReader(st),
	}, nil
}

func (l *Listener) Addr() net.Addr { return l.inner.Addr() }

func (l *Listener) AddrString() string {
	if l.inner == nil {
		return ""
	}
	return l.inner.Addr().String()
}

func (l *Listener) Close() error { return l.inner.Close() }

// Link is a transport.Link over one QUIC stream.
type Link struct {
	addr string // empty for accepted links
	mtu  int

	mu     sync.Mutex
	conn   q.Connection
	stream q.Stream
	reader *bufio.Reader
	// readSt is the stream the running read loop serves.
	readSt q.Stream

	wmu sync.Mutex
}

// NewDialer returns a link that connects to addr on Open and again on every
// later Open after a disconnect.
func NewDialer(addr string, mtu int) *Link {
	return &Link{addr: addr, mtu: mtu}
}

func (l *Link) MTU() int { return l.mtu }

// RemoteAddr identifies the peer, or "" before the first connection.
func (l *Link) RemoteAddr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return l.addr
	}
	return l.conn.RemoteAddr().String()
}

func (l *Link) Open(ctx context.Context, h transport.Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stream == nil {
		if l.addr == "" {
			return ErrNotDialable
		}
		if err := l.dialLocked(ctx); err != nil {
			return err
		}
	}
	if l.readSt != l.stream {
		l.readSt = l.stream
		go l.readLoop(l.conn, l.stream, l.reader, h)
	}
	return nil
}

func (l *Link) dialLocked(ctx context.Context) error {
	conn, err := q.DialAddr(ctx, l.addr, clientTLSConfig(), quicConfig())
	if err != nil {
		return fmt.Errorf("quic: dial %s: %w", l.addr, err)
	}
	st, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream")
		return err
	}
	if err := writeFrame(st, nil); err != nil {
		_ = conn.CloseWithError(0, "open stream")
		return err
	}
	l.conn, l.stream, l.reader = conn, st, bufio.NewReader(st)
	return nil
}

func (l *Link) readLoop(conn q.Connection, st q.Stream, br *bufio.Reader, h transport.Handler) {
	for {
		p, err := readFrame(br)
		if err != nil {
			l.mu.Lock()
			// A stream cleared by Close was dropped on purpose.
			current := l.stream == st
			if current {
				l.conn, l.stream, l.reader = nil, nil, nil
			}
			if l.readSt == st {
				l.readSt = nil
			}
			l.mu.Unlock()
			_ = conn.CloseWithError(0, "")
			if current {
				h.HandleDisconnect(err)
			}
			return
		}
		if len(p) == 0 {
			continue
		}
		h.HandlePacket(p)
	}
}

func (l *Link) Write(ctx context.Context, p []byte) error {
	if limit := transport.MaxPacket(l.mtu); len(p) > limit {
		return fmt.Errorf("%w: %d > %d", transport.ErrPacketTooLarge, len(p), limit)
	}
	l.mu.Lock()
	st := l.stream
	l.mu.Unlock()
	if st == nil {
		return transport.ErrNotConnected
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = st.SetWriteDeadline(dl)
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	return writeFrame(st, p)
}

// Close drops the current connection without reporting it to the handler.
// A dialing link may be opened again.
func (l *Link) Close() error {
	l.mu.Lock()
	conn := l.conn
	l.conn, l.stream, l.reader = nil, nil, nil
	l.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.CloseWithError(0, "closed")
}
