// Package websocket carries link packets as binary WebSocket messages, one
// packet per message.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/peliorg/speech2prompt-sub002/s2p/transport"
)

var ErrNotDialable = errors.New("websocket: accepted link cannot redial")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is an http.Handler that upgrades requests into links.
type Server struct {
	mtu    int
	connCh chan *Link
}

// NewServer returns a server whose links report mtu. backlog bounds the
// accepted links waiting for Accept; extra clients are refused.
func NewServer(mtu, backlog int) *Server {
	if backlog <= 0 {
		backlog = 1
	}
	return &Server{mtu: mtu, connCh: make(chan *Link, backlog)}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	l := &Link{mtu: s.mtu, conn: conn, remote: r.RemoteAddr}
	select {
	case s.connCh <- l:
	default:
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "busy"))
		conn.Close()
	}
}

// Accept blocks until a client connects or ctx is cancelled.
func (s *Server) Accept(ctx context.Context) (*Link, error) {
	select {
	case l := <-s.connCh:
		return l, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Link is a transport.Link over one WebSocket connection.
type Link struct {
	url    string // empty for accepted links
	mtu    int
	remote string

	mu   sync.Mutex
	conn *websocket.Conn
	// readConn is the connection the running read loop serves.
	readConn *websocket.Conn

	wmu sync.Mutex
}

// NewDialer returns a link that dials url on Open and on every later Open
// after a disconnect.
func NewDialer(url string, mtu int) *Link {
	return &Link{url: url, mtu: mtu, remote: url}
}

func (l *Link) MTU() int { return l.mtu }

// RemoteAddr identifies the peer.
func (l *Link) RemoteAddr() string { return l.remote }

func (l *Link) Open(ctx context.Context, h transport.Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		if l.url == "" {
			return ErrNotDialable
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.url, nil)
		if err != nil {
			return fmt.Errorf("websocket: dial %s: %w", l.url, err)
		}
		l.conn = conn
	}
	if l.readConn != l.conn {
		l.readConn = l.conn
		go l.readLoop(l.conn, h)
	}
	return nil
}

func (l *Link) readLoop(conn *websocket.Conn, h transport.Handler) {
	for {
		kind, p, err := conn.ReadMessage()
		if err != nil {
			l.mu.Lock()
			current := l.conn == conn
			if current {
				l.conn = nil
			}
			if l.readConn == conn {
				l.readConn = nil
			}
			l.mu.Unlock()
			conn.Close()
			if current {
				h.HandleDisconnect(err)
			}
			return
		}
		if kind != websocket.BinaryMessage || len(p) == 0 {
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
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return transport.ErrNotConnected
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	}
	return conn.WriteMessage(websocket.BinaryMessage, p)
}

// Close drops the current connection without reporting it to the handler.
// A dialing link may be opened again.
func (l *Link) Close() error {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn == nil {
		return nil
	}
	l.wmu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	l.wmu.Unlock()
	return conn.Close()
}
