package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/peliorg/speech2prompt-sub002/s2p/transport"
)

type recorder struct {
	mu      sync.Mutex
	packets [][]byte
	lost    chan error
}

func newRecorder() *recorder { return &recorder{lost: make(chan error, 4)} }

func (r *recorder) HandlePacket(p []byte) {
	r.mu.Lock()
	r.packets = append(r.packets, p)
	r.mu.Unlock()
}

func (r *recorder) HandleDisconnect(err error) { r.lost <- err }

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.packets)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPipeDeliversInOrder(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe(23)
	ra, rb := newRecorder(), newRecorder()
	if err := a.Open(ctx, ra); err != nil {
		t.Fatalf("Open a: %v", err)
	}
	if err := b.Open(ctx, rb); err != nil {
		t.Fatalf("Open b: %v", err)
	}

	for i := 0; i < 50; i++ {
		if err := a.Write(ctx, []byte{byte(i)}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	waitFor(t, func() bool { return rb.count() == 50 })
	rb.mu.Lock()
	for i, p := range rb.packets {
		if p[0] != byte(i) {
			t.Fatalf("packet %d out of order", i)
		}
	}
	rb.mu.Unlock()
}

func TestPipeEnforcesMTU(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe(23)
	_ = a.Open(ctx, newRecorder())
	_ = b.Open(ctx, newRecorder())
	if err := a.Write(ctx, make([]byte, 21)); !errors.Is(err, transport.ErrPacketTooLarge) {
		t.Fatalf("expected ErrPacketTooLarge, got %v", err)
	}
	if err := a.Write(ctx, make([]byte, 20)); err != nil {
		t.Fatalf("Write at limit: %v", err)
	}
}

func TestPipeDropAndReopen(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe(64)
	ra, rb := newRecorder(), newRecorder()
	_ = a.Open(ctx, ra)
	_ = b.Open(ctx, rb)

	a.Drop()
	for _, r := range []*recorder{ra, rb} {
		select {
		case err := <-r.lost:
			if !errors.Is(err, ErrLinkDropped) {
				t.Fatalf("unexpected disconnect error %v", err)
			}
		case <-time.After(time.Second):
			t.Fatalf("disconnect not reported")
		}
	}
	if err := a.Write(ctx, []byte("x")); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	down := errors.New("radio off")
	a.FailOpen(down)
	if err := a.Open(ctx, ra); !errors.Is(err, down) {
		t.Fatalf("expected dial error, got %v", err)
	}
	a.FailOpen(nil)
	_ = b.Open(ctx, rb)
	if err := a.Open(ctx, ra); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := a.Write(ctx, []byte("y")); err != nil {
		t.Fatalf("Write after reopen: %v", err)
	}
	waitFor(t, func() bool { return rb.count() == 1 })
}

func TestPipeClose(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe(64)
	rb := newRecorder()
	_ = a.Open(ctx, newRecorder())
	_ = b.Open(ctx, rb)
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-rb.lost:
		if !errors.Is(err, transport.ErrClosed) {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("peer not notified")
	}
	if err := a.Write(ctx, []byte("x")); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	// Both ends may be opened again after a close.
	rb2 := newRecorder()
	if err := b.Open(ctx, rb2); err != nil {
		t.Fatalf("reopen b: %v", err)
	}
	if err := a.Open(ctx, newRecorder()); err != nil {
		t.Fatalf("reopen a: %v", err)
	}
	if err := a.Write(ctx, []byte("z")); err != nil {
		t.Fatalf("Write after reopen: %v", err)
	}
	waitFor(t, func() bool { return rb2.count() == 1 })
}

// serialCheck fails when its methods overlap.
type serialCheck struct {
	busy    atomic.Bool
	overlap atomic.Bool
	packets atomic.Int32
	lost    chan int32
}

func (s *serialCheck) enter() {
	if !s.busy.CompareAndSwap(false, true) {
		s.overlap.Store(true)
	}
}

func (s *serialCheck) HandlePacket(p []byte) {
	s.enter()
	time.Sleep(time.Millisecond)
	s.packets.Add(1)
	s.busy.Store(false)
}

func (s *serialCheck) HandleDisconnect(err error) {
	s.enter()
	s.lost <- s.packets.Load()
	s.busy.Store(false)
}

func TestDisconnectFollowsQueuedPackets(t *testing.T) {
	ctx := context.Background()
	for _, drop := range []bool{false, true} {
		a, b := Pipe(64)
		sc := &serialCheck{lost: make(chan int32, 1)}
		_ = a.Open(ctx, newRecorder())
		_ = b.Open(ctx, sc)
		for i := 0; i < 20; i++ {
			if err := a.Write(ctx, []byte{byte(i)}); err != nil {
				t.Fatalf("Write: %v", err)
			}
		}
		if drop {
			a.Drop()
		} else {
			_ = a.Close()
		}
		select {
		case n := <-sc.lost:
			if n != 20 {
				t.Fatalf("drop=%v: disconnect after %d packets, want 20", drop, n)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("drop=%v: disconnect not reported", drop)
		}
		if sc.overlap.Load() {
			t.Fatalf("drop=%v: handler called concurrently", drop)
		}
	}
}

var _ transport.Link = (*Link)(nil)
