package conn

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrAckTimeout = errors.New("conn: ack timed out")
	ErrCancelled  = errors.New("conn: send cancelled")
	ErrClosed     = errors.New("conn: connection closed")
)

// Ack tracks delivery of one sent message. It resolves exactly once: with
// nil when the peer's ACK arrives, or with an error on timeout, cancellation
// or teardown.
type Ack struct {
	done chan struct{}
	once sync.Once
	err  error

	mu      sync.Mutex
	ts      int64
	timer   *time.Timer
	tracker *ackTracker
}

func newAck() *Ack {
	return &Ack{done: make(chan struct{})}
}

// Timestamp is the message timestamp the ACK must echo; zero while the
// message is still queued.
func (a *Ack) Timestamp() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ts
}

// Done is closed once the Ack resolves.
func (a *Ack) Done() <-chan struct{} { return a.done }

// Err returns the resolution, or nil while pending.
func (a *Ack) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Wait blocks until the Ack resolves or ctx ends. A ctx expiry does not
// cancel the Ack itself.
func (a *Ack) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops waiting for this ACK. A later ACK from the peer is ignored.
func (a *Ack) Cancel() {
	a.resolve(ErrCancelled)
}

func (a *Ack) resolve(err error) {
	a.once.Do(func() {
		a.mu.Lock()
		if a.timer != nil {
			a.timer.Stop()
		}
		tr, ts := a.tracker, a.ts
		a.tracker = nil
		a.mu.Unlock()
		if tr != nil {
			tr.forget(ts, a)
		}
		a.err = err
		close(a.done)
	})
}

// ackTracker correlates inbound ACKs with sent messages by timestamp.
type ackTracker struct {
	mu        sync.Mutex
	pending   map[int64]*Ack
	onTimeout func(ts int64)
}

func newAckTracker(onTimeout func(ts int64)) *ackTracker {
	return &ackTracker{pending: map[int64]*Ack{}, onTimeout: onTimeout}
}

// register starts the timeout for a, now bound to ts.
func (t *ackTracker) register(a *Ack, ts int64, timeout time.Duration) {
	a.mu.Lock()
	a.ts = ts
	a.tracker = t
	a.mu.Unlock()

	t.mu.Lock()
	t.pending[ts] = a
	t.mu.Unlock()

	timer := time.AfterFunc(timeout, func() {
		select {
		case <-a.done:
			return
		default:
		}
		if t.onTimeout != nil {
			t.onTimeout(ts)
		}
		a.resolve(ErrAckTimeout)
	})
	a.mu.Lock()
	a.timer = timer
	a.mu.Unlock()
	// Resolved before the timer was stored (e.g. cancelled concurrently).
	select {
	case <-a.done:
		timer.Stop()
		t.forget(ts, a)
	default:
	}
}

// resolve settles the Ack waiting on ts. It reports whether one was found.
func (t *ackTracker) resolve(ts int64) bool {
	t.mu.Lock()
	a, ok := t.pending[ts]
	t.mu.Unlock()
	if !ok {
		return false
	}
	a.resolve(nil)
	return true
}

func (t *ackTracker) forget(ts int64, a *Ack) {
	t.mu.Lock()
	if t.pending[ts] == a {
		delete(t.pending, ts)
	}
	t.mu.Unlock()
}

// failAll settles every pending Ack with err.
func (t *ackTracker) failAll(err error) {
	t.mu.Lock()
	all := make([]*Ack, 0, len(t.pending))
	for _, a := range t.pending {
		all = append(all, a)
	}
	t.mu.Unlock()
	for _, a := range all {
		a.resolve(err)
	}
}

func (t *ackTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
