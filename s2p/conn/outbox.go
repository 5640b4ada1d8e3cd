package conn

import (
	"errors"
	"sync"

	"github.com/peliorg/speech2prompt-sub002/s2p/protocol"
)

var ErrOutboxFull = errors.New("conn: outbox full")

type queued struct {
	typ     protocol.MessageType
	payload string
	ack     *Ack
}

// outbox buffers messages submitted while the connection is not Connected.
// Order is preserved.
type outbox struct {
	mu    sync.Mutex
	limit int
	items []queued
}

func newOutbox(limit int) *outbox {
	return &outbox{limit: limit}
}

func (o *outbox) push(q queued) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) >= o.limit {
		return ErrOutboxFull
	}
	o.items = append(o.items, q)
	return nil
}

// drain removes and returns everything queued, oldest first.
func (o *outbox) drain() []queued {
	o.mu.Lock()
	defer o.mu.Unlock()
	items := o.items
	o.items = nil
	return items
}

// requeue puts items back at the front, ahead of anything queued since.
func (o *outbox) requeue(items []queued) {
	if len(items) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items = append(append([]queued(nil), items...), o.items...)
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}
