package conn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peliorg/speech2prompt-sub002/s2p/protocol"
)

func TestAckResolvesOnce(t *testing.T) {
	tr := newAckTracker(nil)
	a := newAck()
	tr.register(a, 42, time.Minute)
	require.Equal(t, 1, tr.len())
	assert.Equal(t, int64(42), a.Timestamp())
	assert.NoError(t, a.Err())

	assert.True(t, tr.resolve(42))
	require.NoError(t, a.Wait(context.Background()))
	assert.Equal(t, 0, tr.len())

	// A second ACK for the same timestamp finds nothing.
	assert.False(t, tr.resolve(42))
	a.resolve(ErrClosed)
	assert.NoError(t, a.Err())
}

func TestAckTimeout(t *testing.T) {
	timedOut := make(chan int64, 1)
	tr := newAckTracker(func(ts int64) { timedOut <- ts })
	a := newAck()
	tr.register(a, 7, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.ErrorIs(t, a.Wait(ctx), ErrAckTimeout)
	assert.Equal(t, int64(7), <-timedOut)
	assert.Equal(t, 0, tr.len())
	assert.False(t, tr.resolve(7))
}

// resolvedAck returns an Ack that is already settled with err.
func resolvedAck(err error) *Ack {
	a := newAck()
	a.resolve(err)
	return a
}

func TestAckCancel(t *testing.T) {
	tr := newAckTracker(nil)
	a := newAck()
	tr.register(a, 9, time.Minute)
	a.Cancel()
	assert.ErrorIs(t, a.Err(), ErrCancelled)
	assert.Equal(t, 0, tr.len())

	// Registering an already settled Ack leaves nothing behind.
	b := resolvedAck(ErrClosed)
	tr.register(b, 10, time.Minute)
	assert.Equal(t, 0, tr.len())
}

func TestAckWaitHonoursContext(t *testing.T) {
	a := newAck()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, a.Wait(ctx), context.Canceled)
	select {
	case <-a.Done():
		t.Fatalf("ack resolved by caller context")
	default:
	}
}

func TestAckFailAll(t *testing.T) {
	tr := newAckTracker(nil)
	acks := []*Ack{newAck(), newAck(), newAck()}
	for i, a := range acks {
		tr.register(a, int64(i+1), time.Minute)
	}
	tr.failAll(ErrLinkLost)
	for _, a := range acks {
		assert.ErrorIs(t, a.Err(), ErrLinkLost)
	}
	assert.Equal(t, 0, tr.len())
}

func TestOutboxOrderAndLimit(t *testing.T) {
	o := newOutbox(3)
	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, o.push(queued{typ: protocol.MessageTypeText, payload: p, ack: newAck()}))
	}
	assert.ErrorIs(t, o.push(queued{typ: protocol.MessageTypeText, payload: "d"}), ErrOutboxFull)

	items := o.drain()
	require.Len(t, items, 3)
	assert.Equal(t, "a", items[0].payload)
	assert.Equal(t, "c", items[2].payload)
	assert.Equal(t, 0, o.len())

	require.NoError(t, o.push(queued{payload: "new"}))
	o.requeue(items[1:])
	items = o.drain()
	require.Len(t, items, 3)
	assert.Equal(t, []string{"b", "c", "new"}, []string{items[0].payload, items[1].payload, items[2].payload})
}

func TestReplayWindow(t *testing.T) {
	r := newReplayWindow(time.Minute)
	m := protocol.New(protocol.MessageTypeText, "hi")
	m.Timestamp = 1000
	assert.True(t, r.firstSighting(m))
	assert.False(t, r.firstSighting(m))

	// Same timestamp, different type is a different message.
	w := m
	w.Type = protocol.MessageTypeWord
	assert.True(t, r.firstSighting(w))

	r.reset()
	assert.True(t, r.firstSighting(m))

	off := newReplayWindow(0)
	assert.True(t, off.firstSighting(m))
	assert.True(t, off.firstSighting(m))
}
