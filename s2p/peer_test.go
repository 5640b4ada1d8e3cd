package s2p

import (
	"context"
	"testing"
	"time"

	"github.com/peliorg/speech2prompt-sub002/s2p/conn"
	"github.com/peliorg/speech2prompt-sub002/s2p/identity"
	"github.com/peliorg/speech2prompt-sub002/s2p/pairing/memory"
	"github.com/peliorg/speech2prompt-sub002/s2p/protocol"
)

func TestPeerPairAndResumeOverQUIC(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	host := NewPeer(identity.Device{ID: "desktop-1", Name: "Desktop"}, memory.New())
	if err := host.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer host.Close()
	addr := host.ListenAddr()
	if addr == "" {
		t.Fatalf("expected listener addr")
	}

	received := make(chan protocol.Message, 4)
	type accepted struct {
		c   *conn.Connection
		err error
	}
	acceptOne := func(approve bool) <-chan accepted {
		ch := make(chan accepted, 1)
		go func() {
			reqs := make(chan conn.PairRequest, 1)
			c, err := host.Accept(ctx, conn.Handler{
				OnMessage:     func(m protocol.Message) { received <- m },
				OnPairRequest: func(r conn.PairRequest) { reqs <- r },
			})
			if err == nil && approve {
				select {
				case <-reqs:
					err = c.ApprovePairing(ctx)
				case <-ctx.Done():
					err = ctx.Err()
				}
			}
			ch <- accepted{c, err}
		}()
		return ch
	}

	phoneStore := memory.New()
	phone := NewPeer(identity.Device{ID: "phone-1", Name: "Phone"}, phoneStore)

	first := acceptOne(true)
	client, err := phone.Dial(ctx, addr, conn.Handler{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	res := <-first
	if res.err != nil {
		t.Fatalf("Accept: %v", res.err)
	}
	if client.PeerID() != "desktop-1" {
		t.Fatalf("client paired with %q", client.PeerID())
	}

	ack, err := client.SendText(ctx, "hello over quic")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := ack.Wait(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if m := <-received; m.Payload != "hello over quic" {
		t.Fatalf("host got %q", m.Payload)
	}

	// Drop the session and come back: the stored key is reused by both sides.
	_ = client.Close()
	if err := res.c.WaitState(ctx, conn.StateDisconnected); err != nil {
		t.Fatalf("host did not notice close: %v", err)
	}

	second := acceptOne(false)
	again, err := phone.Dial(ctx, addr, conn.Handler{})
	if err != nil {
		t.Fatalf("redial: %v", err)
	}
	defer again.Close()
	res2 := <-second
	if res2.err != nil {
		t.Fatalf("Accept: %v", res2.err)
	}
	ack, err = again.SendCommand(ctx, protocol.CommandEnter)
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if err := ack.Wait(ctx); err != nil {
		t.Fatalf("ack after resume: %v", err)
	}
	if m := <-received; m.Payload != "ENTER" {
		t.Fatalf("host got %q", m.Payload)
	}
	if err := res2.c.WaitState(ctx, conn.StateConnected); err != nil {
		t.Fatalf("host not connected: %v", err)
	}
}

func TestAcceptWithoutListen(t *testing.T) {
	p := NewPeer(identity.Device{ID: "desktop-1"}, nil)
	if _, err := p.Accept(context.Background(), conn.Handler{}); err != ErrNotListening {
		t.Fatalf("expected ErrNotListening, got %v", err)
	}
}
