package conn

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/peliorg/speech2prompt-sub002/s2p/crypto"
	"github.com/peliorg/speech2prompt-sub002/s2p/identity"
	"github.com/peliorg/speech2prompt-sub002/s2p/packet"
	"github.com/peliorg/speech2prompt-sub002/s2p/pairing"
	"github.com/peliorg/speech2prompt-sub002/s2p/protocol"
	"github.com/peliorg/speech2prompt-sub002/s2p/session"
	"github.com/peliorg/speech2prompt-sub002/s2p/transport"
)

var (
	ErrFailed           = errors.New("conn: connection failed")
	ErrLinkLost         = errors.New("conn: link lost")
	ErrHandshakeTimeout = errors.New("conn: pairing timed out")
	ErrNoPairRequest    = errors.New("conn: no pairing request pending")
	ErrReservedType     = errors.New("conn: message type is managed by the connection")
)

// PairRequest describes a peer asking to pair, as shown to the local user.
type PairRequest struct {
	PeerID      string
	DisplayName string
}

// Handler holds optional callbacks. They are never invoked while the
// connection holds internal locks, so they may call back into it.
type Handler struct {
	OnStateChange func(from, to State)
	// OnMessage receives decrypted TEXT, COMMAND and WORD messages. COMMAND
	// payloads are normalized to their canonical upper-case name.
	OnMessage func(msg protocol.Message)
	// OnPairRequest asks the local user to confirm; answer with
	// ApprovePairing or RejectPairing.
	OnPairRequest func(req PairRequest)
	// OnCryptoFailure reports inbound messages dropped for a bad checksum
	// or failed decryption under an established session.
	OnCryptoFailure func(consecutive int)
}

// Options configure a Connection.
type Options struct {
	Role  Role
	Local identity.Device
	// PeerAddress keys the pairing record in Store.
	PeerAddress string
	Store       pairing.Store
	Config      Config
	Logger      *zerolog.Logger
	Handler     Handler
}

// Connection runs the s2p protocol over one Link: pairing, encrypted
// messaging with acknowledgements, heartbeats and reconnection.
type Connection struct {
	opts Options
	cfg  Config
	link transport.Link
	log  zerolog.Logger

	// fireMu serializes transitions together with their effects.
	fireMu sync.Mutex

	mu             sync.Mutex
	state          State
	stateCh        chan struct{}
	lastErr        error
	sess           *session.Session
	peerName       string
	peerAddr       string
	wasConnected   bool
	flushing       bool
	attempts       int
	rng            *rand.Rand
	retryTimer     *time.Timer
	initiator      *pairing.Initiator
	handshakeTimer *time.Timer
	request        *pairing.Request
	hbCancel       context.CancelFunc
	reasm          *packet.Reassembler
	cryptoFailures int

	writeMu sync.Mutex
	acks    *ackTracker
	outbox  *outbox
	replay  *replayWindow
	lastTS  atomic.Int64
	lastRx  atomic.Int64
}

// New binds a connection to link. Nothing happens until Connect.
func New(link transport.Link, opts Options) (*Connection, error) {
	if link == nil {
		return nil, errors.New("conn: nil link")
	}
	if err := opts.Local.Validate(); err != nil {
		return nil, err
	}
	cfg := opts.Config
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	if cfg.MTU == 0 {
		cfg.MTU = link.MTU()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base := zerolog.Nop()
	if opts.Logger != nil {
		base = *opts.Logger
	}
	c := &Connection{
		opts:     opts,
		cfg:      cfg,
		link:     link,
		stateCh:  make(chan struct{}),
		peerAddr: opts.PeerAddress,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		reasm:    packet.NewReassembler(cfg.ReassemblyTimeout),
		outbox:   newOutbox(cfg.OutboxLimit),
		replay:   newReplayWindow(cfg.ReplayWindow),
		log: base.With().
			Str("component", "conn").
			Str("role", opts.Role.String()).
			Str("peer", opts.PeerAddress).
			Logger(),
	}
	c.acks = newAckTracker(func(ts int64) {
		c.log.Warn().Int64("ts", ts).Msg("no ack from peer")
	})
	return c, nil
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the one-byte status for the current state.
func (c *Connection) Status() protocol.StatusCode { return StatusOf(c.State()) }

// PeerID returns the paired peer's id, or "" without a session.
func (c *Connection) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.PeerID()
}

// Err returns the error behind the most recent failure, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Connect starts the connection and blocks until it settles. An initiator
// settles in Connected or Failed. A responder also settles once it waits
// for a pairing request. A stored pairing record for PeerAddress resumes
// the session without a handshake.
func (c *Connection) Connect(ctx context.Context) error {
	c.loadPairing(ctx)
	c.mu.Lock()
	c.lastErr = nil
	c.mu.Unlock()
	c.fire(EventConnectRequested)
	return c.waitSettled(ctx)
}

// Close tears the connection down to Disconnected. Pending and queued
// messages resolve with ErrClosed. The Connection may be connected again.
func (c *Connection) Close() error {
	c.fire(EventDisconnectRequested)
	return nil
}

// WaitState blocks until the connection is in want or ctx ends.
func (c *Connection) WaitState(ctx context.Context, want State) error {
	for {
		c.mu.Lock()
		s, ch := c.state, c.stateCh
		c.mu.Unlock()
		if s == want {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("conn: waiting for %s in %s: %w", want, s, ctx.Err())
		}
	}
}

func (c *Connection) waitSettled(ctx context.Context) error {
	for {
		c.mu.Lock()
		s, ch, lastErr := c.state, c.stateCh, c.lastErr
		c.mu.Unlock()
		switch s {
		case StateConnected:
			return nil
		case StatePairing, StateAwaitingPairing:
			if c.opts.Role == RoleResponder {
				return nil
			}
		case StateFailed:
			if lastErr != nil {
				return fmt.Errorf("%w: %w", ErrFailed, lastErr)
			}
			return ErrFailed
		case StateDisconnected:
			return ErrLinkLost
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send submits a TEXT, COMMAND or WORD message. While Connected it is
// written immediately; otherwise it waits in the outbox until the next
// Connected. The returned Ack resolves when the peer acknowledges it.
func (c *Connection) Send(ctx context.Context, typ protocol.MessageType, payload string) (*Ack, error) {
	if !typ.NeedsAck() || typ.IsHandshake() {
		return nil, fmt.Errorf("%w: %s", ErrReservedType, typ)
	}
	ack := newAck()
	c.mu.Lock()
	if c.state != StateConnected || c.flushing {
		err := c.outbox.push(queued{typ: typ, payload: payload, ack: ack})
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return ack, nil
	}
	key, err := c.keyLocked()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(key)
	if err := c.sendNow(ctx, typ, payload, key, ack); err != nil {
		return ack, err
	}
	return ack, nil
}

// SendText sends recognized speech.
func (c *Connection) SendText(ctx context.Context, text string) (*Ack, error) {
	return c.Send(ctx, protocol.MessageTypeText, text)
}

// SendCommand sends one of the editing commands.
func (c *Connection) SendCommand(ctx context.Context, cmd protocol.Command) (*Ack, error) {
	if _, err := protocol.ParseCommand(cmd.String()); err != nil {
		return nil, err
	}
	return c.Send(ctx, protocol.MessageTypeCommand, cmd.String())
}

// SendWord sends one streamed word.
func (c *Connection) SendWord(ctx context.Context, w protocol.Word) (*Ack, error) {
	if w.Word == "" {
		return nil, protocol.ErrEmptyWord
	}
	payload, err := protocol.EncodePayload(w)
	if err != nil {
		return nil, err
	}
	return c.Send(ctx, protocol.MessageTypeWord, payload)
}

// ApprovePairing accepts the pending pairing request.
func (c *Connection) ApprovePairing(ctx context.Context) error {
	req, err := c.takeRequest()
	if err != nil {
		return err
	}
	ack, sess, err := req.Approve(c.opts.Local, c.nextTimestamp())
	if err != nil {
		c.fail(err)
		c.fire(EventHandshakeFailed)
		return err
	}

	// The session is installed before PAIR_ACK goes out so the first
	// encrypted message from the peer can be opened.
	c.mu.Lock()
	old := c.sess
	c.sess = sess
	c.peerName = req.DisplayName
	if c.peerAddr == "" {
		// Without a link address, pairings are kept under the peer's id.
		c.peerAddr = req.PeerID
	}
	c.mu.Unlock()
	old.Wipe()
	c.replay.reset()

	if err := c.transmit(ctx, ack, nil); err != nil {
		c.mu.Lock()
		c.sess = nil
		c.mu.Unlock()
		sess.Wipe()
		c.fail(err)
		c.fire(EventHandshakeFailed)
		return err
	}
	c.log.Info().Str("peer_id", req.PeerID).Str("peer_name", req.DisplayName).Msg("pairing approved")
	c.fire(EventHandshakeSucceeded)
	return nil
}

// RejectPairing declines the pending pairing request with reason.
func (c *Connection) RejectPairing(ctx context.Context, reason string) error {
	req, err := c.takeRequest()
	if err != nil {
		return err
	}
	ack, err := req.Reject(c.opts.Local, reason, c.nextTimestamp())
	if err == nil {
		err = c.transmit(ctx, ack, nil)
	}
	c.log.Info().Str("peer_id", req.PeerID).Str("reason", reason).Msg("pairing rejected")
	c.fire(EventHandshakeFailed)
	return err
}

func (c *Connection) takeRequest() (*pairing.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAwaitingPairing || c.request == nil {
		return nil, ErrNoPairRequest
	}
	req := c.request
	c.request = nil
	return req, nil
}

// fire runs ev, and any events its effects produce, through Transition.
// State-change callbacks run after fireMu is released.
func (c *Connection) fire(ev Event) {
	type change struct{ from, to State }
	var changes []change

	c.fireMu.Lock()
	queue := []Event{ev}
	for len(queue) > 0 {
		ev := queue[0]
		queue = queue[1:]

		c.mu.Lock()
		from := c.state
		to, effects := Transition(from, ev, c.factsLocked())
		if to != from {
			c.setStateLocked(to)
		}
		c.mu.Unlock()

		if to != from {
			changes = append(changes, change{from, to})
			c.log.Info().Stringer("from", from).Stringer("to", to).Stringer("event", ev).Msg("state changed")
		}
		for _, eff := range effects {
			if next := c.apply(eff, ev); next != 0 {
				queue = append(queue, next)
			}
		}
	}
	c.fireMu.Unlock()

	if cb := c.opts.Handler.OnStateChange; cb != nil {
		for _, ch := range changes {
			cb(ch.from, ch.to)
		}
	}
}

func (c *Connection) factsLocked() Facts {
	return Facts{
		Role:         c.opts.Role,
		HasSession:   c.sess != nil,
		WasConnected: c.wasConnected,
		RetriesLeft:  c.attempts < c.cfg.Backoff.MaxAttempts,
	}
}

func (c *Connection) setStateLocked(s State) {
	c.state = s
	if s == StateConnected {
		c.wasConnected = true
		c.flushing = true
	}
	close(c.stateCh)
	c.stateCh = make(chan struct{})
}

// apply performs one effect. It may return a follow-up event.
func (c *Connection) apply(eff Effect, cause Event) Event {
	switch eff {
	case EffectDial:
		return c.dial()

	case EffectScheduleRetry:
		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		delay := NextBackoffDelay(c.cfg.Backoff, attempt, c.rng)
		if c.retryTimer != nil {
			c.retryTimer.Stop()
		}
		c.retryTimer = time.AfterFunc(delay, func() { c.fire(EventRetryTimer) })
		c.mu.Unlock()
		c.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("retry scheduled")

	case EffectCancelRetry:
		c.mu.Lock()
		if c.retryTimer != nil {
			c.retryTimer.Stop()
			c.retryTimer = nil
		}
		c.mu.Unlock()

	case EffectResetBackoff:
		c.mu.Lock()
		c.attempts = 0
		c.mu.Unlock()

	case EffectSendPairRequest:
		return c.sendPairRequest()

	case EffectDiscardHandshake:
		c.mu.Lock()
		if c.handshakeTimer != nil {
			c.handshakeTimer.Stop()
			c.handshakeTimer = nil
		}
		if c.initiator != nil {
			c.initiator.Discard()
			c.initiator = nil
		}
		c.request = nil
		c.mu.Unlock()

	case EffectStartHeartbeat:
		c.startHeartbeat()

	case EffectStopHeartbeat:
		c.stopHeartbeat()

	case EffectFlushOutbox:
		c.flush()

	case EffectFailOutbox:
		err := c.teardownErr(cause)
		for _, q := range c.outbox.drain() {
			q.ack.resolve(err)
		}

	case EffectFailAcks:
		c.acks.failAll(c.teardownErr(cause))

	case EffectResetReassembler:
		c.mu.Lock()
		c.reasm.Reset()
		c.mu.Unlock()

	case EffectWipeSession:
		c.mu.Lock()
		sess := c.sess
		c.sess = nil
		c.cryptoFailures = 0
		c.mu.Unlock()
		sess.Wipe()
		c.replay.reset()

	case EffectPersistPairing:
		c.persist()

	case EffectTouchPairing:
		c.touch()

	case EffectCloseTransport:
		if err := c.link.Close(); err != nil {
			c.log.Debug().Err(err).Msg("close link")
		}
	}
	return 0
}

func (c *Connection) teardownErr(cause Event) error {
	switch {
	case c.State() == StateFailed:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.lastErr != nil {
			return fmt.Errorf("%w: %w", ErrFailed, c.lastErr)
		}
		return ErrFailed
	case cause == EventTransportLost:
		return ErrLinkLost
	default:
		return ErrClosed
	}
}

func (c *Connection) fail(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Connection) dial() Event {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()
	c.mu.Lock()
	c.reasm.Reset()
	c.mu.Unlock()
	if err := c.link.Open(ctx, linkHandler{c}); err != nil {
		c.log.Warn().Err(err).Msg("link open failed")
		c.fail(err)
		return EventTransportFailed
	}
	c.lastRx.Store(time.Now().UnixNano())
	return EventTransportReady
}

func (c *Connection) sendPairRequest() Event {
	ini, err := pairing.NewInitiator(c.opts.Local)
	if err != nil {
		c.fail(err)
		return EventHandshakeFailed
	}
	msg, err := ini.Request(c.nextTimestamp())
	if err != nil {
		ini.Discard()
		c.fail(err)
		return EventHandshakeFailed
	}

	c.mu.Lock()
	c.initiator = ini
	c.handshakeTimer = time.AfterFunc(c.cfg.HandshakeTimeout, func() { c.handshakeExpired(ini) })
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()
	if err := c.transmit(ctx, msg, newAck()); err != nil {
		c.fail(err)
		return EventHandshakeFailed
	}
	c.log.Info().Str("device_id", c.opts.Local.ID).Msg("pairing requested")
	return 0
}

func (c *Connection) handshakeExpired(ini *pairing.Initiator) {
	c.mu.Lock()
	current := c.initiator == ini
	c.mu.Unlock()
	if !current {
		return
	}
	c.log.Warn().Dur("after", c.cfg.HandshakeTimeout).Msg("pairing timed out")
	c.fail(ErrHandshakeTimeout)
	c.fire(EventHandshakeFailed)
}

// flush writes queued messages in order. Messages queued by Send while a
// flush is underway are picked up before flushing ends.
func (c *Connection) flush() {
	for {
		items := c.outbox.drain()
		if len(items) == 0 {
			c.mu.Lock()
			if c.outbox.len() == 0 {
				c.flushing = false
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
			continue
		}

		c.mu.Lock()
		key, err := c.keyLocked()
		c.mu.Unlock()
		if err != nil {
			c.outbox.requeue(items)
			c.stopFlushing()
			return
		}
		for i, q := range items {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
			err := c.sendNow(ctx, q.typ, q.payload, key, q.ack)
			cancel()
			if err != nil && isLinkError(err) {
				// The Ack was resolved by the failed write; keep the rest.
				c.outbox.requeue(items[i+1:])
				c.log.Warn().Err(err).Int("remaining", len(items)-i-1).Msg("outbox flush interrupted")
				crypto.Wipe(key)
				c.stopFlushing()
				return
			}
		}
		crypto.Wipe(key)
		c.log.Debug().Int("count", len(items)).Msg("outbox flushed")
	}
}

func (c *Connection) stopFlushing() {
	c.mu.Lock()
	c.flushing = false
	c.mu.Unlock()
}

func isLinkError(err error) bool {
	return !errors.Is(err, packet.ErrMessageTooLarge) && !errors.Is(err, crypto.ErrInvalidKeySize)
}

func (c *Connection) loadPairing(ctx context.Context) {
	addr := c.address()
	if c.opts.Store == nil || addr == "" {
		return
	}
	c.mu.Lock()
	has := c.sess != nil
	c.mu.Unlock()
	if has {
		return
	}
	rec, err := c.opts.Store.Get(ctx, addr)
	if err != nil {
		if !errors.Is(err, pairing.ErrNotFound) {
			c.log.Warn().Err(err).Msg("load pairing")
		}
		return
	}
	sess, err := rec.Session()
	if err != nil {
		c.log.Warn().Err(err).Msg("stored pairing unusable")
		return
	}
	c.mu.Lock()
	if c.sess == nil {
		c.sess = sess
		c.peerName = rec.PeerName
		sess = nil
	}
	c.mu.Unlock()
	sess.Wipe()
	c.log.Debug().Str("peer_id", rec.PeerID).Msg("resuming stored pairing")
}

func (c *Connection) persist() {
	c.mu.Lock()
	sess, name, addr := c.sess, c.peerName, c.peerAddr
	c.mu.Unlock()
	if c.opts.Store == nil || addr == "" || sess == nil {
		return
	}
	rec, err := pairing.NewRecord(addr, name, sess, time.Now())
	if err != nil {
		c.log.Error().Err(err).Msg("build pairing record")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()
	if err := c.opts.Store.Save(ctx, rec); err != nil {
		c.log.Error().Err(err).Msg("save pairing")
	}
}

func (c *Connection) touch() {
	addr := c.address()
	if c.opts.Store == nil || addr == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()
	err := c.opts.Store.Touch(ctx, addr, time.Now())
	if err != nil && !errors.Is(err, pairing.ErrNotFound) {
		c.log.Warn().Err(err).Msg("touch pairing")
	}
}

func (c *Connection) address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerAddr
}

// keyLocked copies the session key; nil without a session. The caller
// wipes the copy.
func (c *Connection) keyLocked() ([]byte, error) {
	if c.sess == nil {
		return nil, nil
	}
	return c.sess.Key()
}

// nextTimestamp returns wall-clock milliseconds, bumped when needed so no
// two messages from this connection share a timestamp.
func (c *Connection) nextTimestamp() int64 {
	now := time.Now().UnixMilli()
	for {
		last := c.lastTS.Load()
		ts := now
		if ts <= last {
			ts = last + 1
		}
		if c.lastTS.CompareAndSwap(last, ts) {
			return ts
		}
	}
}

func (c *Connection) sendNow(ctx context.Context, typ protocol.MessageType, payload string, key []byte, ack *Ack) error {
	msg := protocol.New(typ, payload)
	msg.Timestamp = c.nextTimestamp()
	if err := msg.Seal(key); err != nil {
		if ack != nil {
			ack.resolve(err)
		}
		return err
	}
	return c.transmit(ctx, msg, ack)
}

// transmit chunks a sealed message and writes every packet, retrying
// failed writes. Packets of different messages never interleave.
func (c *Connection) transmit(ctx context.Context, msg protocol.Message, ack *Ack) error {
	wire, err := msg.Encode()
	if err == nil {
		var packets [][]byte
		packets, err = packet.Chunk(wire, c.cfg.MTU)
		if err == nil {
			if ack != nil {
				c.acks.register(ack, msg.Timestamp, c.cfg.AckTimeout)
			}
			err = c.writePackets(ctx, packets)
		}
	}
	if err != nil {
		if ack != nil {
			ack.resolve(err)
		}
		c.log.Warn().Err(err).Stringer("type", msg.Type).Int64("ts", msg.Timestamp).Msg("send failed")
		return err
	}
	c.log.Debug().Stringer("type", msg.Type).Int64("ts", msg.Timestamp).Int("bytes", len(wire)).Msg("sent")
	return nil
}

func (c *Connection) writePackets(ctx context.Context, packets [][]byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, p := range packets {
		var err error
		for attempt := 0; attempt <= c.cfg.WriteRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-time.After(c.cfg.WriteRetryDelay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if err = c.link.Write(ctx, p); err == nil || errors.Is(err, transport.ErrPacketTooLarge) {
				break
			}
		}
		if err != nil {
			return fmt.Errorf("conn: write packet: %w", err)
		}
	}
	return nil
}

// linkHandler keeps the transport callbacks off the public API.
type linkHandler struct{ c *Connection }

func (h linkHandler) HandlePacket(p []byte) { h.c.handlePacket(p) }
func (h linkHandler) HandleDisconnect(err error) { h.c.handleDisconnect(err) }

func (c *Connection) handleDisconnect(err error) {
	c.log.Warn().Err(err).Msg("link lost")
	c.fire(EventTransportLost)
}

func (c *Connection) handlePacket(p []byte) {
	c.lastRx.Store(time.Now().UnixNano())
	c.mu.Lock()
	raw, err := c.reasm.Feed(p)
	c.mu.Unlock()
	if err != nil {
		c.log.Debug().Err(err).Msg("packet dropped")
		return
	}
	if raw == nil {
		return
	}
	msg, err := protocol.Decode(raw)
	if err != nil {
		c.log.Warn().Err(err).Msg("undecodable message dropped")
		return
	}
	c.dispatch(msg)
}

func (c *Connection) dispatch(msg protocol.Message) {
	switch msg.Type {
	case protocol.MessageTypePairRequest:
		c.handlePairRequest(msg)
		return
	case protocol.MessageTypePairAck:
		c.handlePairAck(msg)
		return
	}

	c.mu.Lock()
	key, err := c.keyLocked()
	c.mu.Unlock()
	if err != nil {
		c.log.Warn().Err(err).Msg("session unavailable")
		return
	}
	defer crypto.Wipe(key)

	if err := msg.Open(key); err != nil {
		if key == nil && c.tryResume(msg) {
			c.dispatch(msg)
			return
		}
		c.cryptoFailure(msg, err, key != nil)
		return
	}
	if key != nil {
		c.mu.Lock()
		c.cryptoFailures = 0
		c.mu.Unlock()
	}

	switch msg.Type {
	case protocol.MessageTypeAck:
		ts, err := msg.AckedTimestamp()
		if err != nil {
			c.log.Debug().Err(err).Msg("bad ack")
			return
		}
		if !c.acks.resolve(ts) {
			c.log.Debug().Int64("ts", ts).Msg("ack for unknown message")
		}

	case protocol.MessageTypeHeartbeat:
		c.acknowledge(msg.Timestamp, key)

	case protocol.MessageTypeText, protocol.MessageTypeCommand, protocol.MessageTypeWord:
		if key == nil {
			c.log.Warn().Stringer("type", msg.Type).Msg("message before pairing dropped")
			return
		}
		if err := normalize(&msg); err != nil {
			c.log.Warn().Err(err).Stringer("type", msg.Type).Msg("invalid payload dropped")
			return
		}
		c.acknowledge(msg.Timestamp, key)
		if !c.replay.firstSighting(msg) {
			c.log.Debug().Stringer("type", msg.Type).Int64("ts", msg.Timestamp).Msg("duplicate dropped")
			return
		}
		if cb := c.opts.Handler.OnMessage; cb != nil {
			cb(msg)
		}
	}
}

func normalize(msg *protocol.Message) error {
	switch msg.Type {
	case protocol.MessageTypeCommand:
		cmd, err := protocol.ParseCommand(msg.Payload)
		if err != nil {
			return err
		}
		msg.Payload = cmd.String()
	case protocol.MessageTypeWord:
		if _, err := protocol.ParseWord(msg.Payload); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) acknowledge(ts int64, key []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()
	_ = c.sendNow(ctx, protocol.MessageTypeAck, strconv.FormatInt(ts, 10), key, nil)
}

func (c *Connection) cryptoFailure(msg protocol.Message, err error, withSession bool) {
	if !withSession {
		c.log.Debug().Err(err).Stringer("type", msg.Type).Msg("unverifiable message dropped")
		return
	}
	c.mu.Lock()
	c.cryptoFailures++
	n := c.cryptoFailures
	c.mu.Unlock()
	c.log.Warn().Err(err).Stringer("type", msg.Type).Int("consecutive", n).Msg("crypto failure")
	if cb := c.opts.Handler.OnCryptoFailure; cb != nil {
		cb(n)
	}
}

// tryResume lets a responder without a session recognize a reconnecting
// peer: the stored session key that verifies msg is adopted.
func (c *Connection) tryResume(msg protocol.Message) bool {
	if c.opts.Role != RoleResponder || c.opts.Store == nil || msg.Type.IsHandshake() {
		return false
	}
	c.mu.Lock()
	eligible := c.state == StatePairing && c.sess == nil
	c.mu.Unlock()
	if !eligible {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()
	recs, err := c.opts.Store.List(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("list pairings")
		return false
	}
	for _, rec := range recs {
		sess, err := rec.Session()
		if err != nil {
			continue
		}
		key, err := sess.Key()
		if err != nil {
			sess.Wipe()
			continue
		}
		ok := msg.Verify(key) == nil
		crypto.Wipe(key)
		if !ok {
			sess.Wipe()
			continue
		}

		c.mu.Lock()
		if c.sess != nil || c.state != StatePairing {
			c.mu.Unlock()
			sess.Wipe()
			return false
		}
		c.sess = sess
		c.peerName = rec.PeerName
		c.peerAddr = rec.PeerAddress
		c.mu.Unlock()
		c.log.Info().Str("peer_id", rec.PeerID).Msg("stored pairing recognized")
		c.fire(EventSessionResumed)
		return c.State() == StateConnected
	}
	return false
}

func (c *Connection) handlePairRequest(msg protocol.Message) {
	if c.opts.Role != RoleResponder {
		c.log.Debug().Msg("pair request ignored by initiator")
		return
	}
	req, err := pairing.Accept(msg)
	if err != nil {
		c.log.Warn().Err(err).Msg("pair request rejected")
		return
	}
	// Acknowledge receipt now; the decision arrives later as PAIR_ACK.
	c.acknowledge(msg.Timestamp, nil)

	c.mu.Lock()
	c.request = req
	c.mu.Unlock()
	c.fire(EventPairRequested)

	if c.State() != StateAwaitingPairing {
		return
	}
	c.log.Info().Str("peer_id", req.PeerID).Str("peer_name", req.DisplayName).Msg("pairing requested by peer")
	if cb := c.opts.Handler.OnPairRequest; cb != nil {
		cb(PairRequest{PeerID: req.PeerID, DisplayName: req.DisplayName})
	}
}

func (c *Connection) handlePairAck(msg protocol.Message) {
	if err := msg.Verify(nil); err != nil {
		c.log.Warn().Err(err).Msg("pair ack dropped")
		return
	}
	c.mu.Lock()
	ini := c.initiator
	c.initiator = nil
	if ini != nil && c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
		c.handshakeTimer = nil
	}
	c.mu.Unlock()
	if ini == nil {
		c.log.Debug().Msg("unexpected pair ack")
		return
	}

	sess, err := ini.Complete(msg)
	if err != nil {
		c.log.Warn().Err(err).Msg("pairing failed")
		c.fail(err)
		c.fire(EventHandshakeFailed)
		return
	}
	c.mu.Lock()
	old := c.sess
	c.sess = sess
	c.mu.Unlock()
	old.Wipe()
	c.replay.reset()
	c.log.Info().Str("peer_id", sess.PeerID()).Msg("paired")
	c.fire(EventHandshakeSucceeded)
}
