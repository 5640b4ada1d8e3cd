package pairing

import (
	"errors"
	"fmt"
	"time"

	"github.com/peliorg/speech2prompt-sub002/s2p/crypto"
	"github.com/peliorg/speech2prompt-sub002/s2p/identity"
	"github.com/peliorg/speech2prompt-sub002/s2p/protocol"
	"github.com/peliorg/speech2prompt-sub002/s2p/session"
)

var (
	ErrUnexpectedMessage = errors.New("pairing: unexpected message type")
	ErrHandshakeDone     = errors.New("pairing: handshake already finished")
	ErrInvalidPeer       = errors.New("pairing: invalid peer identity")
)

// RejectedError is returned when the responder declines the pairing.
type RejectedError struct {
	PeerID string
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return "pairing: rejected by peer"
	}
	return "pairing: rejected by peer: " + e.Reason
}

// Initiator runs the requesting side of the pairing handshake. It holds the
// ephemeral keypair between Request and Complete.
type Initiator struct {
	local identity.Device
	eph   crypto.X25519KeyPair
	done  bool
}

// NewInitiator generates a fresh ephemeral keypair for one attempt.
func NewInitiator(local identity.Device) (*Initiator, error) {
	if err := local.Validate(); err != nil {
		return nil, err
	}
	eph, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	return &Initiator{local: local, eph: eph}, nil
}

// Request builds the sealed PAIR_REQ stamped with ts.
func (i *Initiator) Request(ts int64) (protocol.Message, error) {
	if i.done {
		return protocol.Message{}, ErrHandshakeDone
	}
	payload, err := protocol.EncodePayload(protocol.PairRequest{
		PeerID:      i.local.ID,
		DisplayName: i.local.Name,
		PublicKey:   i.eph.PublicKeyBase64(),
	})
	if err != nil {
		return protocol.Message{}, err
	}
	msg := protocol.New(protocol.MessageTypePairRequest, payload)
	msg.Timestamp = ts
	if err := msg.Seal(nil); err != nil {
		return protocol.Message{}, err
	}
	return msg, nil
}

// Complete consumes the responder's PAIR_ACK and derives the session key.
// Whatever the outcome, the ephemeral private key is wiped and the
// Initiator cannot be reused.
func (i *Initiator) Complete(ack protocol.Message) (*session.Session, error) {
	if i.done {
		return nil, ErrHandshakeDone
	}
	defer i.Discard()

	if ack.Type != protocol.MessageTypePairAck {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedMessage, ack.Type)
	}
	if err := ack.Open(nil); err != nil {
		return nil, err
	}
	var body protocol.PairAck
	if err := protocol.DecodePayload(ack.Payload, &body); err != nil {
		return nil, err
	}
	if !body.Success {
		return nil, &RejectedError{PeerID: body.PeerID, Reason: body.Error}
	}
	if err := identity.ValidateID(body.PeerID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeer, err)
	}
	peerPub, err := crypto.ParsePublicKey(body.PublicKey)
	if err != nil {
		return nil, err
	}
	shared, err := crypto.ECDH(i.eph.PrivateKey, peerPub)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(shared)

	key, err := crypto.DeriveSessionKey(shared, i.local.ID, body.PeerID)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(key)
	return session.New(body.PeerID, key, time.Now())
}

// Discard wipes the ephemeral key and ends the attempt.
func (i *Initiator) Discard() {
	i.eph.Wipe()
	i.done = true
}

// Request is a validated PAIR_REQ waiting for the local user's decision.
type Request struct {
	PeerID      string
	DisplayName string
	Timestamp   int64

	peerPub [32]byte
	done    bool
}

// Accept verifies and parses an inbound PAIR_REQ.
func Accept(msg protocol.Message) (*Request, error) {
	if msg.Type != protocol.MessageTypePairRequest {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedMessage, msg.Type)
	}
	if err := msg.Open(nil); err != nil {
		return nil, err
	}
	var body protocol.PairRequest
	if err := protocol.DecodePayload(msg.Payload, &body); err != nil {
		return nil, err
	}
	if err := identity.ValidateID(body.PeerID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeer, err)
	}
	pub, err := crypto.ParsePublicKey(body.PublicKey)
	if err != nil {
		return nil, err
	}
	if pub == ([32]byte{}) {
		return nil, crypto.ErrInvalidPublicKey
	}
	return &Request{
		PeerID:      body.PeerID,
		DisplayName: body.DisplayName,
		Timestamp:   msg.Timestamp,
		peerPub:     pub,
	}, nil
}

// Approve answers the request with a successful PAIR_ACK and returns the
// derived session. The responder's ephemeral key never leaves this call.
func (r *Request) Approve(local identity.Device, ts int64) (protocol.Message, *session.Session, error) {
	if r.done {
		return protocol.Message{}, nil, ErrHandshakeDone
	}
	if err := local.Validate(); err != nil {
		return protocol.Message{}, nil, err
	}
	eph, err := crypto.GenerateX25519()
	if err != nil {
		return protocol.Message{}, nil, err
	}
	defer eph.Wipe()

	shared, err := crypto.ECDH(eph.PrivateKey, r.peerPub)
	if err != nil {
		return protocol.Message{}, nil, err
	}
	defer crypto.Wipe(shared)

	key, err := crypto.DeriveSessionKey(shared, r.PeerID, local.ID)
	if err != nil {
		return protocol.Message{}, nil, err
	}
	defer crypto.Wipe(key)

	sess, err := session.New(r.PeerID, key, time.Now())
	if err != nil {
		return protocol.Message{}, nil, err
	}
	msg, err := buildAck(protocol.PairAck{
		PeerID:    local.ID,
		PublicKey: eph.PublicKeyBase64(),
		Success:   true,
	}, ts)
	if err != nil {
		sess.Wipe()
		return protocol.Message{}, nil, err
	}
	r.done = true
	return msg, sess, nil
}

// Reject answers the request with a failed PAIR_ACK carrying reason.
func (r *Request) Reject(local identity.Device, reason string, ts int64) (protocol.Message, error) {
	if r.done {
		return protocol.Message{}, ErrHandshakeDone
	}
	r.done = true
	return buildAck(protocol.PairAck{PeerID: local.ID, Success: false, Error: reason}, ts)
}

func buildAck(body protocol.PairAck, ts int64) (protocol.Message, error) {
	payload, err := protocol.EncodePayload(body)
	if err != nil {
		return protocol.Message{}, err
	}
	msg := protocol.New(protocol.MessageTypePairAck, payload)
	msg.Timestamp = ts
	if err := msg.Seal(nil); err != nil {
		return protocol.Message{}, err
	}
	return msg, nil
}
