package conn

import "github.com/peliorg/speech2prompt-sub002/s2p/protocol"

// State is the connection lifecycle state.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StatePairing
	StateAwaitingPairing
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StatePairing:
		return "pairing"
	case StateAwaitingPairing:
		return "awaiting_pairing"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StatusOf maps a state to the one-byte host status clients display.
func StatusOf(s State) protocol.StatusCode {
	switch s {
	case StatePairing, StateAwaitingPairing:
		return protocol.StatusAwaitingPairing
	case StateConnected:
		return protocol.StatusPaired
	case StateConnecting, StateReconnecting:
		return protocol.StatusBusy
	case StateFailed:
		return protocol.StatusError
	default:
		return protocol.StatusIdle
	}
}

// Role says which side of the pairing handshake this connection plays.
type Role uint8

const (
	// RoleInitiator dials, sends PAIR_REQ and reconnects after loss.
	RoleInitiator Role = iota
	// RoleResponder answers PAIR_REQ after local confirmation.
	RoleResponder
)

func (r Role) String() string {
	if r == RoleResponder {
		return "responder"
	}
	return "initiator"
}

// Event is an input to the state machine.
type Event uint8

const (
	EventConnectRequested Event = iota + 1
	EventDisconnectRequested
	EventTransportReady
	EventTransportFailed
	EventTransportLost
	EventRetryTimer
	EventPairRequested
	EventHandshakeSucceeded
	EventHandshakeFailed
	// EventSessionResumed: a responder recognized a stored session key on
	// the first message of a reconnecting peer.
	EventSessionResumed
)

func (e Event) String() string {
	switch e {
	case EventConnectRequested:
		return "connect_requested"
	case EventDisconnectRequested:
		return "disconnect_requested"
	case EventTransportReady:
		return "transport_ready"
	case EventTransportFailed:
		return "transport_failed"
	case EventTransportLost:
		return "transport_lost"
	case EventRetryTimer:
		return "retry_timer"
	case EventPairRequested:
		return "pair_requested"
	case EventHandshakeSucceeded:
		return "handshake_succeeded"
	case EventHandshakeFailed:
		return "handshake_failed"
	case EventSessionResumed:
		return "session_resumed"
	default:
		return "unknown"
	}
}

// Effect is a side effect the connection performs after a transition, in
// the order returned.
type Effect uint8

const (
	EffectDial Effect = iota + 1
	EffectScheduleRetry
	EffectCancelRetry
	EffectResetBackoff
	EffectSendPairRequest
	EffectDiscardHandshake
	EffectStartHeartbeat
	EffectStopHeartbeat
	EffectFlushOutbox
	EffectFailOutbox
	EffectFailAcks
	EffectResetReassembler
	EffectWipeSession
	EffectPersistPairing
	EffectTouchPairing
	EffectCloseTransport
)

func (e Effect) String() string {
	switch e {
	case EffectDial:
		return "dial"
	case EffectScheduleRetry:
		return "schedule_retry"
	case EffectCancelRetry:
		return "cancel_retry"
	case EffectResetBackoff:
		return "reset_backoff"
	case EffectSendPairRequest:
		return "send_pair_request"
	case EffectDiscardHandshake:
		return "discard_handshake"
	case EffectStartHeartbeat:
		return "start_heartbeat"
	case EffectStopHeartbeat:
		return "stop_heartbeat"
	case EffectFlushOutbox:
		return "flush_outbox"
	case EffectFailOutbox:
		return "fail_outbox"
	case EffectFailAcks:
		return "fail_acks"
	case EffectResetReassembler:
		return "reset_reassembler"
	case EffectWipeSession:
		return "wipe_session"
	case EffectPersistPairing:
		return "persist_pairing"
	case EffectTouchPairing:
		return "touch_pairing"
	case EffectCloseTransport:
		return "close_transport"
	default:
		return "unknown"
	}
}

// Facts are the parts of connection state, beyond State, that transitions
// depend on.
type Facts struct {
	Role         Role
	HasSession   bool
	WasConnected bool
	RetriesLeft  bool
}

// Transition is the connection state machine. It is pure: the same inputs
// always yield the same state and effects, and nothing is executed here.
// Events that do not apply to the current state leave it unchanged with no
// effects.
func Transition(s State, ev Event, f Facts) (State, []Effect) {
	if ev == EventDisconnectRequested {
		return StateDisconnected, []Effect{
			EffectStopHeartbeat, EffectCancelRetry, EffectDiscardHandshake, EffectCloseTransport,
			EffectResetReassembler, EffectFailAcks, EffectFailOutbox, EffectWipeSession,
		}
	}

	switch s {
	case StateDisconnected, StateFailed:
		if ev == EventConnectRequested {
			return StateConnecting, []Effect{EffectResetBackoff, EffectDial}
		}

	case StateConnecting:
		switch ev {
		case EventTransportReady:
			return ready(f)
		case EventTransportFailed:
			if f.RetriesLeft {
				return StateConnecting, []Effect{EffectScheduleRetry}
			}
			return StateFailed, []Effect{EffectFailAcks, EffectFailOutbox, EffectWipeSession}
		case EventRetryTimer:
			return StateConnecting, []Effect{EffectDial}
		case EventTransportLost:
			return StateDisconnected, []Effect{EffectResetReassembler}
		}

	case StatePairing:
		switch ev {
		case EventPairRequested:
			if f.Role == RoleResponder {
				return StateAwaitingPairing, nil
			}
		case EventHandshakeSucceeded:
			return StateConnected, connectedEffects(EffectPersistPairing)
		case EventSessionResumed:
			if f.Role == RoleResponder && f.HasSession {
				return StateConnected, connectedEffects(EffectTouchPairing)
			}
		case EventHandshakeFailed:
			if f.Role == RoleResponder {
				return StatePairing, []Effect{EffectDiscardHandshake}
			}
			return StateFailed, []Effect{
				EffectDiscardHandshake, EffectCloseTransport, EffectResetReassembler,
				EffectFailAcks, EffectFailOutbox, EffectWipeSession,
			}
		case EventTransportLost:
			return StateDisconnected, []Effect{EffectDiscardHandshake, EffectResetReassembler, EffectFailAcks, EffectWipeSession}
		}

	case StateAwaitingPairing:
		switch ev {
		case EventPairRequested:
			return StateAwaitingPairing, nil
		case EventHandshakeSucceeded:
			return StateConnected, connectedEffects(EffectPersistPairing)
		case EventHandshakeFailed:
			// A declined re-pair leaves the established session in place.
			if f.HasSession {
				return StateConnected, []Effect{EffectDiscardHandshake, EffectStartHeartbeat, EffectFlushOutbox}
			}
			return StatePairing, []Effect{EffectDiscardHandshake}
		case EventTransportLost:
			return StateDisconnected, []Effect{EffectDiscardHandshake, EffectResetReassembler, EffectFailAcks, EffectWipeSession}
		}

	case StateConnected:
		switch ev {
		case EventTransportLost:
			if f.Role == RoleInitiator && f.HasSession && f.WasConnected {
				return StateReconnecting, []Effect{EffectStopHeartbeat, EffectResetReassembler, EffectScheduleRetry}
			}
			return StateDisconnected, []Effect{EffectStopHeartbeat, EffectResetReassembler, EffectFailAcks, EffectWipeSession}
		case EventPairRequested:
			if f.Role == RoleResponder {
				return StateAwaitingPairing, []Effect{EffectStopHeartbeat}
			}
		}

	case StateReconnecting:
		switch ev {
		case EventRetryTimer:
			return StateReconnecting, []Effect{EffectDial}
		case EventTransportReady:
			return StateConnected, connectedEffects(EffectTouchPairing)
		case EventTransportFailed:
			if f.RetriesLeft {
				return StateReconnecting, []Effect{EffectScheduleRetry}
			}
			return StateFailed, []Effect{EffectFailAcks, EffectFailOutbox, EffectWipeSession}
		}
	}
	return s, nil
}

func ready(f Facts) (State, []Effect) {
	switch {
	case f.HasSession:
		return StateConnected, connectedEffects(EffectTouchPairing)
	case f.Role == RoleInitiator:
		return StatePairing, []Effect{EffectSendPairRequest}
	default:
		return StatePairing, nil
	}
}

func connectedEffects(record Effect) []Effect {
	return []Effect{EffectResetBackoff, EffectStartHeartbeat, record, EffectFlushOutbox}
}
