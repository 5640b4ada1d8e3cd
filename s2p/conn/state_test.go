package conn

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/peliorg/speech2prompt-sub002/s2p/protocol"
)

func TestTransition(t *testing.T) {
	initiator := Facts{Role: RoleInitiator, RetriesLeft: true}
	responder := Facts{Role: RoleResponder, RetriesLeft: true}
	paired := Facts{Role: RoleInitiator, HasSession: true, WasConnected: true, RetriesLeft: true}
	exhausted := Facts{Role: RoleInitiator, HasSession: true, WasConnected: true}

	tests := []struct {
		name    string
		from    State
		ev      Event
		facts   Facts
		to      State
		effects []Effect
	}{
		{"connect", StateDisconnected, EventConnectRequested, initiator, StateConnecting, []Effect{EffectResetBackoff, EffectDial}},
		{"connect after failure", StateFailed, EventConnectRequested, initiator, StateConnecting, []Effect{EffectResetBackoff, EffectDial}},
		{"initiator starts pairing", StateConnecting, EventTransportReady, initiator, StatePairing, []Effect{EffectSendPairRequest}},
		{"responder waits for request", StateConnecting, EventTransportReady, responder, StatePairing, nil},
		{"stored session skips pairing", StateConnecting, EventTransportReady, Facts{HasSession: true}, StateConnected,
			[]Effect{EffectResetBackoff, EffectStartHeartbeat, EffectTouchPairing, EffectFlushOutbox}},
		{"connect retry", StateConnecting, EventTransportFailed, initiator, StateConnecting, []Effect{EffectScheduleRetry}},
		{"connect gives up", StateConnecting, EventTransportFailed, Facts{}, StateFailed,
			[]Effect{EffectFailAcks, EffectFailOutbox, EffectWipeSession}},
		{"retry dials", StateConnecting, EventRetryTimer, initiator, StateConnecting, []Effect{EffectDial}},
		{"pair request", StatePairing, EventPairRequested, responder, StateAwaitingPairing, nil},
		{"initiator ignores pair request", StatePairing, EventPairRequested, initiator, StatePairing, nil},
		{"paired", StatePairing, EventHandshakeSucceeded, initiator, StateConnected,
			[]Effect{EffectResetBackoff, EffectStartHeartbeat, EffectPersistPairing, EffectFlushOutbox}},
		{"responder approved", StateAwaitingPairing, EventHandshakeSucceeded, responder, StateConnected,
			[]Effect{EffectResetBackoff, EffectStartHeartbeat, EffectPersistPairing, EffectFlushOutbox}},
		{"rejected", StatePairing, EventHandshakeFailed, initiator, StateFailed,
			[]Effect{EffectDiscardHandshake, EffectCloseTransport, EffectResetReassembler, EffectFailAcks, EffectFailOutbox, EffectWipeSession}},
		{"responder resumes", StatePairing, EventSessionResumed, Facts{Role: RoleResponder, HasSession: true}, StateConnected,
			[]Effect{EffectResetBackoff, EffectStartHeartbeat, EffectTouchPairing, EffectFlushOutbox}},
		{"initiator cannot resume", StatePairing, EventSessionResumed, paired, StatePairing, nil},
		{"responder declines", StateAwaitingPairing, EventHandshakeFailed, responder, StatePairing, []Effect{EffectDiscardHandshake}},
		{"declined re-pair keeps session", StateAwaitingPairing, EventHandshakeFailed, Facts{Role: RoleResponder, HasSession: true, WasConnected: true}, StateConnected,
			[]Effect{EffectDiscardHandshake, EffectStartHeartbeat, EffectFlushOutbox}},
		{"lost while pairing", StatePairing, EventTransportLost, initiator, StateDisconnected,
			[]Effect{EffectDiscardHandshake, EffectResetReassembler, EffectFailAcks, EffectWipeSession}},
		{"lost while confirming", StateAwaitingPairing, EventTransportLost, Facts{Role: RoleResponder, HasSession: true}, StateDisconnected,
			[]Effect{EffectDiscardHandshake, EffectResetReassembler, EffectFailAcks, EffectWipeSession}},
		{"lost after connect", StateConnected, EventTransportLost, paired, StateReconnecting,
			[]Effect{EffectStopHeartbeat, EffectResetReassembler, EffectScheduleRetry}},
		{"responder lost", StateConnected, EventTransportLost, Facts{Role: RoleResponder, HasSession: true, WasConnected: true}, StateDisconnected,
			[]Effect{EffectStopHeartbeat, EffectResetReassembler, EffectFailAcks, EffectWipeSession}},
		{"lost before ever connecting", StateConnected, EventTransportLost, Facts{HasSession: true}, StateDisconnected,
			[]Effect{EffectStopHeartbeat, EffectResetReassembler, EffectFailAcks, EffectWipeSession}},
		{"re-pair request", StateConnected, EventPairRequested, responder, StateAwaitingPairing, []Effect{EffectStopHeartbeat}},
		{"reconnect dials", StateReconnecting, EventRetryTimer, paired, StateReconnecting, []Effect{EffectDial}},
		{"reconnected", StateReconnecting, EventTransportReady, paired, StateConnected,
			[]Effect{EffectResetBackoff, EffectStartHeartbeat, EffectTouchPairing, EffectFlushOutbox}},
		{"reconnect retry", StateReconnecting, EventTransportFailed, paired, StateReconnecting, []Effect{EffectScheduleRetry}},
		{"reconnect gives up", StateReconnecting, EventTransportFailed, exhausted, StateFailed,
			[]Effect{EffectFailAcks, EffectFailOutbox, EffectWipeSession}},
		{"connected ignores connect", StateConnected, EventConnectRequested, paired, StateConnected, nil},
		{"disconnected ignores loss", StateDisconnected, EventTransportLost, paired, StateDisconnected, nil},
		{"stale retry timer", StateConnected, EventRetryTimer, paired, StateConnected, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			to, effects := Transition(tt.from, tt.ev, tt.facts)
			assert.Equal(t, tt.to, to)
			assert.Equal(t, tt.effects, effects)
		})
	}
}

func TestDisconnectFromEveryState(t *testing.T) {
	for s := StateDisconnected; s <= StateFailed; s++ {
		to, effects := Transition(s, EventDisconnectRequested, Facts{HasSession: true})
		assert.Equal(t, StateDisconnected, to, s.String())
		assert.Contains(t, effects, EffectWipeSession, s.String())
		assert.Contains(t, effects, EffectFailOutbox, s.String())
		assert.Contains(t, effects, EffectCloseTransport, s.String())
	}
}

func TestLinkLossWithoutReconnectWipesSession(t *testing.T) {
	f := Facts{Role: RoleResponder, HasSession: true, WasConnected: true}
	for s := StateDisconnected; s <= StateFailed; s++ {
		to, effects := Transition(s, EventTransportLost, f)
		if to == StateDisconnected && s != StateDisconnected {
			assert.Contains(t, effects, EffectWipeSession, s.String())
		}
	}
}

func TestHeartbeatStopsLeavingConnected(t *testing.T) {
	facts := []Facts{
		{Role: RoleInitiator, HasSession: true, WasConnected: true, RetriesLeft: true},
		{Role: RoleResponder, HasSession: true, WasConnected: true},
	}
	for _, f := range facts {
		for ev := EventConnectRequested; ev <= EventSessionResumed; ev++ {
			to, effects := Transition(StateConnected, ev, f)
			if to != StateConnected {
				assert.Contains(t, effects, EffectStopHeartbeat, "%s on %s", ev, f.Role)
			}
		}
	}
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, protocol.StatusIdle, StatusOf(StateDisconnected))
	assert.Equal(t, protocol.StatusBusy, StatusOf(StateConnecting))
	assert.Equal(t, protocol.StatusAwaitingPairing, StatusOf(StatePairing))
	assert.Equal(t, protocol.StatusAwaitingPairing, StatusOf(StateAwaitingPairing))
	assert.Equal(t, protocol.StatusPaired, StatusOf(StateConnected))
	assert.Equal(t, protocol.StatusBusy, StatusOf(StateReconnecting))
	assert.Equal(t, protocol.StatusError, StatusOf(StateFailed))
}

func TestNextBackoffDelay(t *testing.T) {
	cfg := DefaultConfig().Backoff
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 16 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, NextBackoffDelay(cfg, i+1, nil), "attempt %d", i+1)
	}

	cfg.Jitter = true
	rng := rand.New(rand.NewSource(1))
	for attempt := 2; attempt <= 5; attempt++ {
		base := NextBackoffDelay(BackoffConfig{InitialDelay: cfg.InitialDelay, Multiplier: cfg.Multiplier, MaxDelay: cfg.MaxDelay}, attempt, nil)
		got := NextBackoffDelay(cfg, attempt, rng)
		assert.GreaterOrEqual(t, got, base/2)
		assert.Less(t, got, base*3/2)
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.MTU = 10
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.AckTimeout = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.Backoff.MaxAttempts = -1
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}
