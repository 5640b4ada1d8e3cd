package pairing

import (
	"context"
	"errors"
	"time"

	"github.com/peliorg/speech2prompt-sub002/s2p/session"
)

var ErrNotFound = errors.New("pairing: record not found")

// Record is what survives a pairing: enough to resume the session with
// the same peer without another handshake.
type Record struct {
	PeerAddress     string
	PeerID          string
	PeerName        string
	SessionKey      string // base64
	PairedAt        time.Time
	LastConnectedAt time.Time
}

// NewRecord captures sess for the peer reachable at address.
func NewRecord(address, peerName string, sess *session.Session, now time.Time) (Record, error) {
	key, err := sess.ExportKey()
	if err != nil {
		return Record{}, err
	}
	return Record{
		PeerAddress:     address,
		PeerID:          sess.PeerID(),
		PeerName:        peerName,
		SessionKey:      key,
		PairedAt:        now,
		LastConnectedAt: now,
	}, nil
}

// Session rebuilds the stored session.
func (r Record) Session() (*session.Session, error) {
	return session.Resume(r.PeerID, r.SessionKey, r.PairedAt)
}

// Store persists pairing records keyed by peer address. Implementations
// must return copies so callers cannot mutate stored state.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, address string) (Record, error)
	// Touch updates LastConnectedAt only.
	Touch(ctx context.Context, address string, at time.Time) error
	Delete(ctx context.Context, address string) error
	List(ctx context.Context) ([]Record, error)
}
