package conn

import (
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/peliorg/speech2prompt-sub002/s2p/protocol"
)

// replayWindow remembers recently delivered (type, timestamp) pairs so a
// message retransmitted by a peer that missed our ACK is not delivered twice.
type replayWindow struct {
	seen *gocache.Cache
}

func newReplayWindow(window time.Duration) *replayWindow {
	if window <= 0 {
		return &replayWindow{}
	}
	return &replayWindow{seen: gocache.New(window, 2*window)}
}

// firstSighting records m and reports whether it had not been seen within
// the window.
func (r *replayWindow) firstSighting(m protocol.Message) bool {
	if r.seen == nil {
		return true
	}
	key := m.Type.String() + ":" + strconv.FormatInt(m.Timestamp, 10)
	return r.seen.Add(key, struct{}{}, gocache.DefaultExpiration) == nil
}

func (r *replayWindow) reset() {
	if r.seen != nil {
		r.seen.Flush()
	}
}
