package conn

import (
	"context"
	"time"

	"github.com/peliorg/speech2prompt-sub002/s2p/crypto"
	"github.com/peliorg/speech2prompt-sub002/s2p/protocol"
)

func (c *Connection) startHeartbeat() {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.hbCancel != nil {
		c.hbCancel()
	}
	c.hbCancel = cancel
	c.mu.Unlock()
	c.lastRx.Store(time.Now().UnixNano())
	go c.heartbeatLoop(ctx)
}

func (c *Connection) stopHeartbeat() {
	c.mu.Lock()
	if c.hbCancel != nil {
		c.hbCancel()
		c.hbCancel = nil
	}
	c.mu.Unlock()
}

func (c *Connection) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return
		}
		if c.peerSilent() {
			c.log.Warn().Dur("after", c.cfg.SessionDeadAfter).Msg("peer silent, dropping link")
			// Deliberate closes are not reported by the link.
			_ = c.link.Close()
			c.fire(EventTransportLost)
			return
		}
		c.beat(ctx)
	}
}

func (c *Connection) peerSilent() bool {
	if c.cfg.SessionDeadAfter <= 0 {
		return false
	}
	last := time.Unix(0, c.lastRx.Load())
	return time.Since(last) > c.cfg.SessionDeadAfter
}

func (c *Connection) beat(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	key, err := c.keyLocked()
	c.mu.Unlock()
	if err != nil {
		return
	}
	defer crypto.Wipe(key)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.HeartbeatInterval)
	defer cancel()
	if err := c.sendNow(ctx, protocol.MessageTypeHeartbeat, "", key, nil); err != nil {
		c.log.Debug().Err(err).Msg("heartbeat not sent")
	}
}
