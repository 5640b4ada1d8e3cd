package conn

import (
	"errors"
	"fmt"
	"time"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
	// MaxAttempts bounds consecutive failed connects before Failed.
	MaxAttempts  int
}

// Config defines connection reliability settings.
type Config struct {
	// MTU overrides the link's MTU when positive.
	MTU               int
	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	// SessionDeadAfter treats a silent peer as lost; zero disables the check.
	SessionDeadAfter  time.Duration
	AckTimeout        time.Duration
	ReassemblyTimeout time.Duration
	ReplayWindow      time.Duration
	OutboxLimit       int
	WriteRetries      int
	WriteRetryDelay   time.Duration
	Backoff           BackoffConfig
}

// DefaultConfig returns the protocol defaults: 5s heartbeat, 10s ACK wait,
// 2s reassembly window and 1,2,4,8,16s reconnect backoff over five attempts.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    10 * time.Second,
		HandshakeTimeout:  60 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		SessionDeadAfter:  15 * time.Second,
		AckTimeout:        10 * time.Second,
		ReassemblyTimeout: 2 * time.Second,
		ReplayWindow:      30 * time.Second,
		OutboxLimit:       256,
		WriteRetries:      3,
		WriteRetryDelay:   20 * time.Millisecond,
		Backoff: BackoffConfig{
			InitialDelay: time.Second,
			Multiplier:   2.0,
			MaxDelay:     16 * time.Second,
			MaxAttempts:  5,
		},
	}
}

var ErrInvalidConfig = errors.New("conn: invalid config")

// Validate reports the first setting that would break the connection.
func (c Config) Validate() error {
	switch {
	case c.MTU != 0 && c.MTU < 23:
		return fmt.Errorf("%w: mtu %d below 23", ErrInvalidConfig, c.MTU)
	case c.HeartbeatInterval <= 0:
		return fmt.Errorf("%w: heartbeat interval must be positive", ErrInvalidConfig)
	case c.AckTimeout <= 0:
		return fmt.Errorf("%w: ack timeout must be positive", ErrInvalidConfig)
	case c.ConnectTimeout <= 0:
		return fmt.Errorf("%w: connect timeout must be positive", ErrInvalidConfig)
	case c.HandshakeTimeout <= 0:
		return fmt.Errorf("%w: handshake timeout must be positive", ErrInvalidConfig)
	case c.OutboxLimit <= 0:
		return fmt.Errorf("%w: outbox limit must be positive", ErrInvalidConfig)
	case c.WriteRetries < 0:
		return fmt.Errorf("%w: write retries must not be negative", ErrInvalidConfig)
	case c.Backoff.MaxAttempts < 0:
		return fmt.Errorf("%w: max reconnect attempts must not be negative", ErrInvalidConfig)
	}
	return nil
}
