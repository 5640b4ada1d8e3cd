// Package config loads s2p host and client settings from TOML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/peliorg/speech2prompt-sub002/s2p/conn"
	"github.com/peliorg/speech2prompt-sub002/s2p/identity"
	"github.com/peliorg/speech2prompt-sub002/s2p/logging"
	"github.com/peliorg/speech2prompt-sub002/s2p/packet"
)

const (
	TransportQUIC      = "quic"
	TransportWebSocket = "websocket"
	TransportMemory    = "memory"

	DefaultAddress = "127.0.0.1:7420"
	DefaultWSPath  = "/s2p"
	DefaultPrefix  = "desktop"
)

var ErrInvalid = errors.New("config: invalid")

// Duration is a time.Duration written as a Go duration string ("5s").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type Config struct {
	Device    DeviceConfig    `toml:"device"`
	Link      LinkConfig      `toml:"link"`
	Log       logging.Config  `toml:"log"`
	Store     StoreConfig     `toml:"store"`
	Transport TransportConfig `toml:"transport"`
}

type DeviceConfig struct {
	ID     string `toml:"id"`
	Name   string `toml:"name"`
	Prefix string `toml:"prefix"`
}

type LinkConfig struct {
	MTU               int           `toml:"mtu"`
	ConnectTimeout    Duration      `toml:"connect_timeout"`
	HandshakeTimeout  Duration      `toml:"handshake_timeout"`
	HeartbeatInterval Duration      `toml:"heartbeat_interval"`
	DeadPeerTimeout   Duration      `toml:"dead_peer_timeout"`
	AckTimeout        Duration      `toml:"ack_timeout"`
	ReassemblyTimeout Duration      `toml:"reassembly_timeout"`
	ReplayWindow      Duration      `toml:"replay_window"`
	OutboxLimit       int           `toml:"outbox_limit"`
	WriteRetries      int           `toml:"write_retries"`
	Backoff           BackoffConfig `toml:"backoff"`
}

type BackoffConfig struct {
	Initial     Duration `toml:"initial"`
	Max         Duration `toml:"max"`
	Multiplier  float64  `toml:"multiplier"`
	MaxAttempts int      `toml:"max_attempts"`
	Jitter      bool     `toml:"jitter"`
}

// StoreConfig locates the pairing database. An empty path keeps pairings
// in memory only.
type StoreConfig struct {
	Path string `toml:"path"`
}

type TransportConfig struct {
	Kind    string `toml:"kind"`
	Address string `toml:"address"`
	// Path is the HTTP path of the websocket endpoint.
	Path string `toml:"path"`
	// Trace, when set, records every packet to this LZ4 file.
	Trace string `toml:"trace"`
}

// Default returns the settings used for anything a file leaves out.
func Default() Config {
	c := conn.DefaultConfig()
	return Config{
		Device: DeviceConfig{Prefix: DefaultPrefix},
		Link: LinkConfig{
			MTU:               packet.TargetMTU,
			ConnectTimeout:    Duration{c.ConnectTimeout},
			HandshakeTimeout:  Duration{c.HandshakeTimeout},
			HeartbeatInterval: Duration{c.HeartbeatInterval},
			DeadPeerTimeout:   Duration{c.SessionDeadAfter},
			AckTimeout:        Duration{c.AckTimeout},
			ReassemblyTimeout: Duration{c.ReassemblyTimeout},
			ReplayWindow:      Duration{c.ReplayWindow},
			OutboxLimit:       c.OutboxLimit,
			WriteRetries:      c.WriteRetries,
			Backoff: BackoffConfig{
				Initial:     Duration{c.Backoff.InitialDelay},
				Max:         Duration{c.Backoff.MaxDelay},
				Multiplier:  c.Backoff.Multiplier,
				MaxAttempts: c.Backoff.MaxAttempts,
			},
		},
		Log: logging.Default(),
		Transport: TransportConfig{
			Kind:    TransportQUIC,
			Address: DefaultAddress,
			Path:    DefaultWSPath,
		},
	}
}

// Load reads path over the defaults, fills in the device identity and
// validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML over the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed: %w", err)
	}
	if err := cfg.fillDevice(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) fillDevice() error {
	if c.Device.ID == "" {
		local, err := identity.Local(c.Device.Prefix)
		if err != nil {
			return err
		}
		c.Device.ID = local.ID
		if c.Device.Name == "" {
			c.Device.Name = local.Name
		}
	}
	c.Device.Name = identity.SanitizeName(c.Device.Name)
	return nil
}

// Marshal renders c as TOML, for writing back a generated device id.
func (c Config) Marshal() ([]byte, error) {
	return toml.Marshal(c)
}

func (c Config) Validate() error {
	if err := identity.ValidateID(c.Device.ID); err != nil {
		return fmt.Errorf("%w: device.id: %w", ErrInvalid, err)
	}
	if err := c.Link.Conn().Validate(); err != nil {
		return fmt.Errorf("%w: link: %w", ErrInvalid, err)
	}
	if c.Link.MTU > packet.MaxMessageSize {
		return fmt.Errorf("%w: link.mtu %d too large", ErrInvalid, c.Link.MTU)
	}
	if c.Link.Backoff.Multiplier != 0 && c.Link.Backoff.Multiplier < 1 {
		return fmt.Errorf("%w: link.backoff.multiplier must be at least 1", ErrInvalid)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("%w: log: %w", ErrInvalid, err)
	}
	switch c.Transport.Kind {
	case TransportQUIC, TransportWebSocket, TransportMemory:
	default:
		return fmt.Errorf("%w: transport.kind %q", ErrInvalid, c.Transport.Kind)
	}
	if c.Transport.Kind != TransportMemory && strings.TrimSpace(c.Transport.Address) == "" {
		return fmt.Errorf("%w: transport.address is required", ErrInvalid)
	}
	if c.Transport.Kind == TransportWebSocket && !strings.HasPrefix(c.Transport.Path, "/") {
		return fmt.Errorf("%w: transport.path must start with /", ErrInvalid)
	}
	return nil
}

// LocalDevice returns the local identity.
func (c Config) LocalDevice() identity.Device {
	return identity.Device{ID: c.Device.ID, Name: c.Device.Name}
}

// Conn converts the link section into connection settings.
func (l LinkConfig) Conn() conn.Config {
	return conn.Config{
		MTU:               l.MTU,
		ConnectTimeout:    l.ConnectTimeout.Duration,
		HandshakeTimeout:  l.HandshakeTimeout.Duration,
		HeartbeatInterval: l.HeartbeatInterval.Duration,
		SessionDeadAfter:  l.DeadPeerTimeout.Duration,
		AckTimeout:        l.AckTimeout.Duration,
		ReassemblyTimeout: l.ReassemblyTimeout.Duration,
		ReplayWindow:      l.ReplayWindow.Duration,
		OutboxLimit:       l.OutboxLimit,
		WriteRetries:      l.WriteRetries,
		WriteRetryDelay:   conn.DefaultConfig().WriteRetryDelay,
		Backoff: conn.BackoffConfig{
			InitialDelay: l.Backoff.Initial.Duration,
			Multiplier:   l.Backoff.Multiplier,
			MaxDelay:     l.Backoff.Max.Duration,
			Jitter:       l.Backoff.Jitter,
			MaxAttempts:  l.Backoff.MaxAttempts,
		},
	}
}
