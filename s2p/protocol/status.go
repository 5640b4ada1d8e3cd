package protocol

// StatusCode is the one-byte host status exposed to clients.
type StatusCode uint8

const (
	StatusIdle            StatusCode = 0x00
	StatusAwaitingPairing StatusCode = 0x01
	StatusPaired          StatusCode = 0x02
	StatusBusy            StatusCode = 0x03
	StatusError           StatusCode = 0xFF
)

func (s StatusCode) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusAwaitingPairing:
		return "awaiting_pairing"
	case StatusPaired:
		return "paired"
	case StatusBusy:
		return "busy"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}
