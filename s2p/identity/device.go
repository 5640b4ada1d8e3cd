package identity

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/peliorg/speech2prompt-sub002/s2p/crypto"
)

const (
	// MaxIDLength bounds device ids carried in pairing payloads.
	MaxIDLength = 128
	// DefaultName is used when no usable host name exists.
	DefaultName = "Desktop"

	idRandomBytes = 16
)

var (
	ErrEmptyID   = errors.New("identity: empty device id")
	ErrIDTooLong = errors.New("identity: device id too long")
	ErrInvalidID = errors.New("identity: device id contains invalid characters")
)

// Device is how a peer introduces itself during pairing.
// ID is stable across runs; Name is for display only.
type Device struct {
	ID   string
	Name string
}

// NewDeviceID returns prefix + "-" + 32 random hex characters.
func NewDeviceID(prefix string) (string, error) {
	suffix, err := crypto.RandomHex(idRandomBytes)
	if err != nil {
		return "", err
	}
	if prefix == "" {
		return suffix, nil
	}
	return prefix + "-" + suffix, nil
}

// ValidateID checks that id is non-empty, bounded and printable ASCII
// without whitespace. Device ids are fed into the session key derivation, so
// both peers must see exactly the same bytes.
func ValidateID(id string) error {
	if id == "" {
		return ErrEmptyID
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: %d bytes", ErrIDTooLong, len(id))
	}
	for _, r := range id {
		if r <= ' ' || r > '~' {
			return fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}
	return nil
}

// SanitizeName keeps letters, digits, spaces and hyphens, replaces everything
// else with '-', and trims surrounding hyphens.
func SanitizeName(name string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' {
			return r
		}
		return '-'
	}, name)
	mapped = strings.Trim(mapped, "-")
	if mapped == "" {
		return DefaultName
	}
	return mapped
}

// Local builds the Device for this host: a fresh id with the given prefix
// and the sanitized host name.
func Local(prefix string) (Device, error) {
	id, err := NewDeviceID(prefix)
	if err != nil {
		return Device{}, err
	}
	host, _ := os.Hostname()
	return Device{ID: id, Name: SanitizeName(host)}, nil
}

// Validate checks the device's id.
func (d Device) Validate() error {
	return ValidateID(d.ID)
}

func (d Device) String() string {
	if d.Name == "" {
		return d.ID
	}
	return d.Name + " (" + d.ID + ")"
}
