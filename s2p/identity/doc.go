// Package identity describes a device taking part in pairing.
package identity
