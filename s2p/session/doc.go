// Package session holds the symmetric key shared with a paired peer and the
// rules for resuming it from storage.
package session
