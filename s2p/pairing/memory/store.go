package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/peliorg/speech2prompt-sub002/s2p/pairing"
)

// Store is an in-memory pairing store.
// It is useful for tests, examples and embedding in applications that
// persist records themselves.
type Store struct {
	mu      sync.RWMutex
	records map[string]pairing.Record
}

func New() *Store {
	return &Store{records: map[string]pairing.Record{}}
}

func (s *Store) Save(_ context.Context, rec pairing.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.PeerAddress] = rec
	return nil
}

func (s *Store) Get(_ context.Context, address string) (pairing.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[address]
	if !ok {
		return pairing.Record{}, pairing.ErrNotFound
	}
	return rec, nil
}

func (s *Store) Touch(_ context.Context, address string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[address]
	if !ok {
		return pairing.ErrNotFound
	}
	rec.LastConnectedAt = at
	s.records[address] = rec
	return nil
}

func (s *Store) Delete(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[address]; !ok {
		return pairing.ErrNotFound
	}
	delete(s.records, address)
	return nil
}

// List returns records ordered by peer address.
func (s *Store) List(_ context.Context) ([]pairing.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pairing.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerAddress < out[j].PeerAddress })
	return out, nil
}
