package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/peliorg/speech2prompt-sub002/s2p/pairing"
)

const schema = `
CREATE TABLE IF NOT EXISTS paired_devices (
	peer_address      TEXT PRIMARY KEY,
	peer_id           TEXT NOT NULL,
	peer_name         TEXT NOT NULL DEFAULT '',
	session_key       TEXT NOT NULL,
	paired_at         INTEGER NOT NULL,
	last_connected_at INTEGER NOT NULL
);`

// Store keeps pairing records in a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. Use ":memory:" for
// a throwaway store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// A single connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Save(ctx context.Context, rec pairing.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paired_devices (peer_address, peer_id, peer_name, session_key, paired_at, last_connected_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_address) DO UPDATE SET
			peer_id = excluded.peer_id,
			peer_name = excluded.peer_name,
			session_key = excluded.session_key,
			paired_at = excluded.paired_at,
			last_connected_at = excluded.last_connected_at`,
		rec.PeerAddress, rec.PeerID, rec.PeerName, rec.SessionKey,
		rec.PairedAt.UnixMilli(), rec.LastConnectedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite: save %s: %w", rec.PeerAddress, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, address string) (pairing.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT peer_address, peer_id, peer_name, session_key, paired_at, last_connected_at
		FROM paired_devices WHERE peer_address = ?`, address)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return pairing.Record{}, pairing.ErrNotFound
	}
	if err != nil {
		return pairing.Record{}, fmt.Errorf("sqlite: get %s: %w", address, err)
	}
	return rec, nil
}

func (s *Store) Touch(ctx context.Context, address string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE paired_devices SET last_connected_at = ? WHERE peer_address = ?`,
		at.UnixMilli(), address)
	if err != nil {
		return fmt.Errorf("sqlite: touch %s: %w", address, err)
	}
	return requireRow(res)
}

func (s *Store) Delete(ctx context.Context, address string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM paired_devices WHERE peer_address = ?`, address)
	if err != nil {
		return fmt.Errorf("sqlite: delete %s: %w", address, err)
	}
	return requireRow(res)
}

func (s *Store) List(ctx context.Context) ([]pairing.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT peer_address, peer_id, peer_name, session_key, paired_at, last_connected_at
		FROM paired_devices ORDER BY peer_address`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list: %w", err)
	}
	defer rows.Close()

	var out []pairing.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: list: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (pairing.Record, error) {
	var (
		rec                 pairing.Record
		pairedAt, lastConnd int64
	)
	if err := sc.Scan(&rec.PeerAddress, &rec.PeerID, &rec.PeerName, &rec.SessionKey, &pairedAt, &lastConnd); err != nil {
		return pairing.Record{}, err
	}
	rec.PairedAt = time.UnixMilli(pairedAt)
	rec.LastConnectedAt = time.UnixMilli(lastConnd)
	return rec, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return pairing.ErrNotFound
	}
	return nil
}
