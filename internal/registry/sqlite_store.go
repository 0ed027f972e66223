package registry

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps records in an embedded SQLite database. Useful where a
// single process owns the registry but restarts must not lose state.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS escrows (
    escrow_address TEXT NOT NULL,
    network TEXT NOT NULL,
    email TEXT NOT NULL DEFAULT '',
    inactivity_period INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    last_email_sent TIMESTAMP,
    PRIMARY KEY (escrow_address, network)
);
`

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Add(ctx context.Context, rec EscrowRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO escrows (escrow_address, network, email, inactivity_period, created_at, last_email_sent)
VALUES (?, ?, ?, ?, ?, NULL)
ON CONFLICT (escrow_address, network) DO UPDATE
SET email = excluded.email,
    inactivity_period = excluded.inactivity_period
`, NormalizeAddress(rec.EscrowAddress), rec.Network, rec.Email, rec.InactivityPeriod, createdAt)
	return err
}

func (s *SQLiteStore) Remove(ctx context.Context, address, network string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM escrows WHERE escrow_address = ? AND network = ?`,
		NormalizeAddress(address), network)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) Get(ctx context.Context, address, network string) (*EscrowRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT escrow_address, network, email, inactivity_period, created_at, last_email_sent
FROM escrows
WHERE escrow_address = ? AND network = ?
`, NormalizeAddress(address), network)
	return scanRecord(row.Scan)
}

func (s *SQLiteStore) ListByNetwork(ctx context.Context, network string) ([]EscrowRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT escrow_address, network, email, inactivity_period, created_at, last_email_sent
FROM escrows
WHERE network = ?
`, network)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EscrowRecord
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateLastNotified(ctx context.Context, address, network string, ts time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE escrows SET last_email_sent = ?
WHERE escrow_address = ? AND network = ?
`, ts, NormalizeAddress(address), network)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRecord(scan func(dest ...any) error) (*EscrowRecord, error) {
	var rec EscrowRecord
	var lastSent sql.NullTime
	err := scan(&rec.EscrowAddress, &rec.Network, &rec.Email, &rec.InactivityPeriod, &rec.CreatedAt, &lastSent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastSent.Valid {
		t := lastSent.Time
		rec.LastEmailSent = &t
	}
	return &rec, nil
}
