package registry

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records in a PostgreSQL table, shared between the
// registration API and the keeper.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS escrows (
    escrow_address TEXT NOT NULL,
    network TEXT NOT NULL,
    email TEXT NOT NULL DEFAULT '',
    inactivity_period BIGINT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    last_email_sent TIMESTAMPTZ,
    PRIMARY KEY (escrow_address, network)
);
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Add(ctx context.Context, rec EscrowRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO escrows (escrow_address, network, email, inactivity_period, created_at, last_email_sent)
VALUES ($1, $2, $3, $4, $5, NULL)
ON CONFLICT (escrow_address, network) DO UPDATE
SET email = EXCLUDED.email,
    inactivity_period = EXCLUDED.inactivity_period
`, NormalizeAddress(rec.EscrowAddress), rec.Network, rec.Email, rec.InactivityPeriod, createdAt)
	return err
}

func (p *PostgresStore) Remove(ctx context.Context, address, network string) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM escrows WHERE escrow_address = $1 AND network = $2`,
		NormalizeAddress(address), network)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (p *PostgresStore) Get(ctx context.Context, address, network string) (*EscrowRecord, error) {
	row := p.pool.QueryRow(ctx, `
SELECT escrow_address, network, email, inactivity_period, created_at, last_email_sent
FROM escrows
WHERE escrow_address = $1 AND network = $2
`, NormalizeAddress(address), network)

	var rec EscrowRecord
	if err := row.Scan(&rec.EscrowAddress, &rec.Network, &rec.Email, &rec.InactivityPeriod, &rec.CreatedAt, &rec.LastEmailSent); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (p *PostgresStore) ListByNetwork(ctx context.Context, network string) ([]EscrowRecord, error) {
	rows, err := p.pool.Query(ctx, `
SELECT escrow_address, network, email, inactivity_period, created_at, last_email_sent
FROM escrows
WHERE network = $1
`, network)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EscrowRecord
	for rows.Next() {
		var rec EscrowRecord
		if err := rows.Scan(&rec.EscrowAddress, &rec.Network, &rec.Email, &rec.InactivityPeriod, &rec.CreatedAt, &rec.LastEmailSent); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateLastNotified(ctx context.Context, address, network string, ts time.Time) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE escrows SET last_email_sent = $1
WHERE escrow_address = $2 AND network = $3
`, ts, NormalizeAddress(address), network)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
