package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"orderbridge/internal/model"
)

// Postgres stores dedup records in a single table with a primary key on
// (channel, source_id). INSERT ... ON CONFLICT DO NOTHING gives Register its
// atomicity: exactly one concurrent inserter observes rows-affected = 1.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing pool so the ledger and the order store
// can share one connection set.
func NewPostgresFromDB(db *sql.DB) *Postgres { return &Postgres{db: db} }

func (p *Postgres) Register(ctx context.Context, key model.OrderKey) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO dedup_ledger (channel, source_id, first_seen) VALUES ($1,$2,$3)
		 ON CONFLICT (channel, source_id) DO NOTHING`,
		key.Channel, key.SourceID, time.Now().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *Postgres) Release(ctx context.Context, key model.OrderKey) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM dedup_ledger WHERE channel=$1 AND source_id=$2`,
		key.Channel, key.SourceID)
	return err
}

func (p *Postgres) Get(ctx context.Context, key model.OrderKey) (model.DedupRecord, error) {
	var rec model.DedupRecord
	rec.Key = key
	var outcome sql.NullString
	err := p.db.QueryRowContext(ctx,
		`SELECT first_seen, outcome FROM dedup_ledger WHERE channel=$1 AND source_id=$2`,
		key.Channel, key.SourceID).Scan(&rec.FirstSeen, &outcome)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.Outcome = outcome.String
	return rec, nil
}
