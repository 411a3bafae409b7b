package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"orderbridge/internal/model"
)

// Postgres keeps one row per order: the key and processing status as columns
// for selection, the normalized document as JSONB. Status moves are guarded
// updates so competing workers and exporters cannot both win.
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

// DB exposes the pool so the Postgres dedup ledger can share it.
func (p *Postgres) DB() *sql.DB { return p.db }

func (p *Postgres) UpsertOrder(ctx context.Context, o *model.Order) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO orders (channel, source_id, status, last_error, doc, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (channel, source_id)
		DO UPDATE SET status=EXCLUDED.status, last_error=EXCLUDED.last_error,
		              doc=EXCLUDED.doc, updated_at=EXCLUDED.updated_at`,
		o.Key.Channel, o.Key.SourceID, string(o.Status), o.LastError, doc, time.Now().UTC())
	return err
}

func (p *Postgres) GetOrder(ctx context.Context, key model.OrderKey) (*model.Order, error) {
	var doc []byte
	var status string
	err := p.db.QueryRowContext(ctx,
		`SELECT status, doc FROM orders WHERE channel=$1 AND source_id=$2`,
		key.Channel, key.SourceID).Scan(&status, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeOrder(doc, status)
}

func (p *Postgres) ListByStatus(ctx context.Context, status model.ProcessingStatus, limit int) ([]*model.Order, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT status, doc FROM orders WHERE status=$1 ORDER BY channel, source_id LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

func (p *Postgres) SetStatus(ctx context.Context, key model.OrderKey, from, to model.ProcessingStatus, lastError string) error {
	if !model.CanTransition(from, to) {
		return ErrConflict
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders SET status=$1, last_error=$2, updated_at=$3,
		       doc = jsonb_set(jsonb_set(doc, '{status}', to_jsonb($1::text)), '{lastError}', to_jsonb($2::text))
		WHERE channel=$4 AND source_id=$5 AND status=$6`,
		string(to), lastError, time.Now().UTC(), key.Channel, key.SourceID, string(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish missing row from a lost race.
		var cur string
		err := p.db.QueryRowContext(ctx,
			`SELECT status FROM orders WHERE channel=$1 AND source_id=$2`,
			key.Channel, key.SourceID).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (p *Postgres) LockForExport(ctx context.Context, limit int) ([]*model.Order, error) {
	if limit <= 0 {
		limit = 500
	}
	// One statement: claim and return. FOR UPDATE SKIP LOCKED keeps two
	// exporters from fighting over the same rows.
	rows, err := p.db.QueryContext(ctx, `
		WITH claimed AS (
			SELECT channel, source_id FROM orders
			WHERE status=$1
			ORDER BY channel, source_id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE orders o SET status=$3, updated_at=$4
		FROM claimed c
		WHERE o.channel=c.channel AND o.source_id=c.source_id
		RETURNING o.status, o.doc`,
		string(model.StatusPersisted), limit, string(model.StatusExporting), time.Now().UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

func (p *Postgres) FinishExport(ctx context.Context, keys []model.OrderKey, batchID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, k := range keys {
		res, err := tx.ExecContext(ctx, `
			UPDATE orders SET status=$1, export_batch=$2, updated_at=$3
			WHERE channel=$4 AND source_id=$5 AND status=$6`,
			string(model.StatusExported), batchID, time.Now().UTC(),
			k.Channel, k.SourceID, string(model.StatusExporting))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s not in exporting state", ErrConflict, k)
		}
	}
	return tx.Commit()
}

func (p *Postgres) RevertExport(ctx context.Context, keys []model.OrderKey) error {
	for _, k := range keys {
		_, err := p.db.ExecContext(ctx, `
			UPDATE orders SET status=$1, updated_at=$2
			WHERE channel=$3 AND source_id=$4 AND status=$5`,
			string(model.StatusPersisted), time.Now().UTC(),
			k.Channel, k.SourceID, string(model.StatusExporting))
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func decodeOrder(doc []byte, status string) (*model.Order, error) {
	var o model.Order
	if err := json.Unmarshal(doc, &o); err != nil {
		return nil, fmt.Errorf("decode order doc: %w", err)
	}
	// The column is authoritative; the doc copy can lag a guarded update.
	o.Status = model.ProcessingStatus(status)
	return &o, nil
}

func collectOrders(rows *sql.Rows) ([]*model.Order, error) {
	out := []*model.Order{}
	for rows.Next() {
		var status string
		var doc []byte
		if err := rows.Scan(&status, &doc); err != nil {
			return nil, err
		}
		o, err := decodeOrder(doc, status)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
