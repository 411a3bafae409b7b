// Package store persists normalized orders. The pipeline owns an order until
// it is Exported; other consumers read only. The interface is deliberately
// narrow: the pipeline never issues arbitrary queries.
package store

import (
	"context"
	"errors"

	"orderbridge/internal/model"
)

type Store interface {
	// UpsertOrder writes the full normalized order keyed by its OrderKey.
	UpsertOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, key model.OrderKey) (*model.Order, error)
	ListByStatus(ctx context.Context, status model.ProcessingStatus, limit int) ([]*model.Order, error)

	// SetStatus moves an order from -> to, guarded by the status machine and
	// by the stored current status. ErrConflict when the stored status is not
	// `from`; this is what makes concurrent workers and exporters safe.
	SetStatus(ctx context.Context, key model.OrderKey, from, to model.ProcessingStatus, lastError string) error

	// LockForExport atomically claims up to limit Persisted orders by moving
	// them to Exporting, so concurrent exporters never double-select.
	LockForExport(ctx context.Context, limit int) ([]*model.Order, error)
	// FinishExport marks claimed orders Exported under the given batch id.
	FinishExport(ctx context.Context, keys []model.OrderKey, batchID string) error
	// RevertExport returns claimed orders to Persisted after a rejected batch.
	RevertExport(ctx context.Context, keys []model.OrderKey) error

	Ping(ctx context.Context) error
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the order's stored status did not match the expected
	// `from` status, or the transition is not legal.
	ErrConflict = errors.New("status conflict")
)
