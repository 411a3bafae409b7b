// Package ledger is the single authoritative gate for "has this order already
// been accepted". Both the webhook ingress and the reconciler call Register
// with the same key scheme; whichever gets there first wins, the other sees a
// duplicate. Nothing else in the pipeline decides uniqueness.
package ledger

import (
	"context"
	"errors"

	"orderbridge/internal/model"
)

// Ledger records first acceptance of an order key with register-if-absent
// semantics. Register must be atomic: concurrent calls for the same key
// resolve to exactly one inserted=true.
type Ledger interface {
	// Register inserts the key if absent. inserted is false on duplicate.
	Register(ctx context.Context, key model.OrderKey) (inserted bool, err error)
	// Release removes a key registered by this process. Only the ingress uses
	// it, to undo a registration whose queue push failed so the source retry
	// can be accepted again.
	Release(ctx context.Context, key model.OrderKey) error
	// Get returns the record for a key, or ErrNotFound.
	Get(ctx context.Context, key model.OrderKey) (model.DedupRecord, error)
}

var ErrNotFound = errors.New("not found")
