// Package queue is the ordered handoff between the two intake paths and the
// transformation workers. It decouples fast webhook acknowledgment from slow
// per-order processing. Delivery is competing-consumers: each item reaches
// exactly one worker; cross-order ordering is not guaranteed.
package queue

import (
	"context"
	"errors"

	"orderbridge/internal/model"
)

type Queue interface {
	// Push enqueues one item. Callers treat an error as "not queued" and are
	// responsible for undoing any ledger registration they made.
	Push(ctx context.Context, item model.QueueItem) error
	// Consume delivers items to fn until ctx is done. A non-nil error from fn
	// does not redeliver; retry is explicit, via Push, so requeue decisions
	// stay with the worker that knows the order's durable status.
	Consume(ctx context.Context, fn func(context.Context, model.QueueItem) error) error
	Close() error
}

var ErrQueueFull = errors.New("queue full")
