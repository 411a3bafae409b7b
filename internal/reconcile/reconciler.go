// Package reconcile sweeps the marketplace list endpoint on an interval and
// feeds any completion the webhook path missed into the same processing queue.
// The shared dedup ledger makes the two paths race-safe: whichever registers
// an order first wins, the other sees a duplicate and does nothing.
package reconcile

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"orderbridge/internal/ledger"
	"orderbridge/internal/marketplace"
	"orderbridge/internal/metrics"
	"orderbridge/internal/model"
	"orderbridge/internal/queue"
)

// Lister is the slice of the marketplace client the reconciler needs.
type Lister interface {
	ListOrders(ctx context.Context, storeID string, states []string, since time.Time, cursor string) (*marketplace.OrderPage, error)
}

type Reconciler struct {
	Channel    string
	Client     Lister
	Ledger     ledger.Ledger
	Queue      queue.Queue
	Stores     []string
	Interval   time.Duration
	Lookback   time.Duration
	Concurrent int
	Log        *zap.Logger
}

func New(channel string, c Lister, l ledger.Ledger, q queue.Queue, stores []string, interval, lookback time.Duration, concurrent int, log *zap.Logger) *Reconciler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	if concurrent <= 0 {
		concurrent = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		Channel:    channel,
		Client:     c,
		Ledger:     l,
		Queue:      q,
		Stores:     stores,
		Interval:   interval,
		Lookback:   lookback,
		Concurrent: concurrent,
		Log:        log,
	}
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.Sweep(ctx)
	t := time.NewTicker(r.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep lists every configured store once. Stores run concurrently up to the
// configured bound; pages within a store are sequential because each cursor
// comes from the previous page. A page failure abandons that store's sweep
// only; the next interval retries from the lookback horizon.
func (r *Reconciler) Sweep(ctx context.Context) {
	since := time.Now().Add(-r.Lookback)
	sem := make(chan struct{}, r.Concurrent)
	var wg sync.WaitGroup
	for _, storeID := range r.Stores {
		wg.Add(1)
		go func(storeID string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()
			r.sweepStore(ctx, storeID, since)
		}(storeID)
	}
	wg.Wait()
}

func (r *Reconciler) sweepStore(ctx context.Context, storeID string, since time.Time) {
	cursor := ""
	for {
		page, err := r.Client.ListOrders(ctx, storeID, marketplace.QualifyingStates, since, cursor)
		if err != nil {
			r.Log.Warn("reconcile list failed",
				zap.String("store_id", storeID),
				zap.String("cursor", cursor),
				zap.Error(err))
			return
		}
		metrics.ReconcileListed.WithLabelValues(storeID).Add(float64(len(page.Data)))
		for _, o := range page.Data {
			r.admit(ctx, storeID, o.ID)
		}
		if !page.HasMore {
			return
		}
		// A has_more page whose cursor does not advance would loop forever;
		// abandon the sweep and let the next interval retry.
		if page.NextCursor == "" || page.NextCursor == cursor {
			r.Log.Warn("reconcile cursor did not advance",
				zap.String("store_id", storeID),
				zap.String("cursor", cursor))
			return
		}
		cursor = page.NextCursor
	}
}

func (r *Reconciler) admit(ctx context.Context, storeID, orderID string) {
	key := model.OrderKey{Channel: r.Channel, SourceID: orderID}
	inserted, err := r.Ledger.Register(ctx, key)
	if err != nil {
		r.Log.Error("reconcile register failed", zap.String("order", key.String()), zap.Error(err))
		return
	}
	if !inserted {
		metrics.DedupRegistrations.WithLabelValues("reconcile", "duplicate").Inc()
		return
	}
	metrics.DedupRegistrations.WithLabelValues("reconcile", "registered").Inc()
	if err := r.Queue.Push(ctx, model.QueueItem{Key: key, StoreID: storeID}); err != nil {
		// Undo the registration so the next sweep can pick the order up again.
		if relErr := r.Ledger.Release(ctx, key); relErr != nil {
			r.Log.Error("reconcile release failed", zap.String("order", key.String()), zap.Error(relErr))
		}
		r.Log.Warn("reconcile enqueue failed", zap.String("order", key.String()), zap.Error(err))
		return
	}
	r.Log.Info("reconcile admitted order",
		zap.String("order", key.String()),
		zap.String("store_id", storeID))
}
