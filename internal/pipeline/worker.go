// Package pipeline drains the processing queue: for every admitted order it
// fetches the full payload from the marketplace, normalizes it, and persists
// the result. Each step records a durable status so a crash or replay resumes
// from known ground instead of re-running blindly.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"orderbridge/internal/marketplace"
	"orderbridge/internal/metrics"
	"orderbridge/internal/model"
	"orderbridge/internal/queue"
	"orderbridge/internal/store"
	"orderbridge/internal/transform"
)

// Fetcher is the slice of the marketplace client the pipeline needs.
type Fetcher interface {
	GetOrder(ctx context.Context, storeID, orderID string) (*marketplace.RawOrder, error)
}

type Pipeline struct {
	Channel         string
	Fetcher         Fetcher
	Transformer     *transform.Transformer
	Store           store.Store
	Queue           queue.Queue
	Workers         int
	PersistAttempts int
	Log             *zap.Logger
}

func New(channel string, f Fetcher, t *transform.Transformer, s store.Store, q queue.Queue, workers, persistAttempts int, log *zap.Logger) *Pipeline {
	if workers <= 0 {
		workers = 4
	}
	if persistAttempts <= 0 {
		persistAttempts = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		Channel:         channel,
		Fetcher:         f,
		Transformer:     t,
		Store:           s,
		Queue:           q,
		Workers:         workers,
		PersistAttempts: persistAttempts,
		Log:             log,
	}
}

// Run consumes the queue until ctx is cancelled. Each worker runs its own
// consume loop and handles items synchronously, so the queue acknowledges an
// item only after Process has recorded a durable status for it. A crash can
// then at worst redeliver, never lose an admitted order.
func (p *Pipeline) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, p.Workers)
	for i := 0; i < p.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- p.Queue.Consume(ctx, func(ctx context.Context, item model.QueueItem) error {
				p.Process(ctx, item)
				return nil
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}
	return nil
}

// Process runs one order through fetch, transform, persist. Every outcome
// lands in a durable status; an aborted run leaves the last one in place.
func (p *Pipeline) Process(ctx context.Context, item model.QueueItem) {
	key := item.Key
	log := p.Log.With(zap.String("order", key.String()), zap.String("store_id", item.StoreID))

	existing, err := p.Store.GetOrder(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		skel := &model.Order{
			Key:       key,
			StoreID:   item.StoreID,
			Status:    model.StatusReceived,
			UpdatedAt: time.Now().UTC(),
		}
		if err := p.Store.UpsertOrder(ctx, skel); err != nil {
			log.Error("record intake failed", zap.Error(err))
			return
		}
	case err != nil:
		log.Error("load order failed", zap.Error(err))
		return
	case existing.Status != model.StatusReceived:
		// Redelivery of an order already past intake; the status machine
		// owns progress from here.
		log.Info("skipping redelivery", zap.String("status", string(existing.Status)))
		return
	}

	start := time.Now()
	raw, err := p.Fetcher.GetOrder(ctx, item.StoreID, key.SourceID)
	metrics.FetchDuration.Observe(time.Since(start).Seconds())
	switch {
	case errors.Is(err, marketplace.ErrNotFound):
		p.settle(ctx, log, key, model.StatusReceived, model.StatusSkipped, "order not found upstream")
		return
	case err != nil:
		if ctx.Err() != nil {
			return
		}
		p.settle(ctx, log, key, model.StatusReceived, model.StatusFailed, err.Error())
		return
	}
	if !marketplace.EligibleAtFetch(raw.State) {
		p.settle(ctx, log, key, model.StatusReceived, model.StatusSkipped, "ineligible state "+raw.State)
		return
	}
	if err := p.Store.SetStatus(ctx, key, model.StatusReceived, model.StatusFetched, ""); err != nil {
		log.Warn("mark fetched failed", zap.Error(err))
		return
	}

	order, err := p.Transformer.Transform(p.Channel, raw)
	if err != nil {
		p.settle(ctx, log, key, model.StatusFetched, model.StatusFailed, err.Error())
		return
	}

	if !p.persist(ctx, log, order) {
		// Give the order back to the queue; its status drops to Received so
		// the redelivery guard above does not swallow it.
		if err := p.Store.SetStatus(ctx, key, model.StatusFetched, model.StatusReceived, ""); err != nil {
			log.Warn("reset for requeue failed", zap.Error(err))
			return
		}
		if err := p.Queue.Push(ctx, item); err != nil {
			// The queue rejected the item and the ledger still holds the key,
			// so neither intake path can re-admit it. Settle to Failed: that
			// is the one status the replay endpoint accepts.
			log.Error("requeue failed", zap.Error(err))
			p.settle(ctx, log, key, model.StatusReceived, model.StatusFailed,
				"persist retries exhausted, requeue failed: "+err.Error())
		}
		return
	}

	if err := p.Store.SetStatus(ctx, key, model.StatusTransformed, model.StatusPersisted, ""); err != nil {
		log.Warn("mark persisted failed", zap.Error(err))
		return
	}
	metrics.OrdersProcessed.WithLabelValues(string(model.StatusPersisted)).Inc()
	log.Info("order persisted", zap.String("operating_unit", order.OperatingUnit))
}

func (p *Pipeline) persist(ctx context.Context, log *zap.Logger, order *model.Order) bool {
	var lastErr error
	for attempt := 0; attempt < p.PersistAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(persistBackoff(attempt - 1)):
			}
		}
		if lastErr = p.Store.UpsertOrder(ctx, order); lastErr == nil {
			return true
		}
	}
	log.Warn("persist attempts exhausted", zap.Error(lastErr))
	return false
}

func (p *Pipeline) settle(ctx context.Context, log *zap.Logger, key model.OrderKey, from, to model.ProcessingStatus, detail string) {
	if err := p.Store.SetStatus(ctx, key, from, to, detail); err != nil {
		log.Warn("status update failed", zap.String("to", string(to)), zap.Error(err))
		return
	}
	metrics.OrdersProcessed.WithLabelValues(string(to)).Inc()
	log.Info("order settled", zap.String("status", string(to)), zap.String("detail", detail))
}

func persistBackoff(n int) time.Duration {
	d := 250 * time.Millisecond << n
	if d > 5*time.Second {
		return 5 * time.Second
	}
	return d
}
