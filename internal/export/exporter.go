// Package export turns persisted orders into staged, validated ERP import
// packages. The four files of a batch are one transactional unit: they are
// written to a hidden staging directory, re-read and cross-checked, and only
// then promoted with a single rename. An order is never marked Exported
// unless it is part of a fully validated, promoted package.
package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orderbridge/internal/metrics"
	"orderbridge/internal/model"
	"orderbridge/internal/store"
)

// ErrPackageIntegrity means the staged batch failed cross-file validation and
// was rejected whole. The contained orders return to Persisted for the next
// run.
var ErrPackageIntegrity = errors.New("export package failed integrity check")

type Exporter struct {
	Store     store.Store
	OutDir    string
	Interval  time.Duration
	BatchSize int
	Log       *zap.Logger

	// beforeValidate runs between staging and validation; tests use it to
	// corrupt the staged package.
	beforeValidate func(dir string) error
}

func New(s store.Store, outDir string, interval time.Duration, batchSize int, log *zap.Logger) *Exporter {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Exporter{Store: s, OutDir: outDir, Interval: interval, BatchSize: batchSize, Log: log}
}

// Run exports on every tick until ctx is cancelled.
func (e *Exporter) Run(ctx context.Context) {
	t := time.NewTicker(e.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, _, err := e.ExportOnce(ctx); err != nil {
				e.Log.Error("export run failed", zap.Error(err))
			}
		}
	}
}

// ExportOnce claims up to BatchSize persisted orders and publishes them as
// one batch. It returns the batch id and order count; a zero count with no
// error means there was nothing to export.
func (e *Exporter) ExportOnce(ctx context.Context) (string, int, error) {
	orders, err := e.Store.LockForExport(ctx, e.BatchSize)
	if err != nil {
		return "", 0, fmt.Errorf("lock for export: %w", err)
	}
	if len(orders) == 0 {
		return "", 0, nil
	}
	keys := make([]model.OrderKey, len(orders))
	for i, o := range orders {
		keys[i] = o.Key
	}

	batchID := uuid.NewString()
	staging := filepath.Join(e.OutDir, ".staging-"+batchID)
	final := filepath.Join(e.OutDir, "batch-"+batchID)
	log := e.Log.With(zap.String("batch_id", batchID), zap.Int("orders", len(orders)))

	err = writePackage(staging, batchID, orders)
	if err == nil && e.beforeValidate != nil {
		err = e.beforeValidate(staging)
	}
	if err == nil {
		err = validatePackage(staging)
	}
	if err == nil {
		err = os.Rename(staging, final)
	}
	if err != nil {
		// Reject the whole batch: no partial package may be published. The
		// batch id is burned; the orders go back to Persisted for the next run.
		if rmErr := os.RemoveAll(staging); rmErr != nil {
			log.Error("remove staging failed", zap.Error(rmErr))
		}
		if revErr := e.Store.RevertExport(ctx, keys); revErr != nil {
			log.Error("revert export failed", zap.Error(revErr))
		}
		metrics.ExportBatches.WithLabelValues("rejected").Inc()
		log.Warn("batch rejected", zap.Error(err))
		return "", 0, err
	}

	if err := e.Store.FinishExport(ctx, keys, batchID); err != nil {
		// The package is already published; do not revert, or the next run
		// would export these orders twice. They stay Exporting for operator
		// attention.
		log.Error("finish export failed", zap.Error(err))
		return batchID, len(orders), fmt.Errorf("finish export: %w", err)
	}
	metrics.ExportBatches.WithLabelValues("published").Inc()
	metrics.ExportedOrders.Add(float64(len(orders)))
	log.Info("batch published", zap.String("dir", final))
	return batchID, len(orders), nil
}
