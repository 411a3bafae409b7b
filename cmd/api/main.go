package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"orderbridge/internal/api"
	"orderbridge/internal/buildinfo"
	"orderbridge/internal/config"
	"orderbridge/internal/export"
	"orderbridge/internal/ledger"
	"orderbridge/internal/marketplace"
	"orderbridge/internal/metrics"
	"orderbridge/internal/pipeline"
	"orderbridge/internal/queue"
	"orderbridge/internal/reconcile"
	"orderbridge/internal/store"
	"orderbridge/internal/transform"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("config: " + err.Error())
	}

	var logger *zap.Logger
	if cfg.App.Env == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		panic("logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("starting",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("version", buildinfo.Version))

	metrics.RegisterDefault()

	st, led, cleanup, err := buildBackends(cfg, logger)
	if err != nil {
		logger.Fatal("backend init failed", zap.Error(err))
	}
	defer cleanup()

	var q queue.Queue
	if len(cfg.Kafka.Brokers) > 0 {
		q = queue.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.ConsumerGroup)
		logger.Info("queue backend", zap.String("kind", "kafka"), zap.Strings("brokers", cfg.Kafka.Brokers))
	} else {
		q = queue.NewMemory(0)
		logger.Info("queue backend", zap.String("kind", "memory"))
	}

	kits, err := transform.LoadKitCatalog(cfg.RefData.KitsPath)
	if err != nil {
		logger.Fatal("load kit catalog failed", zap.Error(err))
	}
	rules, err := transform.LoadChannelRules(cfg.RefData.ChannelsPath)
	if err != nil {
		logger.Fatal("load channel rules failed", zap.Error(err))
	}
	if _, ok := rules[cfg.Marketplace.Channel]; !ok {
		// Without a rule the transformer rejects every order on this channel.
		rules[cfg.Marketplace.Channel] = "OU-"
		logger.Warn("no attribution rule configured, using default prefix",
			zap.String("channel", cfg.Marketplace.Channel))
	}

	client := marketplace.NewClient(cfg.Marketplace.BaseURL, cfg.Marketplace.APIKey, marketplace.Options{
		Timeout:     cfg.Marketplace.Timeout,
		MaxAttempts: cfg.Marketplace.MaxAttempts,
		RatePerSec:  cfg.Marketplace.RatePerSec,
		RateBurst:   cfg.Marketplace.RateBurst,
	})

	srv := api.NewServer(cfg, st, led, q, logger)
	pipe := pipeline.New(cfg.Marketplace.Channel, client, transform.New(kits, rules), st, q,
		cfg.Pipeline.Workers, cfg.Pipeline.PersistAttempts, logger)
	exp := export.New(st, cfg.Exporter.OutDir, cfg.Exporter.Interval, cfg.Exporter.BatchSize, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pipe.Run(ctx); err != nil {
			logger.Error("pipeline stopped", zap.Error(err))
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		exp.Run(ctx)
	}()
	if len(cfg.Marketplace.StoreIDs) > 0 {
		rec := reconcile.New(cfg.Marketplace.Channel, client, led, q, cfg.Marketplace.StoreIDs,
			cfg.Reconciler.Interval, cfg.Reconciler.Lookback, cfg.Reconciler.StoreConcurrent, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.Run(ctx)
		}()
	} else {
		logger.Warn("no store ids configured, reconciler disabled")
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           requestLog(srv.Routes(), logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	wg.Wait()
	if err := q.Close(); err != nil {
		logger.Error("queue close failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// buildBackends selects durable or in-memory store and ledger from config.
// A Redis URL takes the dedup ledger even when Postgres holds the orders.
func buildBackends(cfg *config.Config, logger *zap.Logger) (store.Store, ledger.Ledger, func(), error) {
	if cfg.DB.URL == "" {
		var led ledger.Ledger = ledger.NewMemory()
		if cfg.Redis.URL != "" {
			r, err := ledger.NewRedis(cfg.Redis.URL)
			if err != nil {
				return nil, nil, nil, err
			}
			led = r
			logger.Info("ledger backend", zap.String("kind", "redis"))
		}
		logger.Info("store backend", zap.String("kind", "memory"))
		return store.NewMemory(), led, func() {}, nil
	}

	pg, err := store.NewPostgres(cfg.DB.URL)
	if err != nil {
		return nil, nil, nil, err
	}
	var led ledger.Ledger
	if cfg.Redis.URL != "" {
		r, err := ledger.NewRedis(cfg.Redis.URL)
		if err != nil {
			return nil, nil, nil, err
		}
		led = r
		logger.Info("ledger backend", zap.String("kind", "redis"))
	} else {
		led = ledger.NewPostgresFromDB(pg.DB())
		logger.Info("ledger backend", zap.String("kind", "postgres"))
	}
	logger.Info("store backend", zap.String("kind", "postgres"))
	cleanup := func() { _ = pg.DB().Close() }
	return pg, led, cleanup, nil
}

func requestLog(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}
