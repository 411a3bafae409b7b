// Package api is the HTTP surface: the marketplace webhook endpoint, health
// and metrics, and a small admin API for inspecting and replaying orders.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"orderbridge/internal/buildinfo"
	"orderbridge/internal/config"
	"orderbridge/internal/ingress"
	"orderbridge/internal/ledger"
	"orderbridge/internal/metrics"
	"orderbridge/internal/model"
	"orderbridge/internal/queue"
	"orderbridge/internal/store"
)

type Server struct {
	Store  store.Store
	Ledger ledger.Ledger
	Queue  queue.Queue
	Hook   *ingress.Handler
	Log    *zap.Logger
}

func NewServer(cfg *config.Config, s store.Store, l ledger.Ledger, q queue.Queue, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	hook := ingress.NewHandler(cfg.Marketplace.Channel, cfg.Webhook.Secret, l, q, cfg.Webhook.AckDeadline, log)
	return &Server{Store: s, Ledger: l, Queue: q, Hook: hook, Log: log}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("POST /v1/webhooks/marketplace", s.Hook)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /v1/admin/orders", s.handleListOrders)
	mux.HandleFunc("POST /v1/admin/orders/{channel}/{id}/replay", s.handleReplay)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	body := map[string]string{"status": "ok"}
	for k, v := range buildinfo.Info() {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

// readyz answers 503 until both the order store and the dedup ledger answer.
// The ledger probe uses a key that never exists; ErrNotFound proves the
// backend is reachable.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "store not ready", err.Error(), r.URL.Path)
		return
	}
	probe := model.OrderKey{Channel: "_probe", SourceID: "_probe"}
	if _, err := s.Ledger.Get(ctx, probe); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		writeProblem(w, http.StatusServiceUnavailable, "ledger not ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
