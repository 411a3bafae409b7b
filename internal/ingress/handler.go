// Package ingress accepts marketplace delivery-state notifications. The
// handler verifies the signature, filters by status, gates through the dedup
// ledger and pushes to the processing queue, all inside a short ack deadline;
// everything slow happens downstream.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"orderbridge/internal/ledger"
	"orderbridge/internal/marketplace"
	"orderbridge/internal/metrics"
	"orderbridge/internal/model"
	"orderbridge/internal/queue"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Signature"

// maxBodyBytes bounds notification bodies; they carry a reference, not an
// order, so 1 MiB is generous.
const maxBodyBytes = 1 << 20

// Notification is the inbound webhook body. Only these fields are parsed;
// the full order is always refetched from the detail endpoint.
type Notification struct {
	EventType    string `json:"event_type"`
	ResourceHref string `json:"resource_href"`
	Meta         struct {
		OrderID string `json:"order_id"`
		StoreID string `json:"store_id"`
		Status  string `json:"status"`
	} `json:"meta"`
}

type Handler struct {
	Channel     string
	Secret      string
	Ledger      ledger.Ledger
	Queue       queue.Queue
	AckDeadline time.Duration
	Log         *zap.Logger
}

func NewHandler(channel, secret string, l ledger.Ledger, q queue.Queue, ackDeadline time.Duration, log *zap.Logger) *Handler {
	if ackDeadline <= 0 {
		ackDeadline = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Channel: channel, Secret: secret, Ledger: l, Queue: q, AckDeadline: ackDeadline, Log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.AckDeadline)
	defer cancel()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.WebhookEvents.WithLabelValues("malformed").Inc()
			h.reply(w, http.StatusRequestEntityTooLarge, "malformed", "body exceeds limit")
			return
		}
		h.reply(w, http.StatusBadRequest, "malformed", "read body failed")
		return
	}

	// Authenticate before touching anything else.
	if !VerifyHMAC(h.Secret, body, r.Header.Get(SignatureHeader)) {
		metrics.WebhookEvents.WithLabelValues("bad_signature").Inc()
		h.reply(w, http.StatusUnauthorized, "bad_signature", "signature verification failed")
		return
	}

	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		metrics.WebhookEvents.WithLabelValues("malformed").Inc()
		h.reply(w, http.StatusBadRequest, "malformed", "invalid JSON")
		return
	}
	if n.Meta.OrderID == "" || n.ResourceHref == "" || n.Meta.Status == "" {
		metrics.WebhookEvents.WithLabelValues("malformed").Inc()
		h.reply(w, http.StatusBadRequest, "malformed", "order_id, resource_href and status are required")
		return
	}

	// Only the courier-handoff status qualifies; anything else is
	// acknowledged and discarded with no side effect.
	if n.Meta.Status != marketplace.StateHandedToCourier {
		metrics.WebhookEvents.WithLabelValues("ignored").Inc()
		h.reply(w, http.StatusOK, "ignored", "")
		return
	}

	key := model.OrderKey{Channel: h.Channel, SourceID: n.Meta.OrderID}
	inserted, err := h.Ledger.Register(ctx, key)
	if err != nil {
		// Ledger down: halt acceptance rather than risk duplicates. The 500
		// makes the source retry.
		metrics.WebhookEvents.WithLabelValues("queue_error").Inc()
		h.Log.Error("ledger register failed", zap.String("order", key.String()), zap.Error(err))
		h.reply(w, http.StatusInternalServerError, "error", "ledger unavailable")
		return
	}
	if !inserted {
		metrics.DedupRegistrations.WithLabelValues("webhook", "duplicate").Inc()
		h.reply(w, http.StatusOK, "duplicate", "")
		return
	}
	metrics.DedupRegistrations.WithLabelValues("webhook", "inserted").Inc()

	item := model.QueueItem{Key: key, StoreID: n.Meta.StoreID, Href: n.ResourceHref}
	if err := h.Queue.Push(ctx, item); err != nil {
		// Undo the registration so the source retry can be accepted; a
		// ledger entry must always imply a queued order.
		if relErr := h.Ledger.Release(ctx, key); relErr != nil {
			h.Log.Error("ledger release failed after queue error",
				zap.String("order", key.String()), zap.Error(relErr))
		}
		metrics.WebhookEvents.WithLabelValues("queue_error").Inc()
		h.Log.Error("queue push failed", zap.String("order", key.String()), zap.Error(err))
		h.reply(w, http.StatusInternalServerError, "error", "queue unavailable")
		return
	}

	metrics.WebhookEvents.WithLabelValues("accepted").Inc()
	h.Log.Info("order accepted",
		zap.String("order", key.String()),
		zap.String("store", n.Meta.StoreID),
		zap.String("event", n.EventType))
	h.reply(w, http.StatusOK, "accepted", "")
}

func (h *Handler) reply(w http.ResponseWriter, status int, result, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := map[string]string{"result": result}
	if detail != "" {
		resp["detail"] = detail
	}
	_ = json.NewEncoder(w).Encode(resp)
}
