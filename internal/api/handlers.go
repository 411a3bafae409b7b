package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"orderbridge/internal/model"
	"orderbridge/internal/store"
)

// handleListOrders returns orders in a given processing status, most useful
// for inspecting failed and skipped ones before a replay.
func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	status, err := model.ParseStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid status", err.Error(), r.URL.Path)
		return
	}
	limit := queryInt(r, "limit", 50, 500)
	orders, err := s.Store.ListByStatus(r.Context(), status, limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "list failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  orders,
		"count": len(orders),
	})
}

// handleReplay puts a failed or skipped order back through the pipeline. The
// dedup ledger entry stays: replay is a status reset plus a queue push, not a
// second admission.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	key := model.OrderKey{Channel: r.PathValue("channel"), SourceID: r.PathValue("id")}
	if key.Channel == "" || key.SourceID == "" {
		writeProblem(w, http.StatusBadRequest, "invalid order key", "channel and id are required", r.URL.Path)
		return
	}
	o, err := s.Store.GetOrder(r.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "order not found", key.String(), r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "load failed", err.Error(), r.URL.Path)
		return
	}
	if o.Status != model.StatusFailed && o.Status != model.StatusSkipped {
		writeProblem(w, http.StatusConflict, "order not replayable",
			"status is "+string(o.Status)+", replay requires failed or skipped", r.URL.Path)
		return
	}

	prev := o.Status
	if err := s.Store.SetStatus(r.Context(), key, prev, model.StatusReceived, ""); err != nil {
		writeProblem(w, http.StatusConflict, "replay race", err.Error(), r.URL.Path)
		return
	}
	if err := s.Queue.Push(r.Context(), model.QueueItem{Key: key, StoreID: o.StoreID}); err != nil {
		// Put the order back where it was so a later replay still sees it.
		if revErr := s.Store.SetStatus(r.Context(), key, model.StatusReceived, prev, o.LastError); revErr != nil {
			s.Log.Error("replay revert failed", zap.String("order", key.String()), zap.Error(revErr))
		}
		writeProblem(w, http.StatusServiceUnavailable, "queue unavailable", err.Error(), r.URL.Path)
		return
	}
	s.Log.Info("order replayed", zap.String("order", key.String()), zap.String("from", string(prev)))
	writeJSON(w, http.StatusOK, map[string]string{"result": "replayed", "order": key.String()})
}
