package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"orderbridge/internal/model"
)

// Memory is the in-process store used in dev and tests. Orders are deep
// copied on the way in and out so callers never share mutable state.
type Memory struct {
	mu     sync.Mutex
	orders map[model.OrderKey]*model.Order
}

func NewMemory() *Memory {
	return &Memory{orders: map[model.OrderKey]*model.Order{}}
}

func (m *Memory) UpsertOrder(_ context.Context, o *model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, err := copyOrder(o)
	if err != nil {
		return err
	}
	m.orders[o.Key] = cp
	return nil
}

func (m *Memory) GetOrder(_ context.Context, key model.OrderKey) (*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOrder(o)
}

func (m *Memory) ListByStatus(_ context.Context, status model.ProcessingStatus, limit int) ([]*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := []*model.Order{}
	for _, o := range m.orders {
		if o.Status == status {
			cp, err := copyOrder(o)
			if err != nil {
				return nil, err
			}
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) SetStatus(_ context.Context, key model.OrderKey, from, to model.ProcessingStatus, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setStatusLocked(key, from, to, lastError)
}

func (m *Memory) setStatusLocked(key model.OrderKey, from, to model.ProcessingStatus, lastError string) error {
	o, ok := m.orders[key]
	if !ok {
		return ErrNotFound
	}
	if o.Status != from || !model.CanTransition(from, to) {
		return ErrConflict
	}
	o.Status = to
	o.LastError = lastError
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) LockForExport(_ context.Context, limit int) ([]*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 500
	}
	keys := make([]model.OrderKey, 0)
	for k, o := range m.orders {
		if o.Status == model.StatusPersisted {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	if len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]*model.Order, 0, len(keys))
	for _, k := range keys {
		o := m.orders[k]
		o.Status = model.StatusExporting
		cp, err := copyOrder(o)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (m *Memory) FinishExport(_ context.Context, keys []model.OrderKey, batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		if err := m.setStatusLocked(k, model.StatusExporting, model.StatusExported, ""); err != nil {
			return err
		}
		if m.orders[k].Attributes == nil {
			m.orders[k].Attributes = map[string]string{}
		}
		m.orders[k].Attributes["export_batch"] = batchID
	}
	return nil
}

func (m *Memory) RevertExport(_ context.Context, keys []model.OrderKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		if err := m.setStatusLocked(k, model.StatusExporting, model.StatusPersisted, ""); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func copyOrder(o *model.Order) (*model.Order, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	var cp model.Order
	if err := json.Unmarshal(b, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}
