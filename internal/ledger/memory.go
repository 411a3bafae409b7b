package ledger

import (
	"context"
	"sync"
	"time"

	"orderbridge/internal/model"
)

// Memory is the in-process ledger used in dev and tests. Safe for concurrent
// use; the mutex gives Register its compare-and-set semantics.
type Memory struct {
	mu      sync.Mutex
	records map[model.OrderKey]model.DedupRecord
}

func NewMemory() *Memory {
	return &Memory{records: map[model.OrderKey]model.DedupRecord{}}
}

func (m *Memory) Register(_ context.Context, key model.OrderKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[key]; ok {
		return false, nil
	}
	m.records[key] = model.DedupRecord{Key: key, FirstSeen: time.Now().UTC()}
	return true, nil
}

func (m *Memory) Release(_ context.Context, key model.OrderKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

func (m *Memory) Get(_ context.Context, key model.OrderKey) (model.DedupRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return model.DedupRecord{}, ErrNotFound
	}
	return rec, nil
}
