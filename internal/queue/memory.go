package queue

import (
	"context"
	"sync"

	"orderbridge/internal/model"
)

// Memory is a channel-backed queue for dev and tests.
type Memory struct {
	ch        chan model.QueueItem
	closeOnce sync.Once
	done      chan struct{}
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Memory{ch: make(chan model.QueueItem, capacity), done: make(chan struct{})}
}

func (m *Memory) Push(ctx context.Context, item model.QueueItem) error {
	select {
	case m.ch <- item:
		return nil
	case <-m.done:
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (m *Memory) Consume(ctx context.Context, fn func(context.Context, model.QueueItem) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return nil
		case item := <-m.ch:
			_ = fn(ctx, item)
		}
	}
}

func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

// Len reports queued items; test helper.
func (m *Memory) Len() int { return len(m.ch) }
