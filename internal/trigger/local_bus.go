package trigger

import (
	"context"
	"fmt"
	"sync"
)

// localBus is the single-process fallback used when no REDIS_ADDR is
// configured: publishes go straight to the forwarder callback.
type localBus struct {
	mu         sync.RWMutex
	onEvaluate func(executionID int64)
	closed     bool
}

func NewLocalBus() Bus {
	return &localBus{}
}

func (b *localBus) Publish(ctx context.Context, executionID int64) error {
	b.mu.RLock()
	cb := b.onEvaluate
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return fmt.Errorf("trigger bus closed")
	}
	if cb != nil {
		cb(executionID)
	}
	return nil
}

func (b *localBus) StartForwarder(ctx context.Context, onEvaluate func(executionID int64)) error {
	if onEvaluate == nil {
		return fmt.Errorf("onEvaluate callback required")
	}
	b.mu.Lock()
	b.onEvaluate = onEvaluate
	b.mu.Unlock()
	return nil
}

func (b *localBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.onEvaluate = nil
	b.mu.Unlock()
	return nil
}
