package routing

import (
	"context"
	"sync"
)

// Cursor hands out a monotonically increasing position per rotation key.
type Cursor interface {
	Next(ctx context.Context, key string) (uint64, error)
}

// MemoryCursor keeps positions for the lifetime of the process. Replicas using it rotate
// independently and restart from the top of each order after a restart.
type MemoryCursor struct {
	mu        sync.Mutex
	positions map[string]uint64
}

func NewMemoryCursor() *MemoryCursor {
	return &MemoryCursor{positions: make(map[string]uint64)}
}

func (c *MemoryCursor) Next(_ context.Context, key string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.positions[key]
	c.positions[key] = n + 1
	return n, nil
}
