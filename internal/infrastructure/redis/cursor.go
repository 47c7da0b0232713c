// Package redis holds state shared by every replica that is not worth a Postgres table.
package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

const defaultPrefix = "escrow-orchestrator:routing:"

func NewClient(redisURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return goredis.NewClient(opts), nil
}

// Cursor keeps routing rotation positions in Redis so every replica advances the same
// counters and positions survive restarts.
type Cursor struct {
	client goredis.Cmdable
	prefix string
}

func NewCursor(client goredis.Cmdable) *Cursor {
	return &Cursor{client: client, prefix: defaultPrefix}
}

// Next returns the zero-based position for key and advances it.
func (c *Cursor) Next(ctx context.Context, key string) (uint64, error) {
	n, err := c.client.Incr(ctx, c.prefix+key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return uint64(n - 1), nil
}
