// Package ratelimit provides a fixed-window request counter backed by Redis,
// shared across orchestrator replicas.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter counts requests per (caller, endpoint) in fixed windows.
type Limiter struct {
	Client *redis.Client
}

func New(client *redis.Client) *Limiter {
	return &Limiter{Client: client}
}

// Allow increments the counter for key in the current window and reports
// whether the request is within limit. Redis errors fail open: rate limiting
// protects against noisy clients, it must not take the API down with it.
func (l *Limiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	bucket := windowKey(key, window)

	n, err := l.Client.Incr(ctx, bucket).Result()
	if err != nil {
		return true, err
	}
	if n == 1 {
		// First hit in this window; bound the key's lifetime.
		l.Client.Expire(ctx, bucket, window)
	}
	return n <= limit, nil
}

func windowKey(key string, window time.Duration) string {
	bucket := time.Now().Unix() / int64(window.Seconds())
	return fmt.Sprintf("fleetq:ratelimit:%s:%d", key, bucket)
}
