// Package dedup provides the shared dedupe-window index consulted by the
// bus before its own queue. A single-instance bus needs none of this (the
// queue's DONE retention is the source of truth); a fleet of bus instances
// behind one address shares seen event ids through redis.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Index remembers event ids for the dedupe window.
type Index interface {
	// Seen reports whether the event id was marked within the window.
	Seen(ctx context.Context, eventID string) (bool, error)
	// Mark records an event id; the entry expires after the window.
	Mark(ctx context.Context, eventID string) error
	Close() error
}

// None is the single-instance index: nothing is shared, every lookup
// defers to the local queue.
type None struct{}

func (None) Seen(context.Context, string) (bool, error) { return false, nil }
func (None) Mark(context.Context, string) error         { return nil }
func (None) Close() error                               { return nil }

const keyPrefix = "amoskys:dedupe:"

// Redis is the shared index for multi-instance deployments.
type Redis struct {
	client *redis.Client
	window time.Duration
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr string, window time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("dedup: redis ping %q: %w", addr, err)
	}
	return &Redis{client: client, window: window}, nil
}

func (r *Redis) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := r.client.Exists(ctx, keyPrefix+eventID).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: exists: %w", err)
	}
	return n > 0, nil
}

func (r *Redis) Mark(ctx context.Context, eventID string) error {
	if err := r.client.SetNX(ctx, keyPrefix+eventID, 1, r.window).Err(); err != nil {
		return fmt.Errorf("dedup: mark: %w", err)
	}
	return nil
}

func (r *Redis) Close() error { return r.client.Close() }
