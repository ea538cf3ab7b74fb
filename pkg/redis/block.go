package redis

import (
	"context"
	"time"
)

// Blocker records back-off windows requested by upstream platforms (429 Retry-After)
type Blocker struct {
	client    *Client
	keyPrefix string
}

// NewBlocker creates a new Blocker
func NewBlocker(client *Client, keyPrefix string) *Blocker {
	if keyPrefix == "" {
		keyPrefix = "block:"
	}
	return &Blocker{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// BlockFor blocks key for d. Non-positive durations are ignored.
func (b *Blocker) BlockFor(ctx context.Context, key string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	return b.client.Set(ctx, b.keyPrefix+key, time.Now().Add(d).UTC().Format(time.RFC3339), d)
}

// IsBlocked returns whether key is blocked and for how much longer
func (b *Blocker) IsBlocked(ctx context.Context, key string) (bool, time.Duration, error) {
	ttl, err := b.client.TTL(ctx, b.keyPrefix+key)
	if err != nil {
		return false, 0, err
	}
	// go-redis reports a missing key as -2 and a key without expiry as -1
	if ttl == -2 {
		return false, 0, nil
	}
	if ttl < 0 {
		return true, 0, nil
	}
	return true, ttl, nil
}

// Unblock clears a block early
func (b *Blocker) Unblock(ctx context.Context, key string) error {
	return b.client.Del(ctx, b.keyPrefix+key)
}
