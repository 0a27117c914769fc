package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// MarkNotificationSeen caches a processed (provider, externalID) pair as a
// fast-path in front of the durable idempotency check.
func (c *Client) MarkNotificationSeen(ctx context.Context, provider, externalID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("webhook:%s:%s", provider, externalID), "1", ttl).Err()
}

// NotificationSeen reports whether the pair is in the fast-path cache. A
// miss means nothing; the durable store decides.
func (c *Client) NotificationSeen(ctx context.Context, provider, externalID string) (bool, error) {
	result, err := c.rdb.Exists(ctx, fmt.Sprintf("webhook:%s:%s", provider, externalID)).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// AcquireBuyerLock acquires the per-buyer store-credit lock
func (c *Client) AcquireBuyerLock(ctx context.Context, buyerID int64, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:buyer-credit:%d", buyerID), "1", ttl).Result()
}

// ReleaseBuyerLock releases the per-buyer store-credit lock
func (c *Client) ReleaseBuyerLock(ctx context.Context, buyerID int64) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:buyer-credit:%d", buyerID)).Err()
}
