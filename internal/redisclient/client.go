package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/reserve_stock.lua
var reserveStockScript string

//go:embed scripts/release_stock.lua
var releaseStockScript string

//go:embed scripts/commit_stock.lua
var commitStockScript string

// ErrMirrorMiss means the product has no mirrored counters yet; callers fall
// back to the database.
var ErrMirrorMiss = errors.New("inventory mirror: product not cached")

// Client mirrors the authoritative inventory counters into Redis hashes so
// availability reads and reservation prechecks stay off the database hot path.
type Client struct {
	rdb           *redis.Client
	reserveScript *redis.Script
	releaseScript *redis.Script
	commitScript  *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
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

	return &Client{
		rdb:           rdb,
		reserveScript: redis.NewScript(reserveStockScript),
		releaseScript: redis.NewScript(releaseStockScript),
		commitScript:  redis.NewScript(commitStockScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func inventoryKey(productID string) string {
	return fmt.Sprintf("inventory:%s", productID)
}

// ReserveStock atomically reserves against the mirrored counters. It returns
// the mirrored available count after the hold and ok=false when the mirror
// shows insufficient stock. ErrMirrorMiss means the product is not cached.
func (c *Client) ReserveStock(ctx context.Context, productID string, quantity int) (available int64, ok bool, err error) {
	result, err := c.reserveScript.Run(ctx, c.rdb, []string{inventoryKey(productID)}, quantity).Result()
	if err != nil {
		return 0, false, fmt.Errorf("reserve stock script failed: %w", err)
	}

	n, isInt := result.(int64)
	if !isInt {
		return 0, false, fmt.Errorf("unexpected script result type %T", result)
	}

	switch {
	case n == -2:
		return 0, false, ErrMirrorMiss
	case n == -1:
		return 0, false, nil
	default:
		return n, true, nil
	}
}

// ReleaseStock atomically releases mirrored reserved stock, clamped at zero.
func (c *Client) ReleaseStock(ctx context.Context, productID string, quantity int) error {
	result, err := c.releaseScript.Run(ctx, c.rdb, []string{inventoryKey(productID)}, quantity).Result()
	if err != nil {
		return fmt.Errorf("release stock script failed: %w", err)
	}
	if n, isInt := result.(int64); isInt && n == -2 {
		return ErrMirrorMiss
	}
	return nil
}

// CommitStock records a committed sale on the mirror. The stock and reserved
// counters do not move; the reservation simply becomes permanent.
func (c *Client) CommitStock(ctx context.Context, productID string, quantity int) error {
	result, err := c.commitScript.Run(ctx, c.rdb, []string{inventoryKey(productID)}, quantity).Result()
	if err != nil {
		return fmt.Errorf("commit stock script failed: %w", err)
	}
	if n, isInt := result.(int64); isInt && n == -2 {
		return ErrMirrorMiss
	}
	return nil
}

// SetInventory overwrites the mirrored counters for a product.
func (c *Client) SetInventory(ctx context.Context, productID string, stock, reserved int) error {
	pipe := c.rdb.Pipeline()
	key := inventoryKey(productID)
	pipe.HSet(ctx, key, "stock", stock)
	pipe.HSet(ctx, key, "reserved", reserved)

	_, err := pipe.Exec(ctx)
	return err
}

// GetInventory retrieves the mirrored counters for a product.
func (c *Client) GetInventory(ctx context.Context, productID string) (stock, reserved int, err error) {
	result, err := c.rdb.HGetAll(ctx, inventoryKey(productID)).Result()
	if err != nil {
		return 0, 0, err
	}
	if len(result) == 0 {
		return 0, 0, ErrMirrorMiss
	}

	stock, err = strconv.Atoi(result["stock"])
	if err != nil {
		return 0, 0, fmt.Errorf("bad mirrored stock value: %w", err)
	}
	reserved, _ = strconv.Atoi(result["reserved"])
	return stock, reserved, nil
}

// SetIdempotencyKey stores a checkout id under a client idempotency key.
func (c *Client) SetIdempotencyKey(ctx context.Context, key, checkoutID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("idempotency:%s", key), checkoutID, ttl).Err()
}

// GetIdempotencyKey returns the checkout id stored under a client idempotency
// key, or "" when the key is unknown.
func (c *Client) GetIdempotencyKey(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, fmt.Sprintf("idempotency:%s", key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}
