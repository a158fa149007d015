package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/amyangfei/redlock-go/v3/redlock"
	redis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/stablepay-ng/quotegate/internal/adapters/config"
	"github.com/stablepay-ng/quotegate/pkg/logger"
)

// ErrNotFound marks a key absent from the store
var ErrNotFound = redis.Nil

// Client wraps a standard Redis client for the counter/cache store plus a
// RedLock manager for the scheduler run lock
type Client struct {
	store       *redis.Client
	lockManager *redlock.RedLock
	redisAddrs  []string
}

// New creates a new Redis client with RedLock support
func New(cfg *config.RedisConfig) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Single instance for now; a Redis cluster would provide multiple
	// tcp:// addresses here
	redisAddrs := []string{fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)}

	lockManager, err := redlock.NewRedLock(ctx, redisAddrs)
	if err != nil {
		return nil, fmt.Errorf("failed to create redlock manager: %w", err)
	}

	store := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	if err := store.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis store initialized",
		zap.String("address", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)),
		zap.Int("db", cfg.DB),
	)

	return &Client{
		store:       store,
		lockManager: lockManager,
		redisAddrs:  redisAddrs,
	}, nil
}

// Get retrieves a value; returns ErrNotFound when the key is absent
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	return c.store.Get(ctx, key).Result()
}

// Set stores a value with a TTL; ttl <= 0 stores without expiry
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return c.store.Set(ctx, key, value, ttl).Err()
}

// Del deletes keys
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.store.Del(ctx, keys...).Err()
}

// Incr atomically increments an integer key and returns the new value.
// Absent keys start at zero.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	return c.store.Incr(ctx, key).Result()
}

// Decr atomically decrements an integer key and returns the new value
func (c *Client) Decr(ctx context.Context, key string) (int64, error) {
	return c.store.Decr(ctx, key).Result()
}

// Expire sets a TTL on an existing key
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.store.Expire(ctx, key, ttl).Err()
}

// LockFactory returns a factory for scheduler run locks
func (c *Client) LockFactory() LockFactory {
	return NewRedisLockFactory(c.lockManager)
}

// Health checks store reachability
func (c *Client) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.store.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close closes redis connections
func (c *Client) Close() error {
	if c.store != nil {
		logger.Info("closing redis store client")
		if err := c.store.Close(); err != nil {
			return fmt.Errorf("failed to close redis store: %w", err)
		}
	}
	// RedLock manager has no explicit Close; its connections close automatically
	return nil
}
