package quotecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stablepay-ng/quotegate/internal/adapters/redis"
	"github.com/stablepay-ng/quotegate/pkg/models"
)

// Store is the durable cache backend
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Cache maps a (token, fiat, side) key to its last fetched quote. Entries
// expire at the store level; once an entry is gone the read path has to
// fetch again.
type Cache struct {
	store Store
	now   func() time.Time
}

// New creates a quote cache over the durable store
func New(store Store) *Cache {
	return &Cache{
		store: store,
		now:   time.Now,
	}
}

// Get returns the cached quote for a key, or nil when none is stored.
// Never touches the upstream.
func (c *Cache) Get(ctx context.Context, key models.QuoteKey) (*models.Quote, error) {
	raw, err := c.store.Get(ctx, key.CacheKey())
	if err != nil {
		if errors.Is(err, redis.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cached quote %s: %w", key, err)
	}

	var quote models.Quote
	if err := json.Unmarshal([]byte(raw), &quote); err != nil {
		return nil, fmt.Errorf("malformed cached quote %s: %w", key, err)
	}
	return &quote, nil
}

// Put stores a quote with the servable-horizon TTL; the store forgets the
// entry on its own after expiry
func (c *Cache) Put(ctx context.Context, key models.QuoteKey, quote *models.Quote, ttl time.Duration) error {
	data, err := json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("failed to marshal quote %s: %w", key, err)
	}

	if err := c.store.Set(ctx, key.CacheKey(), string(data), ttl); err != nil {
		return fmt.Errorf("failed to cache quote %s: %w", key, err)
	}
	return nil
}

// Fresh reports whether a quote is young enough to skip refreshing. The
// window is shorter than the store TTL: between the two horizons a quote
// stays servable on reads while already qualifying for a scheduled refresh.
func (c *Cache) Fresh(quote *models.Quote, window time.Duration) bool {
	if quote == nil {
		return false
	}
	return quote.Age(c.now()) < window
}
