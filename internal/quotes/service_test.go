package quotes

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stablepay-ng/quotegate/internal/adapters/config"
	"github.com/stablepay-ng/quotegate/internal/adapters/provider"
	"github.com/stablepay-ng/quotegate/internal/adapters/redis"
	"github.com/stablepay-ng/quotegate/internal/quota"
	"github.com/stablepay-ng/quotegate/internal/quotecache"
	"github.com/stablepay-ng/quotegate/internal/rates"
	"github.com/stablepay-ng/quotegate/pkg/models"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []models.QuoteKey
}

func (c *capturePublisher) Publish(key models.QuoteKey, quote *models.Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, key)
}

func (c *capturePublisher) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func newTestService(t *testing.T, limit int64) (*Service, *provider.MockProvider, *quotecache.Cache, *capturePublisher) {
	t.Helper()

	p := provider.NewMockProvider()
	store := redis.NewMemoryStore()
	tracker := quota.NewTracker(store, &config.QuotaConfig{MonthlyLimit: limit})

	registry := rates.NewRegistry(p, store, time.Hour)
	if err := registry.Warmup(context.Background()); err != nil {
		t.Fatalf("Failed to warm up registry: %v", err)
	}

	fetcher := NewFetcher(p, tracker, registry, rates.NewSubstitutionTable(nil), "USD")
	cache := quotecache.New(store)
	publisher := &capturePublisher{}

	return NewService(cache, fetcher, tracker, time.Hour, publisher), p, cache, publisher
}

func TestService_CacheHitSkipsUpstream(t *testing.T) {
	service, p, cache, _ := newTestService(t, 100)
	ctx := context.Background()
	key := models.QuoteKey{Token: "USDC", Fiat: "USD"}

	cached := &models.Quote{Price: "1.0002", Timestamp: time.Now().Unix()}
	if err := cache.Put(ctx, key, cached, time.Hour); err != nil {
		t.Fatalf("Failed to seed cache: %v", err)
	}

	quote, err := service.GetQuote(ctx, "USDC", "USD", "")
	if err != nil {
		t.Fatalf("Failed to get quote: %v", err)
	}
	if quote.Price != cached.Price {
		t.Errorf("Expected cached price %s, got %s", cached.Price, quote.Price)
	}

	if calls := p.PriceCalls(); calls != 0 {
		t.Errorf("Expected no upstream call on cache hit, got %d", calls)
	}
}

func TestService_ColdKeyFetchesAndCaches(t *testing.T) {
	service, p, cache, publisher := newTestService(t, 100)
	ctx := context.Background()
	p.SetPrice("ref-usdc", "ref-usd", &models.Quote{Price: "1.00", Timestamp: time.Now().Unix()})

	quote, err := service.GetQuote(ctx, "USDC", "USD", "")
	if err != nil {
		t.Fatalf("Failed to get quote on cold key: %v", err)
	}
	if quote.Price != "1.00" {
		t.Errorf("Expected price 1.00, got %s", quote.Price)
	}

	// The fetch result lands in the cache and is pushed to subscribers
	stored, err := cache.Get(ctx, models.QuoteKey{Token: "USDC", Fiat: "USD"})
	if err != nil {
		t.Fatalf("Failed to read cache: %v", err)
	}
	if stored == nil {
		t.Fatal("Expected fetched quote in cache")
	}
	if publisher.Count() != 1 {
		t.Errorf("Expected 1 published quote, got %d", publisher.Count())
	}

	// The second read is a hit
	if _, err := service.GetQuote(ctx, "USDC", "USD", ""); err != nil {
		t.Fatalf("Failed to get quote on warm key: %v", err)
	}
	if calls := p.PriceCalls(); calls != 1 {
		t.Errorf("Expected 1 upstream call total, got %d", calls)
	}
}

func TestService_StaleEntryStillServed(t *testing.T) {
	service, p, cache, _ := newTestService(t, 100)
	ctx := context.Background()
	key := models.QuoteKey{Token: "USDT", Fiat: "USD"}

	// Well past any refresh-skip window, still inside the store TTL
	stale := &models.Quote{Price: "0.9998", Timestamp: time.Now().Add(-50 * time.Minute).Unix()}
	if err := cache.Put(ctx, key, stale, time.Hour); err != nil {
		t.Fatalf("Failed to seed cache: %v", err)
	}

	quote, err := service.GetQuote(ctx, "USDT", "USD", "")
	if err != nil {
		t.Fatalf("Failed to get stale quote: %v", err)
	}
	if quote.Price != stale.Price {
		t.Errorf("Expected stale price %s served, got %s", stale.Price, quote.Price)
	}
	if calls := p.PriceCalls(); calls != 0 {
		t.Errorf("Expected read path to never refresh, got %d calls", calls)
	}
}

func TestService_QuotaExhaustedSurfaces(t *testing.T) {
	service, p, _, _ := newTestService(t, 0)
	p.SetPrice("ref-usdc", "ref-usd", &models.Quote{Price: "1.00", Timestamp: time.Now().Unix()})

	_, err := service.GetQuote(context.Background(), "USDC", "USD", "")
	if !errors.Is(err, quota.ErrQuotaExceeded) {
		t.Fatalf("Expected ErrQuotaExceeded, got %v", err)
	}
}

func TestService_UpstreamFailureSurfaces(t *testing.T) {
	service, _, cache, _ := newTestService(t, 100)
	ctx := context.Background()

	_, err := service.GetQuote(ctx, "USDC", "USD", "")
	if !errors.Is(err, provider.ErrUpstream) {
		t.Fatalf("Expected ErrUpstream, got %v", err)
	}

	// A failed fetch never caches anything
	stored, err := cache.Get(ctx, models.QuoteKey{Token: "USDC", Fiat: "USD"})
	if err != nil {
		t.Fatalf("Failed to read cache: %v", err)
	}
	if stored != nil {
		t.Errorf("Expected empty cache after failed fetch, got %+v", stored)
	}
}

func TestService_QuotaStatusAndReset(t *testing.T) {
	service, _, _, _ := newTestService(t, 100)
	ctx := context.Background()

	if err := service.ResetQuota(ctx, 5); err != nil {
		t.Fatalf("Failed to reset quota: %v", err)
	}

	status, err := service.GetQuotaStatus(ctx)
	if err != nil {
		t.Fatalf("Failed to get quota status: %v", err)
	}
	if status.Used != 5 {
		t.Errorf("Expected 5 used, got %d", status.Used)
	}
}

func TestService_ConcurrentColdKey(t *testing.T) {
	service, p, _, _ := newTestService(t, 100)
	p.SetPrice("ref-usdc", "ref-usd", &models.Quote{Price: "1.00", Timestamp: time.Now().Unix()})

	const readers = 4
	var wg sync.WaitGroup
	errs := make(chan error, readers)

	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := service.GetQuote(context.Background(), "USDC", "USD", "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Failed concurrent read: %v", err)
		}
	}

	// Same-key readers are not deduplicated: anywhere from one call (the
	// rest hit the freshly written cache) to one per reader is acceptable
	calls := p.PriceCalls()
	if calls < 1 || calls > readers {
		t.Errorf("Expected between 1 and %d upstream calls, got %d", readers, calls)
	}
}
