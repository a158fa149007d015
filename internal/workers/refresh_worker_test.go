package workers

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stablepay-ng/quotegate/internal/adapters/config"
	"github.com/stablepay-ng/quotegate/internal/adapters/provider"
	"github.com/stablepay-ng/quotegate/internal/adapters/redis"
	"github.com/stablepay-ng/quotegate/internal/quota"
	"github.com/stablepay-ng/quotegate/internal/quotecache"
	"github.com/stablepay-ng/quotegate/internal/quotes"
	"github.com/stablepay-ng/quotegate/internal/rates"
	"github.com/stablepay-ng/quotegate/pkg/logger"
	"github.com/stablepay-ng/quotegate/pkg/models"
)

func TestMain(m *testing.M) {
	if err := logger.Init("error", ""); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type fakeAlerter struct {
	mu              sync.Mutex
	thresholdAlerts int
	skippedAlerts   int
}

func (a *fakeAlerter) QuotaThresholdAlert(status models.QuotaStatus, period string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.thresholdAlerts++
	return nil
}

func (a *fakeAlerter) RunSkippedAlert(remaining, required int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.skippedAlerts++
	return nil
}

type heldLockFactory struct{}

func (f heldLockFactory) CreateRunLock(name string, ttl time.Duration) redis.RunLock {
	return heldLock{}
}

type heldLock struct{}

func (l heldLock) TryAcquire(ctx context.Context) (bool, error) { return false, nil }
func (l heldLock) Release(ctx context.Context) error            { return nil }

type env struct {
	worker   *RefreshWorker
	provider *provider.MockProvider
	cache    *quotecache.Cache
	tracker  *quota.Tracker
	alerter  *fakeAlerter
	store    *redis.MemoryStore
	cfg      *config.Config
}

func testConfig(limit int64) *config.Config {
	return &config.Config{
		Quota: config.QuotaConfig{MonthlyLimit: limit, AlertThresholdPc: 80},
		Cache: config.CacheConfig{QuoteTTL: time.Hour, RefreshSkipWindow: 15 * time.Minute},
		Refresh: config.RefreshConfig{
			Interval: time.Hour,
			Tokens:   []string{"USDC", "USDT"},
			Fiats:    []string{"USD", "EUR"},
		},
	}
}

func newEnv(t *testing.T, cfg *config.Config) *env {
	t.Helper()

	p := provider.NewMockProvider()
	store := redis.NewMemoryStore()
	tracker := quota.NewTracker(store, &cfg.Quota)

	registry := rates.NewRegistry(p, store, time.Hour)
	if err := registry.Warmup(context.Background()); err != nil {
		t.Fatalf("Failed to warm up registry: %v", err)
	}

	fetcher := quotes.NewFetcher(p, tracker, registry, rates.NewSubstitutionTable(nil), "USD")
	cache := quotecache.New(store)
	alerter := &fakeAlerter{}

	worker := NewRefreshWorker(cfg, tracker, cache, fetcher, store, redis.NewMockLockFactory(), alerter, nil)

	return &env{
		worker:   worker,
		provider: p,
		cache:    cache,
		tracker:  tracker,
		alerter:  alerter,
		store:    store,
		cfg:      cfg,
	}
}

// seedGrid prices every pair of the default test grid
func seedGrid(p *provider.MockProvider, timestamp int64) {
	for _, token := range []string{"usdc", "usdt"} {
		for _, fiat := range []string{"usd", "eur"} {
			p.SetPrice("ref-"+token, "ref-"+fiat, &models.Quote{Price: "1.00", Timestamp: timestamp})
		}
	}
}

func TestRefreshWorker_RefreshesAllPairs(t *testing.T) {
	e := newEnv(t, testConfig(100))
	ctx := context.Background()
	seedGrid(e.provider, time.Now().Unix())

	if err := e.worker.Run(ctx); err != nil {
		t.Fatalf("Failed to run refresh: %v", err)
	}

	if calls := e.provider.PriceCalls(); calls != 4 {
		t.Errorf("Expected 4 upstream calls, got %d", calls)
	}

	for _, token := range e.cfg.Refresh.Tokens {
		for _, fiat := range e.cfg.Refresh.Fiats {
			quote, err := e.cache.Get(ctx, models.QuoteKey{Token: token, Fiat: fiat})
			if err != nil {
				t.Fatalf("Failed to read cache for %s/%s: %v", token, fiat, err)
			}
			if quote == nil {
				t.Errorf("Expected %s/%s refreshed, got nothing", token, fiat)
			}
		}
	}
}

func TestRefreshWorker_SkipsFreshPairs(t *testing.T) {
	e := newEnv(t, testConfig(100))
	ctx := context.Background()
	seedGrid(e.provider, time.Now().Unix())

	// USDC/USD was refreshed moments ago and is inside the skip window
	fresh := &models.Quote{Price: "9.99", Timestamp: time.Now().Unix()}
	if err := e.cache.Put(ctx, models.QuoteKey{Token: "USDC", Fiat: "USD"}, fresh, time.Hour); err != nil {
		t.Fatalf("Failed to seed cache: %v", err)
	}

	if err := e.worker.Run(ctx); err != nil {
		t.Fatalf("Failed to run refresh: %v", err)
	}

	if calls := e.provider.PriceCalls(); calls != 3 {
		t.Errorf("Expected 3 upstream calls with one fresh pair, got %d", calls)
	}

	quote, err := e.cache.Get(ctx, models.QuoteKey{Token: "USDC", Fiat: "USD"})
	if err != nil {
		t.Fatalf("Failed to read cache: %v", err)
	}
	if quote.Price != "9.99" {
		t.Errorf("Expected fresh quote untouched, got price %s", quote.Price)
	}
}

func TestRefreshWorker_QuotaGateSkipsEntireRun(t *testing.T) {
	// Three calls left for a four pair grid
	e := newEnv(t, testConfig(3))
	ctx := context.Background()
	seedGrid(e.provider, time.Now().Unix())

	if err := e.worker.Run(ctx); err != nil {
		t.Fatalf("Failed to run refresh: %v", err)
	}

	if calls := e.provider.PriceCalls(); calls != 0 {
		t.Errorf("Expected no upstream calls for a gated run, got %d", calls)
	}
	if e.alerter.skippedAlerts != 1 {
		t.Errorf("Expected 1 run skipped alert, got %d", e.alerter.skippedAlerts)
	}

	// The next gated run does not repeat the alert
	if err := e.worker.Run(ctx); err != nil {
		t.Fatalf("Failed to run refresh again: %v", err)
	}
	if e.alerter.skippedAlerts != 1 {
		t.Errorf("Expected run skipped alert deduplicated, got %d", e.alerter.skippedAlerts)
	}
}

func TestRefreshWorker_PartialFailureTolerated(t *testing.T) {
	e := newEnv(t, testConfig(100))
	ctx := context.Background()

	// Every pair priced except USDC/EUR, which fails upstream
	now := time.Now().Unix()
	e.provider.SetPrice("ref-usdc", "ref-usd", &models.Quote{Price: "1.00", Timestamp: now})
	e.provider.SetPrice("ref-usdt", "ref-usd", &models.Quote{Price: "1.00", Timestamp: now})
	e.provider.SetPrice("ref-usdt", "ref-eur", &models.Quote{Price: "0.92", Timestamp: now})

	if err := e.worker.Run(ctx); err != nil {
		t.Fatalf("Expected run to tolerate a pair failure, got %v", err)
	}

	// The failing pair does not stop the others from refreshing
	quote, err := e.cache.Get(ctx, models.QuoteKey{Token: "USDT", Fiat: "EUR"})
	if err != nil {
		t.Fatalf("Failed to read cache: %v", err)
	}
	if quote == nil {
		t.Error("Expected USDT/EUR refreshed despite USDC/EUR failure")
	}

	failedQuote, err := e.cache.Get(ctx, models.QuoteKey{Token: "USDC", Fiat: "EUR"})
	if err != nil {
		t.Fatalf("Failed to read cache: %v", err)
	}
	if failedQuote != nil {
		t.Errorf("Expected nothing cached for the failed pair, got %+v", failedQuote)
	}

	// Only served calls stay counted; the failed one is refunded
	used, err := e.tracker.Used(ctx)
	if err != nil {
		t.Fatalf("Failed to read usage: %v", err)
	}
	if used != 3 {
		t.Errorf("Expected 3 calls recorded, got %d", used)
	}
}

func TestRefreshWorker_ThresholdAlertOncePerPeriod(t *testing.T) {
	cfg := testConfig(10)
	cfg.Quota.AlertThresholdPc = 10
	cfg.Refresh.Tokens = []string{"USDC"}
	cfg.Refresh.Fiats = []string{"USD"}

	e := newEnv(t, cfg)
	ctx := context.Background()
	e.provider.SetPrice("ref-usdc", "ref-usd", &models.Quote{Price: "1.00", Timestamp: time.Now().Unix()})

	// First run spends 1 of 10 calls, crossing the 10% threshold
	if err := e.worker.Run(ctx); err != nil {
		t.Fatalf("Failed to run refresh: %v", err)
	}
	if e.alerter.thresholdAlerts != 1 {
		t.Fatalf("Expected 1 threshold alert, got %d", e.alerter.thresholdAlerts)
	}

	// The second run still sees usage over the threshold but stays silent
	if err := e.worker.Run(ctx); err != nil {
		t.Fatalf("Failed to run refresh again: %v", err)
	}
	if e.alerter.thresholdAlerts != 1 {
		t.Errorf("Expected threshold alert deduplicated, got %d", e.alerter.thresholdAlerts)
	}
}

func TestRefreshWorker_LockHeldSkipsRun(t *testing.T) {
	e := newEnv(t, testConfig(100))
	e.worker.lockFactory = heldLockFactory{}
	seedGrid(e.provider, time.Now().Unix())

	if err := e.worker.Run(context.Background()); err != nil {
		t.Fatalf("Expected held lock to skip quietly, got %v", err)
	}

	if calls := e.provider.PriceCalls(); calls != 0 {
		t.Errorf("Expected no upstream calls while another replica runs, got %d", calls)
	}
}
