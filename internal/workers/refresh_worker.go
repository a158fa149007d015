package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stablepay-ng/quotegate/internal/adapters/config"
	"github.com/stablepay-ng/quotegate/internal/adapters/redis"
	"github.com/stablepay-ng/quotegate/internal/quota"
	"github.com/stablepay-ng/quotegate/internal/quotecache"
	"github.com/stablepay-ng/quotegate/internal/quotes"
	"github.com/stablepay-ng/quotegate/pkg/logger"
	"github.com/stablepay-ng/quotegate/pkg/models"
)

const (
	runLockName        = "quote_refresh_run"
	thresholdAlertKey  = "quota:alerted:"
	runSkippedAlertKey = "quota:alerted:skip:"
)

// Alerter delivers quota alerts; a nil alerter disables alerting
type Alerter interface {
	QuotaThresholdAlert(status models.QuotaStatus, period string) error
	RunSkippedAlert(remaining, required int64) error
}

// AlertStore persists the once-per-period alert flags
type AlertStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// RefreshWorker keeps the quote cache warm for the configured token and fiat
// grid. Each run is admission-gated on quota headroom: a run that could not
// complete in full is skipped entirely rather than leaving the grid
// half-refreshed. Individual pair failures are tolerated; the next run is
// the retry.
type RefreshWorker struct {
	tracker     *quota.Tracker
	cache       *quotecache.Cache
	fetcher     *quotes.Fetcher
	store       AlertStore
	lockFactory redis.LockFactory
	alerter     Alerter
	publisher   quotes.Publisher

	tokens         []string
	fiats          []string
	interval       time.Duration
	quoteTTL       time.Duration
	skipWindow     time.Duration
	alertThreshold float64
}

// NewRefreshWorker creates new refresh worker
func NewRefreshWorker(
	cfg *config.Config,
	tracker *quota.Tracker,
	cache *quotecache.Cache,
	fetcher *quotes.Fetcher,
	store AlertStore,
	lockFactory redis.LockFactory,
	alerter Alerter,
	publisher quotes.Publisher,
) *RefreshWorker {
	return &RefreshWorker{
		tracker:        tracker,
		cache:          cache,
		fetcher:        fetcher,
		store:          store,
		lockFactory:    lockFactory,
		alerter:        alerter,
		publisher:      publisher,
		tokens:         cfg.Refresh.Tokens,
		fiats:          cfg.Refresh.Fiats,
		interval:       cfg.Refresh.Interval,
		quoteTTL:       cfg.Cache.QuoteTTL,
		skipWindow:     cfg.Cache.RefreshSkipWindow,
		alertThreshold: cfg.Quota.AlertThresholdPc,
	}
}

// Name returns worker name
func (w *RefreshWorker) Name() string {
	return "quote_refresh"
}

// Run executes one refresh cycle
// Called periodically by pkg/worker.PeriodicWorker
func (w *RefreshWorker) Run(ctx context.Context) error {
	lock := w.lockFactory.CreateRunLock(runLockName, w.interval)

	acquired, err := lock.TryAcquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire refresh lock: %w", err)
	}
	if !acquired {
		logger.Info("refresh run already in progress on another replica")
		return nil
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			logger.Warn("failed to release refresh lock", zap.Error(err))
		}
	}()

	// Coarse admission gate: a run must be able to refresh every pair, or it
	// refreshes none and waits for the next tick
	required := int64(len(w.tokens) * len(w.fiats))
	remaining, err := w.tracker.Remaining(ctx)
	if err != nil {
		return fmt.Errorf("failed to read quota headroom: %w", err)
	}
	if remaining < required {
		logger.Warn("skipping refresh run, quota headroom too low",
			zap.Int64("remaining", remaining),
			zap.Int64("required", required),
		)
		w.alertOnce(ctx, runSkippedAlertKey+w.tracker.CurrentPeriod(), func() error {
			return w.alerter.RunSkippedAlert(remaining, required)
		})
		return nil
	}

	w.refreshPairs(ctx)
	w.checkQuotaThreshold(ctx)
	return nil
}

// refreshPairs walks the grid in fixed order, refreshing every pair outside
// the freshness window
func (w *RefreshWorker) refreshPairs(ctx context.Context) {
	startTime := time.Now()
	refreshed, skipped, failed := 0, 0, 0

	for _, token := range w.tokens {
		for _, fiat := range w.fiats {
			key := models.QuoteKey{Token: token, Fiat: fiat}

			cached, err := w.cache.Get(ctx, key)
			if err != nil {
				logger.Warn("failed to read cached quote",
					zap.String("key", key.String()),
					zap.Error(err),
				)
				failed++
				continue
			}
			if w.cache.Fresh(cached, w.skipWindow) {
				skipped++
				continue
			}

			quote, err := w.fetcher.Fetch(ctx, token, fiat)
			if err != nil {
				logger.Warn("failed to refresh quote",
					zap.String("key", key.String()),
					zap.Error(err),
				)
				failed++
				continue
			}

			if err := w.cache.Put(ctx, key, quote, w.quoteTTL); err != nil {
				logger.Warn("failed to store refreshed quote",
					zap.String("key", key.String()),
					zap.Error(err),
				)
				failed++
				continue
			}

			if w.publisher != nil {
				w.publisher.Publish(key, quote)
			}
			refreshed++
		}
	}

	logger.Info("refresh run completed",
		zap.Int("refreshed", refreshed),
		zap.Int("skipped", skipped),
		zap.Int("failed", failed),
		zap.Duration("latency", time.Since(startTime)),
	)
}

// checkQuotaThreshold warns the operations chat once per period when usage
// crosses the alert threshold
func (w *RefreshWorker) checkQuotaThreshold(ctx context.Context) {
	if w.alerter == nil {
		return
	}

	status, err := w.tracker.Status(ctx)
	if err != nil {
		logger.Warn("failed to read quota status after run", zap.Error(err))
		return
	}
	if status.PercentUsed < w.alertThreshold {
		return
	}

	period := w.tracker.CurrentPeriod()
	w.alertOnce(ctx, thresholdAlertKey+period, func() error {
		return w.alerter.QuotaThresholdAlert(status, period)
	})
}

// alertOnce sends an alert at most once per period, deduplicated through a
// store flag so restarts and replicas do not repeat it. A failed send leaves
// the flag unset and the next run retries.
func (w *RefreshWorker) alertOnce(ctx context.Context, flagKey string, send func() error) {
	if w.alerter == nil {
		return
	}

	_, err := w.store.Get(ctx, flagKey)
	if err == nil {
		return
	}
	if !errors.Is(err, redis.ErrNotFound) {
		logger.Warn("failed to read alert flag",
			zap.String("key", flagKey),
			zap.Error(err),
		)
		return
	}

	if err := send(); err != nil {
		return
	}

	if err := w.store.Set(ctx, flagKey, "1", w.tracker.PeriodTTL()); err != nil {
		logger.Warn("failed to set alert flag",
			zap.String("key", flagKey),
			zap.Error(err),
		)
	}
}
