package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/stablepay-ng/quotegate/internal/adapters/config"
	"github.com/stablepay-ng/quotegate/internal/adapters/redis"
	"github.com/stablepay-ng/quotegate/pkg/logger"
	"github.com/stablepay-ng/quotegate/pkg/models"
)

const (
	usageKey  = "quota:usage"
	periodKey = "quota:period"
)

// ErrQuotaExceeded means the monthly upstream call budget is spent; callers
// should serve stale cache or report unavailability, never crash
var ErrQuotaExceeded = errors.New("monthly call quota exceeded")

// Store is the durable counter backend
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Tracker enforces the monthly quota on upstream provider calls. Usage lives
// in the store under a counter and a period marker, both expiring at the
// period boundary as a safety net; rollover is lazy, triggered by use.
type Tracker struct {
	store  Store
	limit  int64
	buffer int64
	now    func() time.Time
}

// NewTracker creates a tracker over the durable counter store
func NewTracker(store Store, cfg *config.QuotaConfig) *Tracker {
	return &Tracker{
		store:  store,
		limit:  cfg.MonthlyLimit,
		buffer: cfg.CallBuffer,
		now:    time.Now,
	}
}

// CurrentPeriod returns the billing period for "now" as "YYYY-MM". Provider
// dashboards reset on UTC month boundaries, so the period does too.
func (t *Tracker) CurrentPeriod() string {
	return t.now().UTC().Format("2006-01")
}

// Reserve takes one unit of quota ahead of an upstream call. The increment
// itself is the admission check: when the incremented count lands beyond the
// effective limit the unit is refunded and ErrQuotaExceeded returned, so
// concurrent callers cannot race past the ceiling. After a successful call
// the reservation IS the recorded call; after a failed call the caller
// refunds it with Release.
func (t *Tracker) Reserve(ctx context.Context) error {
	if err := t.rollover(ctx); err != nil {
		return err
	}

	used, err := t.store.Incr(ctx, usageKey)
	if err != nil {
		return fmt.Errorf("failed to reserve quota: %w", err)
	}

	// INCR recreates an expired counter without a TTL; re-arm the period-end
	// safety net when this reservation created the key
	if used == 1 {
		if err := t.store.Expire(ctx, usageKey, t.PeriodTTL()); err != nil {
			logger.Warn("failed to set quota usage expiry", zap.Error(err))
		}
	}

	if used > t.limit-t.buffer {
		if _, err := t.store.Decr(ctx, usageKey); err != nil {
			logger.Warn("failed to refund rejected reservation", zap.Error(err))
		}
		return fmt.Errorf("%w: %d of %d calls used, %d held back",
			ErrQuotaExceeded, used-1, t.limit, t.buffer)
	}

	return nil
}

// Release refunds one reservation after a failed upstream call. Floored at
// zero: a refund racing a rollover must not underflow the fresh counter.
func (t *Tracker) Release(ctx context.Context) error {
	val, err := t.store.Decr(ctx, usageKey)
	if err != nil {
		return fmt.Errorf("failed to release quota reservation: %w", err)
	}

	if val < 0 {
		if _, err := t.store.Incr(ctx, usageKey); err != nil {
			return fmt.Errorf("failed to clamp quota usage: %w", err)
		}
	}
	return nil
}

// Used returns the number of calls recorded in the current period
func (t *Tracker) Used(ctx context.Context) (int64, error) {
	if err := t.rollover(ctx); err != nil {
		return 0, err
	}
	return t.readUsage(ctx)
}

// Remaining returns max(0, limit-used) for the current period
func (t *Tracker) Remaining(ctx context.Context) (int64, error) {
	used, err := t.Used(ctx)
	if err != nil {
		return 0, err
	}

	remaining := t.limit - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Status reports the current period's usage
func (t *Tracker) Status(ctx context.Context) (models.QuotaStatus, error) {
	used, err := t.Used(ctx)
	if err != nil {
		return models.QuotaStatus{}, err
	}
	return models.NewQuotaStatus(used, t.limit), nil
}

// Reset overrides the usage counter directly, bypassing the increment path.
// Intended for manual correction against the provider's own dashboard count.
func (t *Tracker) Reset(ctx context.Context, used int64) error {
	if used < 0 {
		return fmt.Errorf("quota usage cannot be negative: %d", used)
	}

	ttl := t.PeriodTTL()
	if err := t.store.Set(ctx, usageKey, strconv.FormatInt(used, 10), ttl); err != nil {
		return fmt.Errorf("failed to reset quota usage: %w", err)
	}
	if err := t.store.Set(ctx, periodKey, t.CurrentPeriod(), ttl); err != nil {
		return fmt.Errorf("failed to store quota period: %w", err)
	}

	logger.Info("quota usage reset",
		zap.Int64("used", used),
		zap.String("period", t.CurrentPeriod()),
	)
	return nil
}

// rollover resets the counter when the stored period differs from the wall
// clock, including when no period is stored at all. Usage is cleared before
// the marker is written, so a rollover interrupted between the two writes
// repeats on the next call instead of leaking the old count into the new
// period. Idle time across several boundaries still rolls over exactly once.
func (t *Tracker) rollover(ctx context.Context) error {
	period := t.CurrentPeriod()

	stored, err := t.store.Get(ctx, periodKey)
	if err != nil && !errors.Is(err, redis.ErrNotFound) {
		return fmt.Errorf("failed to read quota period: %w", err)
	}
	if stored == period {
		return nil
	}

	ttl := t.PeriodTTL()
	if err := t.store.Set(ctx, usageKey, "0", ttl); err != nil {
		return fmt.Errorf("failed to reset quota usage: %w", err)
	}
	if err := t.store.Set(ctx, periodKey, period, ttl); err != nil {
		return fmt.Errorf("failed to store quota period: %w", err)
	}

	if stored != "" {
		logger.Info("quota period rolled over",
			zap.String("from", stored),
			zap.String("to", period),
		)
	}
	return nil
}

func (t *Tracker) readUsage(ctx context.Context) (int64, error) {
	raw, err := t.store.Get(ctx, usageKey)
	if err != nil {
		if errors.Is(err, redis.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read quota usage: %w", err)
	}

	used, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("quota usage %q is not an integer: %w", raw, err)
	}
	if used < 0 {
		used = 0
	}
	return used, nil
}

// PeriodTTL is the time left until the next period boundary. It is the
// safety-net expiry on the counter and marker, and on any other key scoped
// to the current period.
func (t *Tracker) PeriodTTL() time.Duration {
	now := t.now().UTC()
	boundary := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return boundary.Sub(now)
}
