package quotes

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stablepay-ng/quotegate/internal/quota"
	"github.com/stablepay-ng/quotegate/internal/quotecache"
	"github.com/stablepay-ng/quotegate/pkg/logger"
	"github.com/stablepay-ng/quotegate/pkg/models"
)

// Publisher receives every quote written to the cache, for push delivery to
// connected clients
type Publisher interface {
	Publish(key models.QuoteKey, quote *models.Quote)
}

// Service is the synchronous read path consumed by the HTTP layer, plus
// quota status and administration
type Service struct {
	cache     *quotecache.Cache
	fetcher   *Fetcher
	tracker   *quota.Tracker
	quoteTTL  time.Duration
	publisher Publisher
}

// NewService creates the quote service; publisher may be nil
func NewService(
	cache *quotecache.Cache,
	fetcher *Fetcher,
	tracker *quota.Tracker,
	quoteTTL time.Duration,
	publisher Publisher,
) *Service {
	return &Service{
		cache:     cache,
		fetcher:   fetcher,
		tracker:   tracker,
		quoteTTL:  quoteTTL,
		publisher: publisher,
	}
}

// GetQuote serves a quote from cache, fetching inline on a miss. Any cached
// entry inside the store TTL is served as-is, stale or not. A cold key costs
// upstream latency and one quota unit; concurrent readers of the same cold
// key are not deduplicated and may each spend a unit.
func (s *Service) GetQuote(ctx context.Context, token, fiat string, side models.Side) (*models.Quote, error) {
	key := models.QuoteKey{Token: token, Fiat: fiat, Side: side}

	quote, err := s.cache.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if quote != nil {
		return quote, nil
	}

	quote, err = s.fetcher.Fetch(ctx, token, fiat)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Put(ctx, key, quote, s.quoteTTL); err != nil {
		// The call is already paid for; serve the quote even uncached
		logger.Warn("failed to cache fetched quote",
			zap.String("key", key.String()),
			zap.Error(err),
		)
	} else if s.publisher != nil {
		s.publisher.Publish(key, quote)
	}

	logger.Debug("quote fetched on read path",
		zap.String("key", key.String()),
		zap.String("price", quote.Price),
	)
	return quote, nil
}

// GetQuotaStatus reports the current period's upstream call usage
func (s *Service) GetQuotaStatus(ctx context.Context) (models.QuotaStatus, error) {
	return s.tracker.Status(ctx)
}

// ResetQuota overrides the usage counter, for manual correction against the
// provider's dashboard
func (s *Service) ResetQuota(ctx context.Context, used int64) error {
	return s.tracker.Reset(ctx, used)
}
