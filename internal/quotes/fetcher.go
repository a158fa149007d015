package quotes

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/stablepay-ng/quotegate/internal/adapters/provider"
	"github.com/stablepay-ng/quotegate/internal/quota"
	"github.com/stablepay-ng/quotegate/internal/rates"
	"github.com/stablepay-ng/quotegate/pkg/logger"
	"github.com/stablepay-ng/quotegate/pkg/models"
)

// Fetcher performs upstream price fetches under quota control, applying the
// fiat substitution policy for currencies the provider cannot price directly
type Fetcher struct {
	provider        provider.Provider
	tracker         *quota.Tracker
	registry        *rates.Registry
	substitutions   *rates.SubstitutionTable
	defaultCurrency string
}

// NewFetcher creates a quote fetcher
func NewFetcher(
	p provider.Provider,
	tracker *quota.Tracker,
	registry *rates.Registry,
	substitutions *rates.SubstitutionTable,
	defaultCurrency string,
) *Fetcher {
	return &Fetcher{
		provider:        p,
		tracker:         tracker,
		registry:        registry,
		substitutions:   substitutions,
		defaultCurrency: defaultCurrency,
	}
}

// Fetch prices token in fiat, consulting the substitution table first: a
// fiat governed by a rule goes through the substituted path, everything
// else is fetched directly.
func (f *Fetcher) Fetch(ctx context.Context, token, fiat string) (*models.Quote, error) {
	if _, ok := f.substitutions.Rule(fiat); ok {
		return f.FetchSubstituted(ctx, token, fiat)
	}
	return f.FetchDirect(ctx, token, fiat)
}

// FetchDirect fetches token priced in a provider-supported fiat. One quota
// reservation, then exactly one upstream call; a failed call refunds the
// reservation so only calls the provider actually served count against the
// month.
func (f *Fetcher) FetchDirect(ctx context.Context, token, fiat string) (*models.Quote, error) {
	assetID, ok := f.registry.Resolve(ctx, token)
	if !ok {
		return nil, fmt.Errorf("%w: unknown asset %s", provider.ErrUpstream, token)
	}

	currencyID, ok := f.registry.Resolve(ctx, fiat)
	if !ok {
		// The provider cannot price this fiat; fall back to the default
		// reference currency
		logger.Debug("fiat unresolved, using default reference currency",
			zap.String("fiat", fiat),
			zap.String("default", f.defaultCurrency),
		)
		currencyID, ok = f.registry.Resolve(ctx, f.defaultCurrency)
		if !ok {
			return nil, fmt.Errorf("%w: default reference currency %s unresolved",
				provider.ErrUpstream, f.defaultCurrency)
		}
	}

	if err := f.tracker.Reserve(ctx); err != nil {
		return nil, err
	}

	quote, err := f.provider.GetPrice(ctx, assetID, currencyID)
	if err != nil {
		if releaseErr := f.tracker.Release(ctx); releaseErr != nil {
			logger.Warn("failed to refund quota after upstream failure",
				zap.Error(releaseErr),
			)
		}
		return nil, err
	}

	return quote, nil
}

// FetchSubstituted prices token in a fiat covered by a substitution rule:
// fetch the base fiat directly, scale by the rule multiplier, inherit the
// base quote's timestamp. Shares the direct path's failure modes.
func (f *Fetcher) FetchSubstituted(ctx context.Context, token, fiat string) (*models.Quote, error) {
	rule, ok := f.substitutions.Rule(fiat)
	if !ok {
		return nil, fmt.Errorf("no substitution rule for %s", fiat)
	}

	base, err := f.FetchDirect(ctx, token, rule.BaseFiat)
	if err != nil {
		return nil, err
	}

	quote, err := f.substitutions.Synthesize(base, rule)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrUpstream, err)
	}

	logger.Debug("synthesized substituted quote",
		zap.String("token", token),
		zap.String("fiat", fiat),
		zap.String("base_fiat", rule.BaseFiat),
		zap.String("price", quote.Price),
	)
	return quote, nil
}
