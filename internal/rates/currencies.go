package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stablepay-ng/quotegate/internal/adapters/provider"
	"github.com/stablepay-ng/quotegate/pkg/logger"
	"github.com/stablepay-ng/quotegate/pkg/models"
)

// referenceKey holds the durable snapshot of the symbol map
const referenceKey = "currencies:reference"

// Store persists the reference snapshot between restarts
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Registry resolves fiat and asset symbols to the provider's opaque
// identifiers. Read-mostly after warmup; unknown symbols trigger one lazy
// re-list and the map only ever grows.
type Registry struct {
	provider provider.Provider
	store    Store
	ttl      time.Duration

	mu      sync.RWMutex
	symbols map[string]string
}

// NewRegistry creates an empty registry backed by the given snapshot store
func NewRegistry(p provider.Provider, store Store, ttl time.Duration) *Registry {
	return &Registry{
		provider: p,
		store:    store,
		ttl:      ttl,
		symbols:  make(map[string]string),
	}
}

// Warmup populates the registry from the provider and persists a snapshot.
// When the provider is unavailable it restores the last snapshot instead.
// Returns an error only when both sources fail; the registry stays usable
// (empty) and lazy resolution fills it later.
func (r *Registry) Warmup(ctx context.Context) error {
	currencies, err := r.provider.GetCurrencies(ctx)
	if err == nil {
		r.merge(currencies)
		r.snapshot(ctx)
		logger.Info("currency reference warmed up from provider",
			zap.String("provider", r.provider.GetName()),
			zap.Int("symbols", r.Len()),
		)
		return nil
	}

	logger.Warn("currency list unavailable, restoring last snapshot", zap.Error(err))

	if restoreErr := r.restore(ctx); restoreErr != nil {
		return fmt.Errorf("currency reference warmup failed: %w", err)
	}

	logger.Info("currency reference restored from snapshot",
		zap.Int("symbols", r.Len()),
	)
	return nil
}

// Resolve returns the provider identifier for a symbol. On a registry miss it
// re-lists currencies from the provider once, since a symbol unknown at warmup
// may have appeared upstream since.
func (r *Registry) Resolve(ctx context.Context, symbol string) (string, bool) {
	sym := strings.ToUpper(symbol)

	r.mu.RLock()
	id, ok := r.symbols[sym]
	r.mu.RUnlock()
	if ok {
		return id, true
	}

	currencies, err := r.provider.GetCurrencies(ctx)
	if err != nil {
		logger.Debug("lazy currency resolution failed",
			zap.String("symbol", sym),
			zap.Error(err),
		)
		return "", false
	}
	r.merge(currencies)
	r.snapshot(ctx)

	r.mu.RLock()
	id, ok = r.symbols[sym]
	r.mu.RUnlock()
	return id, ok
}

// Len reports the number of known symbols
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.symbols)
}

func (r *Registry) merge(currencies []models.Currency) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range currencies {
		sym := strings.ToUpper(c.Symbol)
		if sym == "" || c.ID == "" {
			continue
		}
		r.symbols[sym] = c.ID
	}
}

func (r *Registry) dump() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.symbols))
	for sym, id := range r.symbols {
		out[sym] = id
	}
	return out
}

// snapshot persists the current map; best effort, a miss only costs the next
// cold start a provider call
func (r *Registry) snapshot(ctx context.Context) {
	data, err := json.Marshal(r.dump())
	if err != nil {
		logger.Warn("failed to marshal reference snapshot", zap.Error(err))
		return
	}

	if err := r.store.Set(ctx, referenceKey, string(data), r.ttl); err != nil {
		logger.Warn("failed to persist reference snapshot", zap.Error(err))
	}
}

func (r *Registry) restore(ctx context.Context) error {
	raw, err := r.store.Get(ctx, referenceKey)
	if err != nil {
		return fmt.Errorf("failed to read reference snapshot: %w", err)
	}

	var symbols map[string]string
	if err := json.Unmarshal([]byte(raw), &symbols); err != nil {
		return fmt.Errorf("failed to unmarshal reference snapshot: %w", err)
	}

	r.mu.Lock()
	for sym, id := range symbols {
		r.symbols[sym] = id
	}
	r.mu.Unlock()
	return nil
}
