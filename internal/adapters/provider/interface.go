package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/stablepay-ng/quotegate/pkg/models"
)

// ErrUpstream marks a failed provider call: unreachable, non-200 response,
// or malformed payload. Callers branch on it with errors.Is.
var ErrUpstream = errors.New("upstream provider error")

// Provider provides asset prices from the upstream quote API
type Provider interface {
	// GetCurrencies returns the reference currencies the provider supports
	GetCurrencies(ctx context.Context) ([]models.Currency, error)

	// GetPrice returns the current price of an asset in a reference
	// currency, both addressed by provider identifiers
	GetPrice(ctx context.Context, assetID, currencyID string) (*models.Quote, error)

	// GetName returns provider name
	GetName() string
}

// MockProvider implements Provider for testing. Pairs are seeded with
// SetPrice; unseeded pairs fail with ErrUpstream, which gives tests
// per-pair failure control.
type MockProvider struct {
	mu              sync.Mutex
	currencies      []models.Currency
	prices          map[string]*models.Quote
	priceErr        error
	currenciesErr   error
	priceCalls      int
	currenciesCalls int

	// PriceFunc overrides the seeded price table when set
	PriceFunc func(assetID, currencyID string) (*models.Quote, error)
}

// NewMockProvider creates a mock provider with a small default currency set
func NewMockProvider() *MockProvider {
	return &MockProvider{
		currencies: []models.Currency{
			{ID: "ref-usd", Symbol: "USD"},
			{ID: "ref-eur", Symbol: "EUR"},
			{ID: "ref-usdc", Symbol: "USDC"},
			{ID: "ref-usdt", Symbol: "USDT"},
		},
		prices: make(map[string]*models.Quote),
	}
}

func (m *MockProvider) GetName() string {
	return "mock"
}

func (m *MockProvider) GetCurrencies(ctx context.Context) ([]models.Currency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.currenciesCalls++
	if m.currenciesErr != nil {
		return nil, m.currenciesErr
	}
	out := make([]models.Currency, len(m.currencies))
	copy(out, m.currencies)
	return out, nil
}

func (m *MockProvider) GetPrice(ctx context.Context, assetID, currencyID string) (*models.Quote, error) {
	m.mu.Lock()
	m.priceCalls++
	priceErr := m.priceErr
	priceFunc := m.PriceFunc
	quote, ok := m.prices[assetID+"/"+currencyID]
	m.mu.Unlock()

	if priceErr != nil {
		return nil, priceErr
	}
	if priceFunc != nil {
		return priceFunc(assetID, currencyID)
	}
	if !ok {
		return nil, fmt.Errorf("%w: no price for %s/%s", ErrUpstream, assetID, currencyID)
	}
	q := *quote
	return &q, nil
}

// SetCurrencies replaces the reference currency list
func (m *MockProvider) SetCurrencies(currencies ...models.Currency) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currencies = currencies
}

// SetPrice seeds the quote returned for an asset/currency pair
func (m *MockProvider) SetPrice(assetID, currencyID string, quote *models.Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[assetID+"/"+currencyID] = quote
}

// FailPrices makes every GetPrice call return err; nil restores normal behavior
func (m *MockProvider) FailPrices(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priceErr = err
}

// FailCurrencies makes every GetCurrencies call return err
func (m *MockProvider) FailCurrencies(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currenciesErr = err
}

// PriceCalls reports how many GetPrice calls were made
func (m *MockProvider) PriceCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.priceCalls
}

// CurrenciesCalls reports how many GetCurrencies calls were made
func (m *MockProvider) CurrenciesCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currenciesCalls
}
