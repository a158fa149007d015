package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stablepay-ng/quotegate/internal/adapters/config"
	"github.com/stablepay-ng/quotegate/pkg/models"
)

// Client talks to the upstream quote provider over HTTP. Asset and
// reference-currency identifiers are opaque strings resolved through the
// provider's own currency list.
type Client struct {
	baseURL string
	apiKey  string
	name    string
	client  *http.Client
}

// NewClient creates an upstream provider client
func NewClient(cfg *config.ProviderConfig) *Client {
	name := "upstream"
	if u, err := url.Parse(cfg.BaseURL); err == nil && u.Host != "" {
		name = u.Host
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		name:    name,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *Client) GetName() string {
	return c.name
}

// GetCurrencies returns the provider's reference currency list
func (c *Client) GetCurrencies(ctx context.Context) ([]models.Currency, error) {
	reqURL := c.baseURL + "/reference-currencies"

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: API error %d: %s", ErrUpstream, resp.StatusCode, string(body))
	}

	var result struct {
		Data struct {
			Currencies []models.Currency `json:"currencies"`
		} `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", ErrUpstream, err)
	}

	if len(result.Data.Currencies) == 0 {
		return nil, fmt.Errorf("%w: empty reference currency list", ErrUpstream)
	}

	return result.Data.Currencies, nil
}

// GetPrice returns the current price of one asset in one reference currency.
// Exactly one upstream call per invocation; quota accounting is the caller's
// concern.
func (c *Client) GetPrice(ctx context.Context, assetID, currencyID string) (*models.Quote, error) {
	reqURL := fmt.Sprintf("%s/assets/%s/price?referenceCurrencyId=%s",
		c.baseURL, url.PathEscape(assetID), url.QueryEscape(currencyID))

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: API error %d: %s", ErrUpstream, resp.StatusCode, string(body))
	}

	var result struct {
		Data struct {
			Price     string `json:"price"`
			Timestamp int64  `json:"timestamp"`
		} `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", ErrUpstream, err)
	}

	if _, err := decimal.NewFromString(result.Data.Price); err != nil {
		return nil, fmt.Errorf("%w: malformed price %q for asset %s", ErrUpstream, result.Data.Price, assetID)
	}

	quote := &models.Quote{
		Price:     result.Data.Price,
		Timestamp: result.Data.Timestamp,
	}
	if quote.Timestamp <= 0 {
		// Some provider plans omit the timestamp; stamp with fetch time
		quote.Timestamp = time.Now().Unix()
	}

	return quote, nil
}
