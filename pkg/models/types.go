package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side distinguishes buy and sell quotes for providers that price bid/ask separately
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide validates a side value; the empty string means "no side"
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(s)) {
	case "":
		return "", nil
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	default:
		return "", fmt.Errorf("invalid side %q (want buy or sell)", s)
	}
}

// QuoteKey identifies a quote: token priced in fiat, optionally per side.
// Identity is the full tuple.
type QuoteKey struct {
	Token string `json:"token"`
	Fiat  string `json:"fiat"`
	Side  Side   `json:"side,omitempty"`
}

// CacheKey renders the store key for this pair,
// e.g. "quote:USDC:NGN" or "quote:USDC:NGN:buy"
func (k QuoteKey) CacheKey() string {
	key := fmt.Sprintf("quote:%s:%s", strings.ToUpper(k.Token), strings.ToUpper(k.Fiat))
	if k.Side != "" {
		key += ":" + string(k.Side)
	}
	return key
}

// String returns a human-readable pair label for logs
func (k QuoteKey) String() string {
	if k.Side != "" {
		return fmt.Sprintf("%s/%s:%s", k.Token, k.Fiat, k.Side)
	}
	return fmt.Sprintf("%s/%s", k.Token, k.Fiat)
}

// Quote is a priced value for a token in a fiat currency at a point in time.
// Price stays a decimal string end to end so no float rounding leaks into
// responses. A new fetch produces a new Quote that replaces the old one.
type Quote struct {
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp"`
}

// Age returns how old the quote is relative to now
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(q.Timestamp, 0))
}

// PriceDecimal parses the price string for arithmetic
func (q Quote) PriceDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(q.Price)
}

// Currency maps a fiat or asset symbol to the provider's opaque identifier
type Currency struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
}

// SubstitutionRule derives an unsupported fiat's price from a supported base
// fiat via a static multiplier
type SubstitutionRule struct {
	BaseFiat   string          `json:"base_fiat"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

// QuotaStatus reports upstream call usage for the current billing period
type QuotaStatus struct {
	Used        int64   `json:"used"`
	Remaining   int64   `json:"remaining"`
	Limit       int64   `json:"limit"`
	PercentUsed float64 `json:"percentage_used"`
}

// NewQuotaStatus derives remaining and percentage from raw counter values
func NewQuotaStatus(used, limit int64) QuotaStatus {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	var pct float64
	if limit > 0 {
		pct, _ = decimal.NewFromInt(used).
			Div(decimal.NewFromInt(limit)).
			Mul(decimal.NewFromInt(100)).
			Round(2).
			Float64()
	}
	return QuotaStatus{
		Used:        used,
		Remaining:   remaining,
		Limit:       limit,
		PercentUsed: pct,
	}
}
