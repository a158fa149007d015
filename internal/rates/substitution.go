package rates

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/stablepay-ng/quotegate/pkg/models"
)

// SubstitutionTable holds the fiat substitution policy: a fiat the provider
// does not support directly is priced off a base fiat times a fixed
// multiplier. Rules come from configuration, never from code.
type SubstitutionTable struct {
	rules map[string]models.SubstitutionRule
}

// NewSubstitutionTable creates a table from parsed configuration rules,
// keyed by upper-case fiat symbol
func NewSubstitutionTable(rules map[string]models.SubstitutionRule) *SubstitutionTable {
	if rules == nil {
		rules = make(map[string]models.SubstitutionRule)
	}
	return &SubstitutionTable{rules: rules}
}

// Rule returns the substitution rule governing a fiat, if any
func (t *SubstitutionTable) Rule(fiat string) (models.SubstitutionRule, bool) {
	rule, ok := t.rules[strings.ToUpper(fiat)]
	return rule, ok
}

// Len reports the number of configured rules
func (t *SubstitutionTable) Len() int {
	return len(t.rules)
}

// Synthesize derives the substituted fiat's quote from its base quote: price
// scaled by the rule multiplier with decimal math, timestamp inherited
// unchanged from the base fetch.
func (t *SubstitutionTable) Synthesize(base *models.Quote, rule models.SubstitutionRule) (*models.Quote, error) {
	basePrice, err := decimal.NewFromString(base.Price)
	if err != nil {
		return nil, fmt.Errorf("malformed base price %q: %w", base.Price, err)
	}

	return &models.Quote{
		Price:     basePrice.Mul(rule.Multiplier).String(),
		Timestamp: base.Timestamp,
	}, nil
}
