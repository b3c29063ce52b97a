// Package price converts raw token amounts to USD. Prices are operator
// supplied; amountUsd is fixed when a deposit is recorded.
package price

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vietddude/trenches/internal/core/domain"
)

// Feed is the price collaborator.
type Feed interface {
	USDValue(ctx context.Context, chain domain.ChainID, asset string, raw decimal.Decimal) (decimal.Decimal, error)
}

// Token is a priced token of one chain.
type Token struct {
	Chain    domain.ChainID
	Symbol   string
	Decimals int32
	PriceUSD decimal.Decimal
}

// StaticFeed serves fixed prices.
type StaticFeed struct {
	tokens map[string]Token
}

// NewStaticFeed indexes tokens by (chain, symbol).
func NewStaticFeed(tokens []Token) *StaticFeed {
	m := make(map[string]Token, len(tokens))
	for _, t := range tokens {
		m[key(t.Chain, t.Symbol)] = t
	}
	return &StaticFeed{tokens: m}
}

func key(chain domain.ChainID, symbol string) string {
	return string(chain) + "/" + symbol
}

// USDValue returns raw / 10^decimals * price, rounded to 8 places.
func (f *StaticFeed) USDValue(
	ctx context.Context,
	chain domain.ChainID,
	asset string,
	raw decimal.Decimal,
) (decimal.Decimal, error) {
	t, ok := f.tokens[key(chain, asset)]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for %s on %s", asset, chain)
	}
	return raw.Shift(-t.Decimals).Mul(t.PriceUSD).Round(8), nil
}

// Units converts a human amount (e.g. 1.5 USDC) to raw units.
func (f *StaticFeed) Units(chain domain.ChainID, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	t, ok := f.tokens[key(chain, asset)]
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown token %s on %s", asset, chain)
	}
	return amount.Shift(t.Decimals).Truncate(0), nil
}
