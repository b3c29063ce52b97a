package price

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/vietddude/trenches/internal/core/domain"
)

func TestStaticFeed_USDValue(t *testing.T) {
	feed := NewStaticFeed([]Token{
		{Chain: domain.ChainEthereum, Symbol: "USDC", Decimals: 6, PriceUSD: decimal.NewFromInt(1)},
		{Chain: domain.ChainSolana, Symbol: "BONK", Decimals: 5, PriceUSD: decimal.RequireFromString("0.005")},
	})
	ctx := context.Background()

	usd, err := feed.USDValue(ctx, domain.ChainEthereum, "USDC", decimal.NewFromInt(5_000_000))
	if err != nil {
		t.Fatalf("USDValue failed: %v", err)
	}
	if !usd.Equal(decimal.NewFromInt(5)) {
		t.Errorf("Expected 5 USD, got %s", usd)
	}

	usd, err = feed.USDValue(ctx, domain.ChainSolana, "BONK", decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("USDValue failed: %v", err)
	}
	if !usd.Equal(decimal.RequireFromString("0.00005")) {
		t.Errorf("Expected 0.00005 USD, got %s", usd)
	}

	if _, err := feed.USDValue(ctx, domain.ChainBase, "USDC", decimal.NewFromInt(1)); err == nil {
		t.Error("Expected error for unpriced token")
	}

	units, err := feed.Units(domain.ChainEthereum, "USDC", decimal.RequireFromString("1.5"))
	if err != nil || !units.Equal(decimal.NewFromInt(1_500_000)) {
		t.Errorf("Expected 1500000 units, got %s (%v)", units, err)
	}
}
