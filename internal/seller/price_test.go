package seller

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-trading/quarry/internal/solana"
	"github.com/quarry-trading/quarry/internal/store"
)

func TestSimulatedPriceSource_StaysWithinYoungBand(t *testing.T) {
	src := NewSimulatedPriceSource(15)
	pos := store.Position{
		BaseMint:     solana.Pubkey(testBase),
		BuyPrice:     decimal.NewFromInt(100),
		BuyTimestamp: time.Now(),
		IsDryRun:     true,
	}

	// Young positions range in [1-v, 1+2v] of the buy price.
	low := decimal.NewFromInt(85)
	high := decimal.NewFromInt(130)
	for i := 0; i < 50; i++ {
		price, err := src.Price(context.Background(), pos)
		require.NoError(t, err)
		assert.True(t, price.GreaterThanOrEqual(low), "price %s below band", price)
		assert.True(t, price.LessThanOrEqual(high), "price %s above band", price)
	}
}

func TestSimulatedPriceSource_WidensWithAge(t *testing.T) {
	src := NewSimulatedPriceSource(15)
	pos := store.Position{
		BaseMint:     solana.Pubkey(testBase),
		BuyPrice:     decimal.NewFromInt(100),
		BuyTimestamp: time.Now().Add(-time.Hour),
		IsDryRun:     true,
	}

	// Old positions use the tail band [1-3v, 1+6v].
	low := decimal.NewFromInt(55)
	high := decimal.NewFromInt(190)
	for i := 0; i < 50; i++ {
		price, err := src.Price(context.Background(), pos)
		require.NoError(t, err)
		assert.True(t, price.GreaterThanOrEqual(low))
		assert.True(t, price.LessThanOrEqual(high))
		assert.True(t, price.IsPositive())
	}
}

func TestLivePriceSource_ReadsPool(t *testing.T) {
	rpc := solana.NewStubRPCClient()
	rpc.SetPrice(solana.Pubkey(testBase), 0.5, 10)

	src := NewLivePriceSource(rpc)
	price, err := src.Price(context.Background(), store.Position{
		BaseMint:  solana.Pubkey(testBase),
		LPAddress: solana.Pubkey(testLP),
	})
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromFloat(0.5)))
}
