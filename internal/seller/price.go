package seller

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quarry-trading/quarry/internal/solana"
	"github.com/quarry-trading/quarry/internal/store"
)

// ---------------------------------------------------------------------------
// Price sources
// ---------------------------------------------------------------------------

// PriceSource yields the current price for a held position. Live positions
// read the pool; dry-run positions read a simulated curve. The strategy is
// replaceable without touching exit logic.
type PriceSource interface {
	Price(ctx context.Context, pos store.Position) (decimal.Decimal, error)
}

// LivePriceSource reads the pool price through the RPC client.
type LivePriceSource struct {
	rpc solana.RPCClient
}

// NewLivePriceSource creates a pool-backed price source.
func NewLivePriceSource(rpc solana.RPCClient) *LivePriceSource {
	return &LivePriceSource{rpc: rpc}
}

func (s *LivePriceSource) Price(ctx context.Context, pos store.Position) (decimal.Decimal, error) {
	quote, err := s.rpc.GetPoolPrice(ctx, pos.BaseMint, pos.LPAddress)
	if err != nil {
		return decimal.Zero, err
	}
	return quote.Price, nil
}

// ---------------------------------------------------------------------------
// Simulated curve
// ---------------------------------------------------------------------------

// priceBand is a multiplier range around the buy price.
type priceBand struct {
	maxAge time.Duration
	low    float64
	high   float64
}

// SimulatedPriceSource produces a random walk around the buy price for
// dry-run positions. Band width grows with position age so both take-profit
// and stop-loss paths get exercised: young positions stay close to entry,
// older ones range wide enough to cross either trigger.
type SimulatedPriceSource struct {
	bands []priceBand
	tail  priceBand

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedPriceSource creates a simulated source. volatilityPct sets the
// base band half-width as a percentage of the buy price.
func NewSimulatedPriceSource(volatilityPct float64) *SimulatedPriceSource {
	v := volatilityPct / 100
	return &SimulatedPriceSource{
		bands: []priceBand{
			{maxAge: 2 * time.Minute, low: 1 - v, high: 1 + 2*v},
			{maxAge: 10 * time.Minute, low: 1 - 2*v, high: 1 + 4*v},
		},
		tail: priceBand{low: 1 - 3*v, high: 1 + 6*v},
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *SimulatedPriceSource) Price(_ context.Context, pos store.Position) (decimal.Decimal, error) {
	band := s.tail
	age := time.Since(pos.BuyTimestamp)
	for _, b := range s.bands {
		if age < b.maxAge {
			band = b
			break
		}
	}

	s.mu.Lock()
	factor := band.low + s.rng.Float64()*(band.high-band.low)
	s.mu.Unlock()

	// A token can go to near zero, never negative.
	if factor < 0.01 {
		factor = 0.01
	}
	return pos.BuyPrice.Mul(decimal.NewFromFloat(factor)), nil
}
