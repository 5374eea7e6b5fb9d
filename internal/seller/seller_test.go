package seller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-trading/quarry/internal/bus"
	"github.com/quarry-trading/quarry/internal/retry"
	"github.com/quarry-trading/quarry/internal/solana"
	"github.com/quarry-trading/quarry/internal/store"
	"github.com/quarry-trading/quarry/internal/swap"
)

const (
	testBase = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
	testLP   = "58oQChx4yWmvKdwLLZzBi4ChoCc2fqCUWBkwMihLYQo2"
)

// fixedPriceSource always returns the same price.
type fixedPriceSource struct {
	price  decimal.Decimal
	err    error
	panics bool
}

func (s *fixedPriceSource) Price(context.Context, store.Position) (decimal.Decimal, error) {
	if s.panics {
		panic("price source exploded")
	}
	return s.price, s.err
}

// flakyDeleteStore fails a configured number of Delete calls before behaving
// normally again.
type flakyDeleteStore struct {
	*store.MemoryStore
	mu       sync.Mutex
	failures int
}

func (s *flakyDeleteStore) Delete(ctx context.Context, baseMint solana.Pubkey) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("connection refused")
	}
	s.mu.Unlock()
	return s.MemoryStore.Delete(ctx, baseMint)
}

type testHarness struct {
	mgr      *Manager
	rpc      *solana.StubRPCClient
	store    store.Store
	producer *bus.StubProducer
	prices   *fixedPriceSource
}

func newTestManager(t *testing.T, tpPct, slPct float64) *testHarness {
	t.Helper()
	return newTestManagerWithStore(t, tpPct, slPct, store.NewMemoryStore())
}

func newTestManagerWithStore(t *testing.T, tpPct, slPct float64, st store.Store) *testHarness {
	t.Helper()

	rpc := solana.NewStubRPCClient()
	producer := bus.NewStubProducer()
	prices := &fixedPriceSource{price: decimal.NewFromInt(1)}

	cfg := Config{
		TakeProfitPct: decimal.NewFromFloat(tpPct),
		StopLossPct:   decimal.NewFromFloat(slPct),
		SlippageBps:   200,
		ComputeUnits:  200_000,
		Payer:         "11111111111111111111111111111111",
		Retry:         retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	}
	mgr := New(cfg, st, producer, rpc,
		prices, prices,
		swap.NewLiveClient(rpc), swap.NewSimulatedClient("SELL", 1.0, 0),
		"test-1")

	return &testHarness{mgr: mgr, rpc: rpc, store: st, producer: producer, prices: prices}
}

func openPosition(t *testing.T, h *testHarness, buyPrice float64, dryRun bool) store.Position {
	t.Helper()
	pos := store.Position{
		BaseMint:      solana.Pubkey(testBase),
		LPAddress:     solana.Pubkey(testLP),
		QuoteMint:     solana.SOLMint,
		DEX:           "raydium",
		AmountInQuote: decimal.NewFromFloat(0.1),
		TokenAmount:   decimal.NewFromInt(100),
		BuyPrice:      decimal.NewFromFloat(buyPrice),
		BuyTimestamp:  time.Now(),
		BuySignature:  "buy-sig",
		IsDryRun:      dryRun,
	}
	require.NoError(t, h.store.Create(context.Background(), pos))
	require.NoError(t, h.mgr.LoadPositions(context.Background()))
	return pos
}

// tick runs one evaluation cycle and waits for the spawned sells to finish.
func tick(t *testing.T, h *testHarness) {
	t.Helper()
	require.NoError(t, h.mgr.Tick(context.Background()))
	h.mgr.Wait()
}

func TestSeller_TakeProfitTriggersAtThreshold(t *testing.T) {
	// Buy at 1.0 with TP 50%: a rise to 1.6 (+60%) must close the position.
	h := newTestManager(t, 50, 50)
	openPosition(t, h, 1.0, false)
	h.prices.price = decimal.NewFromFloat(1.6)

	tick(t, h)

	msgs := h.producer.MessagesOn(bus.TopicPositionClosed)
	require.Len(t, msgs, 1)
	ev, err := bus.DecodePositionClosed(msgs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, ReasonTakeProfit, ev.Reason)
	// P/L: (1.6 - 1.0) * 100 tokens = 60 quote units, +60%.
	assert.True(t, ev.ProfitLossQuote.Equal(decimal.NewFromInt(60)), "got %s", ev.ProfitLossQuote)
	assert.True(t, ev.ProfitLossPercent.Equal(decimal.NewFromInt(60)), "got %s", ev.ProfitLossPercent)

	_, err = h.store.Get(context.Background(), solana.Pubkey(testBase))
	assert.ErrorIs(t, err, store.ErrNotFound, "close must delete the record")
}

func TestSeller_ExactThresholdTriggers(t *testing.T) {
	h := newTestManager(t, 50, 50)
	openPosition(t, h, 1.0, false)
	h.prices.price = decimal.NewFromFloat(1.5) // exactly +50%

	tick(t, h)

	assert.Len(t, h.producer.MessagesOn(bus.TopicPositionClosed), 1)
}

func TestSeller_HoldsBetweenThresholds(t *testing.T) {
	h := newTestManager(t, 50, 50)
	openPosition(t, h, 1.0, false)
	h.prices.price = decimal.NewFromFloat(1.4) // +40%, below TP

	tick(t, h)

	assert.Empty(t, h.producer.MessagesOn(bus.TopicPositionClosed))
	assert.Len(t, h.mgr.OpenPositions(), 1)
}

func TestSeller_StopLossTriggers(t *testing.T) {
	h := newTestManager(t, 100, 50)
	openPosition(t, h, 1.0, false)
	h.prices.price = decimal.NewFromFloat(0.4) // -60%, beyond SL 50

	tick(t, h)

	msgs := h.producer.MessagesOn(bus.TopicPositionClosed)
	require.Len(t, msgs, 1)
	ev, err := bus.DecodePositionClosed(msgs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, ReasonStopLoss, ev.Reason)
	assert.True(t, ev.ProfitLossQuote.IsNegative())
}

func TestSeller_PriceFailureSkipsCycle(t *testing.T) {
	h := newTestManager(t, 50, 50)
	openPosition(t, h, 1.0, false)
	h.prices.err = assert.AnError

	tick(t, h)

	// Position survives and stays tracked for the next tick.
	assert.Len(t, h.mgr.OpenPositions(), 1)
	assert.Equal(t, int64(1), h.mgr.Stats().PriceErrors)
}

func TestSeller_SellFailureRevertsToOpen(t *testing.T) {
	h := newTestManager(t, 50, 50)
	openPosition(t, h, 1.0, false)
	h.prices.price = decimal.NewFromFloat(2.0)
	h.rpc.SetConfirmError("InstructionError: slippage")

	tick(t, h)

	// Sell failed: record intact, position back to open.
	_, err := h.store.Get(context.Background(), solana.Pubkey(testBase))
	assert.NoError(t, err)
	assert.Empty(t, h.producer.MessagesOn(bus.TopicPositionClosed))
	assert.Equal(t, int64(1), h.mgr.Stats().SellsFailed)

	// Next tick retries and succeeds.
	h.rpc.SetConfirmError("")
	tick(t, h)
	assert.Len(t, h.producer.MessagesOn(bus.TopicPositionClosed), 1)
}

func TestSeller_DryRunPositionUsesSimulatedPath(t *testing.T) {
	h := newTestManager(t, 50, 50)
	openPosition(t, h, 1.0, true)
	h.prices.price = decimal.NewFromFloat(2.0)

	tick(t, h)

	// No real submission; the synthetic signature marks the sell side.
	assert.Empty(t, h.rpc.SentTransactions())
	msgs := h.producer.MessagesOn(bus.TopicPositionClosed)
	require.Len(t, msgs, 1)
	ev, err := bus.DecodePositionClosed(msgs[0].Value)
	require.NoError(t, err)
	assert.True(t, ev.IsDryRun)
	assert.True(t, strings.HasPrefix(ev.SellSignature, "DRYRUN-SELL-"), "got %s", ev.SellSignature)
}

func TestSeller_RestartRecoversPositions(t *testing.T) {
	h := newTestManager(t, 50, 50)
	ctx := context.Background()

	// Two positions persisted by a previous process, one dry-run.
	first := store.Position{
		BaseMint: solana.Pubkey(testBase), LPAddress: solana.Pubkey(testLP),
		QuoteMint: solana.SOLMint, TokenAmount: decimal.NewFromInt(100),
		AmountInQuote: decimal.NewFromFloat(0.1), BuyPrice: decimal.NewFromFloat(0.5),
		BuyTimestamp: time.Now().Add(-time.Hour), BuySignature: "old-sig",
	}
	second := first
	second.BaseMint = "JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN"
	second.IsDryRun = true
	second.BuyPrice = decimal.NewFromFloat(2)
	require.NoError(t, h.store.Create(ctx, first))
	require.NoError(t, h.store.Create(ctx, second))

	require.NoError(t, h.mgr.LoadPositions(ctx))

	recovered := h.mgr.OpenPositions()
	require.Len(t, recovered, 2)
	for _, pos := range recovered {
		if pos.BaseMint == first.BaseMint {
			assert.True(t, pos.BuyPrice.Equal(first.BuyPrice), "buy price must survive restart")
			assert.False(t, pos.IsDryRun)
		} else {
			assert.True(t, pos.BuyPrice.Equal(second.BuyPrice))
			assert.True(t, pos.IsDryRun, "dry-run flag must survive restart")
		}
	}
}

func TestSeller_DuplicateOpenedEventIsNoOp(t *testing.T) {
	h := newTestManager(t, 50, 50)
	ctx := context.Background()

	opened := bus.PositionOpened{
		BaseEvent:     bus.NewBaseEvent("test-buyer"),
		BaseMint:      solana.Pubkey(testBase),
		QuoteMint:     solana.SOLMint,
		LPAddress:     solana.Pubkey(testLP),
		AmountInQuote: decimal.NewFromFloat(0.1),
		TokenAmount:   decimal.NewFromInt(100),
		BuyPrice:      decimal.NewFromInt(1),
		BuySignature:  "sig",
	}

	payload := encode(t, opened)
	require.NoError(t, h.mgr.HandleMessage(ctx, bus.Message{Topic: bus.TopicPositionOpened, Value: payload}))
	require.NoError(t, h.mgr.HandleMessage(ctx, bus.Message{Topic: bus.TopicPositionOpened, Value: payload}))

	assert.Len(t, h.mgr.OpenPositions(), 1)
}

func TestSeller_IdempotentClose(t *testing.T) {
	h := newTestManager(t, 50, 50)
	openPosition(t, h, 1.0, false)
	h.prices.price = decimal.NewFromFloat(2.0)

	// The record vanishes before the sell lands (concurrent close).
	require.NoError(t, h.store.Delete(context.Background(), solana.Pubkey(testBase)))

	tick(t, h)

	// Delete-on-close of a missing record is a no-op; the close still stands.
	msgs := h.producer.MessagesOn(bus.TopicPositionClosed)
	assert.Len(t, msgs, 1)
	assert.Empty(t, h.mgr.OpenPositions())
}

func TestSeller_CloseStandsWhenRecordDeleteKeepsFailing(t *testing.T) {
	st := &flakyDeleteStore{MemoryStore: store.NewMemoryStore(), failures: 100}
	h := newTestManagerWithStore(t, 50, 50, st)
	openPosition(t, h, 1.0, false)
	h.prices.price = decimal.NewFromFloat(2.0)

	tick(t, h)

	// The sell confirmed, so the close stands: one submission, one event,
	// position gone from the working set even though the record survived.
	assert.Len(t, h.rpc.SentTransactions(), 1)
	assert.Len(t, h.producer.MessagesOn(bus.TopicPositionClosed), 1)
	assert.Empty(t, h.mgr.OpenPositions())

	_, err := st.Get(context.Background(), solana.Pubkey(testBase))
	assert.NoError(t, err, "stale record left for startup reconciliation")

	// The next tick must never build a second sell for tokens already sold.
	tick(t, h)
	assert.Len(t, h.rpc.SentTransactions(), 1)
	assert.Len(t, h.producer.MessagesOn(bus.TopicPositionClosed), 1)
}

func TestSeller_TransientDeleteFailureRetriedWithinClose(t *testing.T) {
	st := &flakyDeleteStore{MemoryStore: store.NewMemoryStore(), failures: 1}
	h := newTestManagerWithStore(t, 50, 50, st)
	openPosition(t, h, 1.0, false)
	h.prices.price = decimal.NewFromFloat(2.0)

	tick(t, h)

	// The retry inside the close removed the record despite the first failure.
	_, err := st.Get(context.Background(), solana.Pubkey(testBase))
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Len(t, h.rpc.SentTransactions(), 1)
	assert.Len(t, h.producer.MessagesOn(bus.TopicPositionClosed), 1)
}

func TestSeller_PriceSourcePanicDoesNotCrashStage(t *testing.T) {
	h := newTestManager(t, 50, 50)
	openPosition(t, h, 1.0, false)
	h.prices.panics = true

	tick(t, h)

	// The panic was contained and the position is still tracked.
	assert.Len(t, h.mgr.OpenPositions(), 1)

	// A healthy price source on the next tick closes it normally.
	h.prices.panics = false
	h.prices.price = decimal.NewFromFloat(2.0)
	tick(t, h)
	assert.Len(t, h.producer.MessagesOn(bus.TopicPositionClosed), 1)
}

func encode(t *testing.T, v any) []byte {
	t.Helper()
	producer := bus.NewStubProducer()
	require.NoError(t, producer.PublishJSON(context.Background(), "t", "k", v))
	return producer.Messages()[0].Value
}
