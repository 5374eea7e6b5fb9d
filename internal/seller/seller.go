package seller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quarry-trading/quarry/internal/bus"
	"github.com/quarry-trading/quarry/internal/retry"
	"github.com/quarry-trading/quarry/internal/solana"
	"github.com/quarry-trading/quarry/internal/store"
	"github.com/quarry-trading/quarry/internal/swap"
)

// ---------------------------------------------------------------------------
// Sell Manager — watches open positions and exits on take-profit or stop-loss
// ---------------------------------------------------------------------------

// Exit reasons carried on PositionClosed events.
const (
	ReasonTakeProfit = "TAKE_PROFIT"
	ReasonStopLoss   = "STOP_LOSS"
)

// Config configures the sell manager.
type Config struct {
	// Exit thresholds as percent change from the buy price.
	TakeProfitPct decimal.Decimal
	StopLossPct   decimal.Decimal
	SlippageBps   int
	// Transaction assembly knobs, mirroring the buy side.
	PriorityFeeMicroLamports uint64
	ComputeUnits             uint32
	Payer                    solana.Pubkey
	// Submission retry discipline.
	Retry retry.Policy
}

// trackedPosition is a working-set entry. closing guards against a second
// sell starting while one is in flight for the same position.
type trackedPosition struct {
	pos     store.Position
	closing bool
}

// Manager holds the working set of open positions and sells them when a
// trigger fires. The store is the single source of truth; the working set is
// a cache rebuilt from it on startup. Execution for each position follows its
// recorded IsDryRun flag, not the process-wide mode.
type Manager struct {
	config   Config
	store    store.Store
	producer bus.Producer
	instance string

	livePrices PriceSource
	simPrices  PriceSource
	liveSwap   swap.Client
	simSwap    swap.Client
	rpc        solana.RPCClient

	mu        sync.Mutex
	positions map[solana.Pubkey]*trackedPosition

	wg sync.WaitGroup

	ticks       atomic.Int64
	closed      atomic.Int64
	sellsFailed atomic.Int64
	priceErrors atomic.Int64
}

// New creates a sell manager. Both execution paths are wired up front so a
// mixed working set (live and dry-run positions together) is handled per
// position.
func New(config Config, st store.Store, producer bus.Producer, rpc solana.RPCClient,
	livePrices, simPrices PriceSource, liveSwap, simSwap swap.Client, instance string) *Manager {
	if config.Retry.MaxAttempts == 0 {
		config.Retry = retry.DefaultPolicy()
	}
	return &Manager{
		config:     config,
		store:      st,
		producer:   producer,
		instance:   instance,
		livePrices: livePrices,
		simPrices:  simPrices,
		liveSwap:   liveSwap,
		simSwap:    simSwap,
		rpc:        rpc,
		positions:  make(map[solana.Pubkey]*trackedPosition),
	}
}

// LoadPositions rebuilds the working set from the store. Runs before the
// first poll tick so positions opened during downtime are monitored again
// with their original buy price and mode.
func (m *Manager) LoadPositions(ctx context.Context) error {
	positions, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}

	m.mu.Lock()
	for _, pos := range positions {
		m.positions[pos.BaseMint] = &trackedPosition{pos: pos}
	}
	count := len(m.positions)
	m.mu.Unlock()

	log.Info().Int("positions", count).Msg("seller: working set restored from store")
	return nil
}

// HandleMessage is the bus handler for the position-opened topic. A duplicate
// notification for a tracked position is a no-op.
func (m *Manager) HandleMessage(ctx context.Context, msg bus.Message) error {
	opened, err := bus.DecodePositionOpened(msg.Value)
	if err != nil {
		log.Warn().Err(err).Str("topic", msg.Topic).Msg("seller: dropping malformed payload")
		return nil
	}

	pos := store.Position{
		BaseMint:      opened.BaseMint,
		QuoteMint:     opened.QuoteMint,
		LPAddress:     opened.LPAddress,
		DEX:           opened.DEX,
		AmountInQuote: opened.AmountInQuote,
		TokenAmount:   opened.TokenAmount,
		BuyPrice:      opened.BuyPrice,
		BuyTimestamp:  opened.Timestamp,
		BuySignature:  opened.BuySignature,
		IsDryRun:      opened.IsDryRun,
	}

	m.mu.Lock()
	if _, tracked := m.positions[pos.BaseMint]; tracked {
		m.mu.Unlock()
		return nil
	}
	m.positions[pos.BaseMint] = &trackedPosition{pos: pos}
	m.mu.Unlock()

	log.Info().
		Str("base_mint", string(pos.BaseMint)).
		Str("buy_price", pos.BuyPrice.String()).
		Bool("dry_run", pos.IsDryRun).
		Msg("seller: tracking new position")
	return nil
}

// Tick evaluates every open position once. Evaluation runs concurrently per
// position so one slow price fetch or in-flight sell never delays the rest.
func (m *Manager) Tick(ctx context.Context) error {
	m.ticks.Add(1)

	m.mu.Lock()
	due := make([]store.Position, 0, len(m.positions))
	for _, t := range m.positions {
		if !t.closing {
			due = append(due, t.pos)
		}
	}
	m.mu.Unlock()

	for _, pos := range due {
		pos := pos
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer func() {
				// A panicking collaborator (price source, swap client) must
				// not take down the stage; the position stays tracked.
				if r := recover(); r != nil {
					m.unmarkClosing(pos.BaseMint)
					log.Error().Interface("panic", r).Str("base_mint", string(pos.BaseMint)).
						Msg("seller: evaluation panic recovered")
				}
			}()
			m.evaluate(ctx, pos)
		}()
	}
	return nil
}

// Wait blocks until in-flight evaluations and sells finish. Called during
// shutdown after the poll loop stops.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// evaluate fetches the price for one position and sells if a trigger fires.
// Price failures skip this cycle; the position stays tracked.
func (m *Manager) evaluate(ctx context.Context, pos store.Position) {
	price, err := m.priceSource(pos).Price(ctx, pos)
	if err != nil {
		m.priceErrors.Add(1)
		log.Warn().Err(err).Str("base_mint", string(pos.BaseMint)).
			Msg("seller: price fetch failed, retrying next tick")
		return
	}
	if !price.IsPositive() {
		m.priceErrors.Add(1)
		log.Warn().Str("base_mint", string(pos.BaseMint)).
			Msg("seller: non-positive price, retrying next tick")
		return
	}

	changePct := price.Sub(pos.BuyPrice).Div(pos.BuyPrice).Mul(decimal.NewFromInt(100))

	var reason string
	switch {
	case changePct.GreaterThanOrEqual(m.config.TakeProfitPct):
		reason = ReasonTakeProfit
	case changePct.LessThanOrEqual(m.config.StopLossPct.Neg()):
		reason = ReasonStopLoss
	default:
		log.Debug().
			Str("base_mint", string(pos.BaseMint)).
			Str("change_pct", changePct.StringFixed(2)).
			Msg("seller: holding")
		return
	}

	if !m.markClosing(pos.BaseMint) {
		// A sell fired concurrently for this position.
		return
	}

	log.Info().
		Str("base_mint", string(pos.BaseMint)).
		Str("reason", reason).
		Str("buy_price", pos.BuyPrice.String()).
		Str("price", price.String()).
		Str("change_pct", changePct.StringFixed(2)).
		Bool("dry_run", pos.IsDryRun).
		Msg("seller: EXIT TRIGGERED")

	if err := m.executeSell(ctx, pos, price, reason); err != nil {
		m.sellsFailed.Add(1)
		// Revert to open; the next tick retries.
		m.unmarkClosing(pos.BaseMint)
		log.Error().Err(err).Str("base_mint", string(pos.BaseMint)).
			Msg("seller: sell failed, position stays open")
	}
}

// executeSell liquidates the full position, deletes the record and emits
// PositionClosed. P/L is computed against the immutable recorded buy price.
func (m *Manager) executeSell(ctx context.Context, pos store.Position, sellPrice decimal.Decimal, reason string) error {
	expectedQuote := pos.TokenAmount.Mul(sellPrice)
	minOut := swap.MinAmountOut(expectedQuote, m.config.SlippageBps)

	sig, confirmErr, err := m.submitAndConfirm(ctx, pos, minOut)
	if err != nil {
		return err
	}
	if confirmErr != "" {
		return fmt.Errorf("transaction failed: %s", confirmErr)
	}

	plQuote := sellPrice.Sub(pos.BuyPrice).Mul(pos.TokenAmount)
	plPct := sellPrice.Sub(pos.BuyPrice).Div(pos.BuyPrice).Mul(decimal.NewFromInt(100))

	// The sell is confirmed on-chain, so from here the close stands no matter
	// what. A failed record delete must never send the position back through
	// the sell path: the tokens are already gone.
	m.deleteRecord(ctx, pos.BaseMint)

	m.mu.Lock()
	delete(m.positions, pos.BaseMint)
	m.mu.Unlock()

	closedEvent := bus.PositionClosed{
		BaseEvent:         bus.NewBaseEvent(m.instance),
		BaseMint:          pos.BaseMint,
		QuoteMint:         pos.QuoteMint,
		LPAddress:         pos.LPAddress,
		TokenAmount:       pos.TokenAmount,
		BuyPrice:          pos.BuyPrice,
		SellPrice:         sellPrice,
		SellSignature:     string(sig),
		ProfitLossQuote:   plQuote,
		ProfitLossPercent: plPct,
		Reason:            reason,
		IsDryRun:          pos.IsDryRun,
	}
	if err := m.producer.PublishJSON(ctx, bus.TopicPositionClosed, string(pos.BaseMint), closedEvent); err != nil {
		// The record is already gone; the close stands even if the
		// notification is lost.
		log.Error().Err(err).Str("base_mint", string(pos.BaseMint)).
			Msg("seller: position_closed publish failed")
	}

	m.closed.Add(1)
	log.Info().
		Str("base_mint", string(pos.BaseMint)).
		Str("reason", reason).
		Str("sig", string(sig)).
		Str("pl_quote", plQuote.String()).
		Str("pl_pct", plPct.StringFixed(2)).
		Bool("dry_run", pos.IsDryRun).
		Msg("seller: POSITION CLOSED")
	return nil
}

// deleteRecord removes the position record after a confirmed sell. A
// concurrent close (NotFound) is a no-op; transient store failures are
// retried with the configured backoff. A record that survives every attempt
// is logged and left for startup reconciliation; it is still dropped from
// the working set so this process never sells it again.
func (m *Manager) deleteRecord(ctx context.Context, baseMint solana.Pubkey) {
	var lastErr error
	for attempt := 0; attempt < m.config.Retry.MaxAttempts; attempt++ {
		if delay := m.config.Retry.Delay(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				log.Error().Err(ctx.Err()).Str("base_mint", string(baseMint)).
					Msg("seller: record delete interrupted after confirmed sell, stale record remains")
				return
			case <-time.After(delay):
			}
		}
		err := m.store.Delete(ctx, baseMint)
		if err == nil || errors.Is(err, store.ErrNotFound) {
			return
		}
		lastErr = err
	}
	log.Error().Err(lastErr).Str("base_mint", string(baseMint)).
		Msg("seller: record delete failed after confirmed sell, stale record remains")
}

// submitAndConfirm mirrors the buy-side discipline: fresh blockhash per live
// attempt, bounded classified retry, confirmed transaction errors terminal.
func (m *Manager) submitAndConfirm(ctx context.Context, pos store.Position, minOut decimal.Decimal) (solana.Signature, string, error) {
	client := m.liveSwap
	if pos.IsDryRun {
		client = m.simSwap
	}

	var sig solana.Signature
	var confirmErr string

	err := m.config.Retry.Do(ctx, "sell "+string(pos.BaseMint), func(ctx context.Context) error {
		blockhash := swap.SimulatedBlockhash
		if !pos.IsDryRun {
			var err error
			blockhash, err = m.rpc.GetLatestBlockhash(ctx)
			if err != nil {
				return fmt.Errorf("blockhash: %w", err)
			}
		}

		tx := swap.Build(swap.BuildParams{
			Swap: solana.SwapParams{
				InputMint:    pos.BaseMint,
				OutputMint:   pos.QuoteMint,
				LPAddress:    pos.LPAddress,
				AmountIn:     pos.TokenAmount,
				MinAmountOut: minOut,
			},
			Program:      solana.DEXProgram(pos.DEX),
			Payer:        m.config.Payer,
			ComputeUnits: m.config.ComputeUnits,
			PriorityFee:  m.config.PriorityFeeMicroLamports,
			Blockhash:    blockhash,
		})

		var err error
		sig, err = client.Submit(ctx, tx)
		if err != nil {
			return fmt.Errorf("submit: %w", err)
		}

		conf, err := client.Confirm(ctx, sig)
		if err != nil {
			return fmt.Errorf("confirm %s: %w", sig, err)
		}
		if !conf.Ok() {
			confirmErr = conf.Err
			return retry.Permanent{Err: fmt.Errorf("transaction failed: %s", conf.Err)}
		}
		confirmErr = ""
		return nil
	})

	if confirmErr != "" {
		return sig, confirmErr, nil
	}
	return sig, "", err
}

func (m *Manager) priceSource(pos store.Position) PriceSource {
	if pos.IsDryRun {
		return m.simPrices
	}
	return m.livePrices
}

func (m *Manager) markClosing(baseMint solana.Pubkey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.positions[baseMint]
	if !ok || t.closing {
		return false
	}
	t.closing = true
	return true
}

func (m *Manager) unmarkClosing(baseMint solana.Pubkey) {
	m.mu.Lock()
	if t, ok := m.positions[baseMint]; ok {
		t.closing = false
	}
	m.mu.Unlock()
}

// OpenPositions returns a snapshot of the working set.
func (m *Manager) OpenPositions() []store.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Position, 0, len(m.positions))
	for _, t := range m.positions {
		out = append(out, t.pos)
	}
	return out
}

// Stats are sell-manager counters for the status facade.
type Stats struct {
	OpenPositions int   `json:"open_positions"`
	Ticks         int64 `json:"ticks"`
	Closed        int64 `json:"closed"`
	SellsFailed   int64 `json:"sells_failed"`
	PriceErrors   int64 `json:"price_errors"`
}

// Stats returns sell-manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	open := len(m.positions)
	m.mu.Unlock()

	return Stats{
		OpenPositions: open,
		Ticks:         m.ticks.Load(),
		Closed:        m.closed.Load(),
		SellsFailed:   m.sellsFailed.Load(),
		PriceErrors:   m.priceErrors.Load(),
	}
}
