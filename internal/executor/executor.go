package executor

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
// Buy Executor — turns vetted candidates into open positions
// ---------------------------------------------------------------------------

// Config configures the buy executor.
type Config struct {
	// Settlement currency; candidates quoted in anything else are rejected.
	SettlementMint solana.Pubkey
	// Quote units to spend per buy. Always from config, never from the event.
	AmountQuote decimal.Decimal
	SlippageBps int
	// Transaction assembly knobs.
	PriorityFeeMicroLamports uint64
	ComputeUnits             uint32
	Payer                    solana.Pubkey
	// Submission retry discipline.
	Retry retry.Policy
	// DryRun routes execution through the simulated swap client.
	DryRun bool
}

// Executor acquires at most one position per base mint. The store's atomic
// create-if-absent is the dedupe authority; an in-flight set covers the window
// between duplicate deliveries arriving before the first confirm completes.
type Executor struct {
	config   Config
	rpc      solana.RPCClient
	client   swap.Client
	store    store.Store
	producer bus.Producer
	instance string

	mu       sync.Mutex
	inflight map[solana.Pubkey]struct{}

	received atomic.Int64
	opened   atomic.Int64
	skipped  atomic.Int64
	failed   atomic.Int64
}

// New creates a buy executor. The swap client decides live vs dry-run
// execution; the executor logic is identical in both modes.
func New(config Config, rpc solana.RPCClient, client swap.Client, st store.Store, producer bus.Producer, instance string) *Executor {
	if config.Retry.MaxAttempts == 0 {
		config.Retry = retry.DefaultPolicy()
	}
	return &Executor{
		config:   config,
		rpc:      rpc,
		client:   client,
		store:    st,
		producer: producer,
		instance: instance,
		inflight: make(map[solana.Pubkey]struct{}),
	}
}

// HandleMessage is the bus handler for the buy-candidate topic. Malformed
// payloads are logged and dropped; execution failures never stop the consumer.
func (e *Executor) HandleMessage(ctx context.Context, msg bus.Message) error {
	candidate, err := bus.DecodeBuyCandidate(msg.Value)
	if err != nil {
		log.Warn().Err(err).Str("topic", msg.Topic).Msg("executor: dropping malformed payload")
		return nil
	}
	e.Execute(ctx, *candidate)
	return nil
}

// Execute runs one candidate through acquisition. Duplicate deliveries for a
// mint with an open or in-flight position are no-ops.
func (e *Executor) Execute(ctx context.Context, candidate bus.BuyCandidate) {
	e.received.Add(1)
	baseMint := candidate.BaseMint

	if candidate.QuoteMint != e.config.SettlementMint {
		e.skipped.Add(1)
		log.Info().
			Str("base_mint", string(baseMint)).
			Str("quote_mint", string(candidate.QuoteMint)).
			Msg("executor: candidate not quoted in settlement currency, skipping")
		return
	}

	if !e.claim(baseMint) {
		e.skipped.Add(1)
		log.Debug().Str("base_mint", string(baseMint)).
			Msg("executor: buy already in flight, skipping duplicate")
		return
	}
	defer e.release(baseMint)

	// Cheap existence check before doing any transaction work. The atomic
	// Create below remains the authority; this only avoids wasted submissions.
	if _, err := e.store.Get(ctx, baseMint); err == nil {
		e.skipped.Add(1)
		log.Debug().Str("base_mint", string(baseMint)).
			Msg("executor: position already open, skipping duplicate")
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		e.failed.Add(1)
		log.Error().Err(err).Str("base_mint", string(baseMint)).
			Msg("executor: store lookup failed, not buying")
		return
	}

	quote, err := e.rpc.GetPoolPrice(ctx, baseMint, candidate.LPAddress)
	if err != nil {
		e.failed.Add(1)
		log.Warn().Err(err).Str("base_mint", string(baseMint)).
			Msg("executor: price fetch failed, abandoning candidate")
		return
	}
	if !quote.Price.IsPositive() {
		e.failed.Add(1)
		log.Warn().Str("base_mint", string(baseMint)).
			Msg("executor: non-positive pool price, abandoning candidate")
		return
	}

	expectedTokens := e.config.AmountQuote.Div(quote.Price)
	minOut := swap.MinAmountOut(expectedTokens, e.config.SlippageBps)

	log.Info().
		Str("base_mint", string(baseMint)).
		Str("dex", candidate.DEX).
		Str("amount_quote", e.config.AmountQuote.String()).
		Str("price", quote.Price.String()).
		Str("min_out", minOut.String()).
		Bool("dry_run", e.config.DryRun).
		Msg("executor: EXECUTING BUY")

	sig, confirmErr, err := e.submitAndConfirm(ctx, candidate, expectedTokens, minOut)
	if err != nil {
		e.failed.Add(1)
		log.Error().Err(err).Str("base_mint", string(baseMint)).
			Msg("executor: buy submission failed")
		return
	}
	if confirmErr != "" {
		// The transaction landed with an error. Terminal: no retry, no position.
		e.failed.Add(1)
		log.Warn().
			Str("base_mint", string(baseMint)).
			Str("sig", string(sig)).
			Str("tx_err", confirmErr).
			Msg("executor: buy confirmed as failed")
		return
	}

	position := store.Position{
		BaseMint:      baseMint,
		LPAddress:     candidate.LPAddress,
		QuoteMint:     candidate.QuoteMint,
		DEX:           candidate.DEX,
		AmountInQuote: e.config.AmountQuote,
		TokenAmount:   expectedTokens,
		BuyPrice:      quote.Price,
		BuyTimestamp:  time.Now(),
		BuySignature:  string(sig),
		IsDryRun:      e.config.DryRun,
	}

	if err := e.store.Create(ctx, position); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			// Another delivery won the race. The position already exists, so
			// this instance stays silent.
			e.skipped.Add(1)
			log.Warn().Str("base_mint", string(baseMint)).
				Msg("executor: position created concurrently, suppressing duplicate")
			return
		}
		e.failed.Add(1)
		log.Error().Err(err).Str("base_mint", string(baseMint)).
			Msg("executor: position persist failed")
		return
	}

	opened := bus.PositionOpened{
		BaseEvent:     bus.NewBaseEvent(e.instance),
		BaseMint:      position.BaseMint,
		QuoteMint:     position.QuoteMint,
		LPAddress:     position.LPAddress,
		DEX:           position.DEX,
		AmountInQuote: position.AmountInQuote,
		TokenAmount:   position.TokenAmount,
		BuyPrice:      position.BuyPrice,
		BuySignature:  position.BuySignature,
		IsDryRun:      position.IsDryRun,
	}
	if err := e.producer.PublishJSON(ctx, bus.TopicPositionOpened, string(baseMint), opened); err != nil {
		// The store is authoritative; the seller recovers this position on its
		// next restart even if the notification is lost.
		log.Error().Err(err).Str("base_mint", string(baseMint)).
			Msg("executor: position_opened publish failed")
	}

	e.opened.Add(1)
	log.Info().
		Str("base_mint", string(baseMint)).
		Str("sig", string(sig)).
		Str("buy_price", position.BuyPrice.String()).
		Str("tokens", position.TokenAmount.String()).
		Bool("dry_run", position.IsDryRun).
		Msg("executor: POSITION OPENED")
}

// submitAndConfirm builds, submits and confirms the swap under the retry
// policy. A fresh blockhash is fetched per attempt in live mode so a stale one
// never burns an attempt twice. Returns the transaction error text when the
// transaction landed but failed; that outcome is never retried.
func (e *Executor) submitAndConfirm(ctx context.Context, candidate bus.BuyCandidate, expectedTokens, minOut decimal.Decimal) (solana.Signature, string, error) {
	var sig solana.Signature
	var confirmErr string

	err := e.config.Retry.Do(ctx, "buy "+string(candidate.BaseMint), func(ctx context.Context) error {
		blockhash := swap.SimulatedBlockhash
		if !e.config.DryRun {
			var err error
			blockhash, err = e.rpc.GetLatestBlockhash(ctx)
			if err != nil {
				return fmt.Errorf("blockhash: %w", err)
			}
		}

		tx := swap.Build(swap.BuildParams{
			Swap: solana.SwapParams{
				InputMint:    candidate.QuoteMint,
				OutputMint:   candidate.BaseMint,
				LPAddress:    candidate.LPAddress,
				AmountIn:     e.config.AmountQuote,
				MinAmountOut: minOut,
			},
			Program:       solana.DEXProgram(candidate.DEX),
			Payer:         e.config.Payer,
			ComputeUnits:  e.config.ComputeUnits,
			PriorityFee:   e.config.PriorityFeeMicroLamports,
			Blockhash:     blockhash,
			CreateDestATA: true,
		})

		var err error
		sig, err = e.client.Submit(ctx, tx)
		if err != nil {
			return fmt.Errorf("submit: %w", err)
		}

		conf, err := e.client.Confirm(ctx, sig)
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

func (e *Executor) claim(baseMint solana.Pubkey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[baseMint]; busy {
		return false
	}
	e.inflight[baseMint] = struct{}{}
	return true
}

func (e *Executor) release(baseMint solana.Pubkey) {
	e.mu.Lock()
	delete(e.inflight, baseMint)
	e.mu.Unlock()
}

// Stats are executor counters for the status facade.
type Stats struct {
	Received int64 `json:"received"`
	Opened   int64 `json:"opened"`
	Skipped  int64 `json:"skipped"`
	Failed   int64 `json:"failed"`
}

// Stats returns executor counters.
func (e *Executor) Stats() Stats {
	return Stats{
		Received: e.received.Load(),
		Opened:   e.opened.Load(),
		Skipped:  e.skipped.Load(),
		Failed:   e.failed.Load(),
	}
}
