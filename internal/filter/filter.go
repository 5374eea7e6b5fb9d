package filter

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quarry-trading/quarry/internal/bus"
	"github.com/quarry-trading/quarry/internal/solana"
)

// ---------------------------------------------------------------------------
// Token Filter — ordered pass/fail predicates over PoolDetected events
// ---------------------------------------------------------------------------

// Config configures the token filter.
type Config struct {
	// Known/trusted mints are skipped: the pipeline only targets new tokens.
	KnownMints []solana.Pubkey
	// Reject high-risk tokens, not only extreme. Policy-configurable; the
	// default rejects only extreme.
	RejectHighRisk bool
	// Minimum quote-side pool liquidity.
	MinPoolQuote decimal.Decimal
	// Decimals outside this range count as a red flag.
	MinDecimals uint8
	MaxDecimals uint8
}

// Filter decides pass/fail for each detected pool. Every external-call
// failure rejects the candidate (fail-closed): missing a window is preferable
// to buying an unverified token.
type Filter struct {
	config   Config
	rpc      solana.RPCClient
	producer bus.Producer
	instance string

	known map[solana.Pubkey]struct{}

	evaluated atomic.Int64
	passed    atomic.Int64
	rejected  atomic.Int64

	mu            sync.Mutex
	rejectReasons map[string]int64
}

// New creates a token filter publishing candidates through the producer.
func New(config Config, rpc solana.RPCClient, producer bus.Producer, instance string) *Filter {
	known := make(map[solana.Pubkey]struct{}, len(config.KnownMints))
	for _, m := range config.KnownMints {
		known[m] = struct{}{}
	}
	return &Filter{
		config:        config,
		rpc:           rpc,
		producer:      producer,
		instance:      instance,
		known:         known,
		rejectReasons: make(map[string]int64),
	}
}

// HandleMessage is the bus handler for the pool-detected topic. Malformed
// payloads are logged and dropped; they never stop the consumer.
func (f *Filter) HandleMessage(ctx context.Context, msg bus.Message) error {
	detected, err := bus.DecodePoolDetected(msg.Value)
	if err != nil {
		log.Warn().Err(err).Str("topic", msg.Topic).Msg("filter: dropping malformed payload")
		return nil
	}

	candidate, reason := f.Evaluate(ctx, *detected)
	if candidate == nil {
		f.reject(reason)
		log.Info().
			Str("base_mint", string(detected.BaseMint)).
			Str("reason", reason).
			Msg("filter: rejected")
		return nil
	}

	if err := f.producer.PublishJSON(ctx, bus.TopicBuyCandidate, string(candidate.BaseMint), candidate); err != nil {
		log.Error().Err(err).Str("base_mint", string(candidate.BaseMint)).
			Msg("filter: publish failed")
		return err
	}

	f.passed.Add(1)
	log.Info().
		Str("base_mint", string(candidate.BaseMint)).
		Str("lp", string(candidate.LPAddress)).
		Msg("filter: PASSED, buy candidate emitted")
	return nil
}

// Evaluate runs the predicate sequence, short-circuiting on the first
// failure to minimize external calls. A nil candidate carries the rejection
// reason.
func (f *Filter) Evaluate(ctx context.Context, detected bus.PoolDetected) (*bus.BuyCandidate, string) {
	f.evaluated.Add(1)

	// 1. Address validity of all three identifiers.
	if detected.BaseMint.Validate() != nil ||
		detected.QuoteMint.Validate() != nil ||
		detected.LPAddress.Validate() != nil {
		return nil, "invalid_address"
	}

	// 2. Only genuinely new tokens.
	if _, ok := f.known[detected.BaseMint]; ok {
		return nil, "known_token"
	}

	// 3. Mint risk assessment. External-call failure is a rejection.
	rf, err := f.rpc.GetRiskFactors(ctx, detected.BaseMint)
	if err != nil {
		log.Warn().Err(err).Str("base_mint", string(detected.BaseMint)).
			Msg("filter: risk check failed, rejecting (fail-closed)")
		return nil, "risk_check_failed"
	}

	level, flags := ClassifyRisk(*rf, f.config.MinDecimals, f.config.MaxDecimals)
	if level == RiskExtreme || (f.config.RejectHighRisk && level == RiskHigh) {
		log.Info().
			Str("base_mint", string(detected.BaseMint)).
			Str("level", string(level)).
			Strs("flags", flags).
			Msg("filter: risk level too high")
		return nil, "risk_" + string(level)
	}
	if len(flags) > 0 {
		// Flagged but below the rejection threshold: observed, not rejected.
		log.Warn().
			Str("base_mint", string(detected.BaseMint)).
			Str("level", string(level)).
			Strs("flags", flags).
			Msg("filter: risk flags present")
	}

	// 4. Pool-size check. External-call failure is a rejection.
	quote, err := f.rpc.GetPoolPrice(ctx, detected.BaseMint, detected.LPAddress)
	if err != nil {
		log.Warn().Err(err).Str("base_mint", string(detected.BaseMint)).
			Msg("filter: pool size check failed, rejecting (fail-closed)")
		return nil, "pool_check_failed"
	}
	if quote.Liquidity.LessThan(f.config.MinPoolQuote) {
		return nil, "pool_too_small"
	}

	candidate := &bus.BuyCandidate{
		BaseEvent: bus.NewBaseEvent(f.instance),
		BaseMint:  detected.BaseMint,
		QuoteMint: detected.QuoteMint,
		LPAddress: detected.LPAddress,
		DEX:       detected.DEX,
	}

	// Metadata enrichment is best effort; it never fails a passing candidate.
	if info, err := f.rpc.GetTokenInfo(ctx, detected.BaseMint); err == nil {
		if info.Name != "" || info.Symbol != "" {
			candidate.Metadata = &bus.TokenMetadata{Name: info.Name, Symbol: info.Symbol}
		}
	}

	return candidate, ""
}

func (f *Filter) reject(reason string) {
	f.rejected.Add(1)
	f.mu.Lock()
	f.rejectReasons[reason]++
	f.mu.Unlock()
}

// Stats are filter counters for the status facade.
type Stats struct {
	Evaluated     int64            `json:"evaluated"`
	Passed        int64            `json:"passed"`
	Rejected      int64            `json:"rejected"`
	RejectReasons map[string]int64 `json:"reject_reasons"`
}

// Stats returns filter counters.
func (f *Filter) Stats() Stats {
	f.mu.Lock()
	reasons := make(map[string]int64, len(f.rejectReasons))
	for k, v := range f.rejectReasons {
		reasons[k] = v
	}
	f.mu.Unlock()

	return Stats{
		Evaluated:     f.evaluated.Load(),
		Passed:        f.passed.Load(),
		Rejected:      f.rejected.Load(),
		RejectReasons: reasons,
	}
}
