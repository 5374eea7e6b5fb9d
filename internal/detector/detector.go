package detector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quarry-trading/quarry/internal/bus"
	"github.com/quarry-trading/quarry/internal/solana"
)

// ---------------------------------------------------------------------------
// Pool Detector — chain log stream in, PoolDetected events out
// ---------------------------------------------------------------------------

// Config configures the pool detector.
type Config struct {
	// Maximum pools remembered for per-session dedupe.
	MaxSeenPools int `yaml:"max_seen_pools"`
}

// DefaultConfig returns detector defaults.
func DefaultConfig() Config {
	return Config{MaxSeenPools: 2048}
}

// Detector converts the raw chain log stream into PoolDetected events. At
// most one event is emitted per successfully parsed pool initialization;
// entries whose addresses do not parse are discarded, never emitted.
type Detector struct {
	config   Config
	producer bus.Producer
	parsers  []InitParser
	instance string

	mu       sync.Mutex
	seen     map[solana.Pubkey]time.Time // lpAddress -> first seen
	session  int64                       // dedupe is scoped to a connected session

	entriesSeen   atomic.Int64
	poolsEmitted  atomic.Int64
	parseFailures atomic.Int64
}

// New creates a pool detector publishing through the given producer.
func New(config Config, producer bus.Producer, instance string) *Detector {
	if config.MaxSeenPools == 0 {
		config.MaxSeenPools = DefaultConfig().MaxSeenPools
	}
	return &Detector{
		config:   config,
		producer: producer,
		parsers:  DefaultParsers(),
		instance: instance,
		seen:     make(map[solana.Pubkey]time.Time),
	}
}

// Run consumes the log stream until it closes or ctx is cancelled. Stream
// reconnects surface as a new session ID on the events; dedupe state resets
// with each session.
func (d *Detector) Run(ctx context.Context, events <-chan solana.LogEvent) error {
	log.Info().Msg("detector: started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("detector: stopped")
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				log.Info().Msg("detector: log stream closed")
				return nil
			}
			d.HandleLogEvent(ctx, event)
		}
	}
}

// HandleLogEvent processes one log entry. Parsing failures are logged and
// skipped, never fatal.
func (d *Detector) HandleLogEvent(ctx context.Context, event solana.LogEvent) {
	d.entriesSeen.Add(1)

	// Failed transactions cannot have initialized a pool.
	if event.Err != "" {
		return
	}

	d.resetSessionIfChanged(event.Session)

	for _, parser := range d.parsers {
		init, ok := parser.ParsePoolInit(event.Logs)
		if !ok {
			continue
		}

		if err := init.BaseMint.Validate(); err != nil {
			d.parseFailures.Add(1)
			log.Debug().Err(err).Str("sig", shortSig(event.Signature)).
				Msg("detector: invalid base mint, discarding entry")
			return
		}
		if err := init.QuoteMint.Validate(); err != nil {
			d.parseFailures.Add(1)
			log.Debug().Err(err).Str("sig", shortSig(event.Signature)).
				Msg("detector: invalid quote mint, discarding entry")
			return
		}
		if err := init.LPAddress.Validate(); err != nil {
			d.parseFailures.Add(1)
			log.Debug().Err(err).Str("sig", shortSig(event.Signature)).
				Msg("detector: invalid lp address, discarding entry")
			return
		}

		if d.alreadySeen(init.LPAddress) {
			return
		}

		detected := bus.PoolDetected{
			BaseEvent:       bus.NewBaseEvent(d.instance),
			BaseMint:        init.BaseMint,
			QuoteMint:       init.QuoteMint,
			LPAddress:       init.LPAddress,
			DEX:             parser.DEX(),
			DetectionMethod: "websocket",
			TxSignature:     event.Signature,
		}

		if err := d.producer.PublishJSON(ctx, bus.TopicPoolDetected, string(init.BaseMint), detected); err != nil {
			// Not marked seen: a redelivered or re-observed init for this
			// pool can still be emitted later.
			log.Error().Err(err).Str("base_mint", string(init.BaseMint)).
				Msg("detector: publish failed")
			return
		}

		d.markSeen(init.LPAddress)
		d.poolsEmitted.Add(1)
		log.Info().
			Str("dex", parser.DEX()).
			Str("base_mint", string(init.BaseMint)).
			Str("lp", string(init.LPAddress)).
			Str("sig", shortSig(event.Signature)).
			Msg("detector: NEW POOL DETECTED")
		return
	}
}

// resetSessionIfChanged clears dedupe state when the upstream subscription
// reconnects.
func (d *Detector) resetSessionIfChanged(session int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if session != d.session {
		d.session = session
		d.seen = make(map[solana.Pubkey]time.Time)
	}
}

// alreadySeen reports whether the pool was seen within the current session.
func (d *Detector) alreadySeen(lp solana.Pubkey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, seen := d.seen[lp]
	return seen
}

// markSeen records the pool for session dedupe once its event is published.
// The map is capped with oldest-first eviction.
func (d *Detector) markSeen(lp solana.Pubkey) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.seen) >= d.config.MaxSeenPools {
		var oldestKey solana.Pubkey
		var oldestTime time.Time
		for k, v := range d.seen {
			if oldestTime.IsZero() || v.Before(oldestTime) {
				oldestKey = k
				oldestTime = v
			}
		}
		delete(d.seen, oldestKey)
	}

	d.seen[lp] = time.Now()
}

// Stats are detector counters for the status facade.
type Stats struct {
	EntriesSeen   int64 `json:"entries_seen"`
	PoolsEmitted  int64 `json:"pools_emitted"`
	ParseFailures int64 `json:"parse_failures"`
}

// Stats returns detector counters.
func (d *Detector) Stats() Stats {
	return Stats{
		EntriesSeen:   d.entriesSeen.Load(),
		PoolsEmitted:  d.poolsEmitted.Load(),
		ParseFailures: d.parseFailures.Load(),
	}
}

func shortSig(sig string) string {
	if len(sig) > 12 {
		return sig[:12]
	}
	return sig
}
