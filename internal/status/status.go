package status

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quarry-trading/quarry/internal/bus"
	"github.com/quarry-trading/quarry/internal/observability"
	"github.com/quarry-trading/quarry/internal/solana"
	"github.com/quarry-trading/quarry/internal/store"
)

// ---------------------------------------------------------------------------
// Status Facade — passive aggregate view of the whole pipeline
// ---------------------------------------------------------------------------

// Config configures the status facade.
type Config struct {
	// Heartbeats older than this are stale. Defaults to three heartbeat
	// intervals when zero.
	StaleAfter time.Duration
	// Recent events kept for the status endpoint.
	RecentEventLimit int
}

// StageHealth is the observed liveness of one pipeline stage.
type StageHealth struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	LastSeen  time.Time `json:"last_seen"`
	Stale     bool      `json:"stale"`
	Heartbeat int64     `json:"heartbeats"`
}

// RecentEvent is a compact record of one observed pipeline event.
type RecentEvent struct {
	Topic    string        `json:"topic"`
	BaseMint solana.Pubkey `json:"base_mint,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	At       time.Time     `json:"at"`
}

// Snapshot is the aggregate pipeline view served by the HTTP endpoint.
type Snapshot struct {
	GeneratedAt     time.Time              `json:"generated_at"`
	Stages          map[string]StageHealth `json:"stages"`
	OpenPositions   []store.Position       `json:"open_positions"`
	PoolsDetected   int64                  `json:"pools_detected"`
	BuyCandidates   int64                  `json:"buy_candidates"`
	PositionsOpened int64                  `json:"positions_opened"`
	PositionsClosed int64                  `json:"positions_closed"`
	RealizedPLQuote decimal.Decimal        `json:"realized_pl_quote"`
	RecentEvents    []RecentEvent          `json:"recent_events"`
}

// Facade consumes every pipeline topic read-only and maintains the aggregate
// view. It never produces pipeline events and never touches positions; the
// store is only read to seed the open-position view at startup.
type Facade struct {
	config   Config
	store    store.Store
	registry *observability.Registry

	mu         sync.Mutex
	stages     map[string]*StageHealth
	positions  map[solana.Pubkey]store.Position
	recent     []RecentEvent
	detected   int64
	candidates int64
	opened     int64
	closed     int64
	realizedPL decimal.Decimal
}

// New creates a status facade. The registry is updated as events arrive and
// can be exposed through the Prometheus exporter.
func New(config Config, st store.Store, registry *observability.Registry) *Facade {
	if config.StaleAfter == 0 {
		config.StaleAfter = 45 * time.Second
	}
	if config.RecentEventLimit == 0 {
		config.RecentEventLimit = 50
	}
	return &Facade{
		config:    config,
		store:     st,
		registry:  registry,
		stages:    make(map[string]*StageHealth),
		positions: make(map[solana.Pubkey]store.Position),
	}
}

// Seed loads currently open positions from the store so the view is accurate
// before any event arrives.
func (f *Facade) Seed(ctx context.Context) error {
	positions, err := f.store.List(ctx)
	if err != nil {
		return err
	}

	f.mu.Lock()
	for _, pos := range positions {
		f.positions[pos.BaseMint] = pos
	}
	count := len(f.positions)
	f.mu.Unlock()

	f.registry.GetGauge("quarry_open_positions").Set(float64(count))
	log.Info().Int("positions", count).Msg("status: open positions seeded from store")
	return nil
}

// HandleMessage is the bus handler for every pipeline topic. The facade is an
// observer: every payload is absorbed, nothing is ever retried or redelivered
// on its account.
func (f *Facade) HandleMessage(_ context.Context, msg bus.Message) error {
	switch msg.Topic {
	case bus.TopicPoolDetected:
		f.onPoolDetected(msg.Value)
	case bus.TopicBuyCandidate:
		f.onBuyCandidate(msg.Value)
	case bus.TopicPositionOpened:
		f.onPositionOpened(msg.Value)
	case bus.TopicPositionClosed:
		f.onPositionClosed(msg.Value)
	case bus.TopicHeartbeat:
		f.onHeartbeat(msg.Value)
	default:
		log.Debug().Str("topic", msg.Topic).Msg("status: ignoring unknown topic")
	}
	return nil
}

func (f *Facade) onPoolDetected(data []byte) {
	ev, err := bus.DecodePoolDetected(data)
	if err != nil {
		f.malformed(err)
		return
	}
	f.observeLag(ev.Timestamp)
	f.registry.GetCounter("quarry_pools_detected_total").Inc()

	f.mu.Lock()
	f.detected++
	f.remember(RecentEvent{Topic: bus.TopicPoolDetected, BaseMint: ev.BaseMint, Detail: ev.DEX, At: time.Now()})
	f.mu.Unlock()
}

func (f *Facade) onBuyCandidate(data []byte) {
	ev, err := bus.DecodeBuyCandidate(data)
	if err != nil {
		f.malformed(err)
		return
	}
	f.observeLag(ev.Timestamp)
	f.registry.GetCounter("quarry_buy_candidates_total").Inc()

	f.mu.Lock()
	f.candidates++
	f.remember(RecentEvent{Topic: bus.TopicBuyCandidate, BaseMint: ev.BaseMint, Detail: ev.DEX, At: time.Now()})
	f.mu.Unlock()
}

func (f *Facade) onPositionOpened(data []byte) {
	ev, err := bus.DecodePositionOpened(data)
	if err != nil {
		f.malformed(err)
		return
	}
	f.observeLag(ev.Timestamp)
	f.registry.GetCounter("quarry_positions_opened_total").Inc()
	if ev.IsDryRun {
		f.registry.GetCounter("quarry_dry_run_events_total").Inc()
	}

	f.mu.Lock()
	f.opened++
	f.positions[ev.BaseMint] = store.Position{
		BaseMint:      ev.BaseMint,
		QuoteMint:     ev.QuoteMint,
		LPAddress:     ev.LPAddress,
		DEX:           ev.DEX,
		AmountInQuote: ev.AmountInQuote,
		TokenAmount:   ev.TokenAmount,
		BuyPrice:      ev.BuyPrice,
		BuyTimestamp:  ev.Timestamp,
		BuySignature:  ev.BuySignature,
		IsDryRun:      ev.IsDryRun,
	}
	open := len(f.positions)
	f.remember(RecentEvent{Topic: bus.TopicPositionOpened, BaseMint: ev.BaseMint, Detail: "buy @ " + ev.BuyPrice.String(), At: time.Now()})
	f.mu.Unlock()

	f.registry.GetGauge("quarry_open_positions").Set(float64(open))
}

func (f *Facade) onPositionClosed(data []byte) {
	ev, err := bus.DecodePositionClosed(data)
	if err != nil {
		f.malformed(err)
		return
	}
	f.observeLag(ev.Timestamp)
	f.registry.GetCounter("quarry_positions_closed_total").Inc()
	switch ev.Reason {
	case "TAKE_PROFIT":
		f.registry.GetCounter("quarry_take_profit_exits_total").Inc()
	case "STOP_LOSS":
		f.registry.GetCounter("quarry_stop_loss_exits_total").Inc()
	}
	if ev.IsDryRun {
		f.registry.GetCounter("quarry_dry_run_events_total").Inc()
	}

	f.mu.Lock()
	f.closed++
	if prev, held := f.positions[ev.BaseMint]; held {
		holdMs := float64(ev.Timestamp.Sub(prev.BuyTimestamp).Milliseconds())
		if holdMs > 0 {
			f.registry.GetHistogram("quarry_hold_duration_ms").Observe(holdMs)
		}
	}
	delete(f.positions, ev.BaseMint)
	f.realizedPL = f.realizedPL.Add(ev.ProfitLossQuote)
	open := len(f.positions)
	realized, _ := f.realizedPL.Float64()
	f.remember(RecentEvent{Topic: bus.TopicPositionClosed, BaseMint: ev.BaseMint,
		Detail: ev.Reason + " pl=" + ev.ProfitLossQuote.String(), At: time.Now()})
	f.mu.Unlock()

	f.registry.GetGauge("quarry_open_positions").Set(float64(open))
	f.registry.GetGauge("quarry_pnl_realized_quote").Set(realized)
}

func (f *Facade) onHeartbeat(data []byte) {
	ev, err := bus.DecodeHeartbeat(data)
	if err != nil {
		f.malformed(err)
		return
	}

	f.mu.Lock()
	stage, ok := f.stages[ev.Service]
	if !ok {
		stage = &StageHealth{Service: ev.Service}
		f.stages[ev.Service] = stage
	}
	stage.Status = ev.Status
	stage.LastSeen = time.Now()
	stage.Stale = false
	stage.Heartbeat++
	f.mu.Unlock()
}

// RefreshStaleness re-evaluates heartbeat freshness. Run periodically so a
// silent stage turns stale even when no new events arrive.
func (f *Facade) RefreshStaleness(context.Context) error {
	now := time.Now()
	healthy, stale := 0, 0

	f.mu.Lock()
	for _, stage := range f.stages {
		stage.Stale = now.Sub(stage.LastSeen) > f.config.StaleAfter
		if stage.Stale {
			stale++
		} else {
			healthy++
		}
	}
	f.mu.Unlock()

	f.registry.GetGauge("quarry_stages_healthy").Set(float64(healthy))
	f.registry.GetGauge("quarry_stages_stale").Set(float64(stale))
	return nil
}

// Health reports aggregate pipeline health from heartbeat freshness, for the
// health monitor.
func (f *Facade) Health(context.Context) observability.ComponentHealth {
	f.mu.Lock()
	total := len(f.stages)
	stale := 0
	for _, stage := range f.stages {
		if stage.Stale {
			stale++
		}
	}
	f.mu.Unlock()

	health := observability.ComponentHealth{
		Status: observability.StatusHealthy,
		Details: map[string]any{
			"stages": total,
			"stale":  stale,
		},
	}
	switch {
	case total == 0:
		health.Status = observability.StatusDegraded
		health.Message = "no stage heartbeats observed yet"
	case stale == total:
		health.Status = observability.StatusUnhealthy
		health.Message = "all stage heartbeats stale"
	case stale > 0:
		health.Status = observability.StatusDegraded
		health.Message = "some stage heartbeats stale"
	}
	return health
}

// Snapshot returns the current aggregate view.
func (f *Facade) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	stages := make(map[string]StageHealth, len(f.stages))
	for name, stage := range f.stages {
		stages[name] = *stage
	}
	positions := make([]store.Position, 0, len(f.positions))
	for _, pos := range f.positions {
		positions = append(positions, pos)
	}
	recent := make([]RecentEvent, len(f.recent))
	copy(recent, f.recent)

	return Snapshot{
		GeneratedAt:     time.Now(),
		Stages:          stages,
		OpenPositions:   positions,
		PoolsDetected:   f.detected,
		BuyCandidates:   f.candidates,
		PositionsOpened: f.opened,
		PositionsClosed: f.closed,
		RealizedPLQuote: f.realizedPL,
		RecentEvents:    recent,
	}
}

// remember appends to the recent-event ring. Caller holds f.mu.
func (f *Facade) remember(ev RecentEvent) {
	f.recent = append(f.recent, ev)
	if len(f.recent) > f.config.RecentEventLimit {
		f.recent = f.recent[len(f.recent)-f.config.RecentEventLimit:]
	}
}

func (f *Facade) malformed(err error) {
	f.registry.GetCounter("quarry_malformed_events_total").Inc()
	log.Warn().Err(err).Msg("status: undecodable payload observed")
}

func (f *Facade) observeLag(produced time.Time) {
	if produced.IsZero() {
		return
	}
	lag := float64(time.Since(produced).Milliseconds())
	if lag >= 0 {
		f.registry.GetHistogram("quarry_event_lag_ms").Observe(lag)
	}
}
