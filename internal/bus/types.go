package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quarry-trading/quarry/internal/solana"
)

// BaseEvent contains fields common to all pipeline events.
type BaseEvent struct {
	EventID       string    `json:"event_id"`
	Timestamp     time.Time `json:"ts"`
	SchemaVersion string    `json:"schema_version"`
	Producer      string    `json:"producer"`
}

// NewBaseEvent creates a new BaseEvent with a generated ID.
func NewBaseEvent(producer string) BaseEvent {
	return BaseEvent{
		EventID:       uuid.New().String(),
		Timestamp:     time.Now(),
		SchemaVersion: "1.0.0",
		Producer:      producer,
	}
}

// ---------------------------------------------------------------------------
// Pipeline events
// ---------------------------------------------------------------------------

// PoolDetected is emitted once per observed pool-initialization event.
type PoolDetected struct {
	BaseEvent
	BaseMint        solana.Pubkey `json:"base_mint"`
	QuoteMint       solana.Pubkey `json:"quote_mint"`
	LPAddress       solana.Pubkey `json:"lp_address"`
	DEX             string        `json:"dex"`
	DetectionMethod string        `json:"detection_method"` // websocket|poll
	TxSignature     string        `json:"tx_signature,omitempty"`
}

// TokenMetadata is optional enrichment carried on a BuyCandidate.
type TokenMetadata struct {
	Name   string `json:"name,omitempty"`
	Symbol string `json:"symbol,omitempty"`
}

// BuyCandidate is a PoolDetected that passed every filter predicate.
type BuyCandidate struct {
	BaseEvent
	BaseMint  solana.Pubkey  `json:"base_mint"`
	QuoteMint solana.Pubkey  `json:"quote_mint"`
	LPAddress solana.Pubkey  `json:"lp_address"`
	DEX       string         `json:"dex"`
	Metadata  *TokenMetadata `json:"metadata,omitempty"`
}

// PositionOpened is a snapshot of a Position at open time. The Position store
// is authoritative; this event is a notification.
type PositionOpened struct {
	BaseEvent
	BaseMint      solana.Pubkey   `json:"base_mint"`
	QuoteMint     solana.Pubkey   `json:"quote_mint"`
	LPAddress     solana.Pubkey   `json:"lp_address"`
	DEX           string          `json:"dex"`
	AmountInQuote decimal.Decimal `json:"amount_in_quote"`
	TokenAmount   decimal.Decimal `json:"token_amount"`
	BuyPrice      decimal.Decimal `json:"buy_price"`
	BuySignature  string          `json:"buy_signature"`
	IsDryRun      bool            `json:"is_dry_run"`
}

// PositionClosed is a snapshot of a Position at close time with realized P/L.
type PositionClosed struct {
	BaseEvent
	BaseMint          solana.Pubkey   `json:"base_mint"`
	QuoteMint         solana.Pubkey   `json:"quote_mint"`
	LPAddress         solana.Pubkey   `json:"lp_address"`
	TokenAmount       decimal.Decimal `json:"token_amount"`
	BuyPrice          decimal.Decimal `json:"buy_price"`
	SellPrice         decimal.Decimal `json:"sell_price"`
	SellSignature     string          `json:"sell_signature"`
	ProfitLossQuote   decimal.Decimal `json:"profit_loss_quote"`
	ProfitLossPercent decimal.Decimal `json:"profit_loss_percent"`
	Reason            string          `json:"reason"` // TAKE_PROFIT|STOP_LOSS
	IsDryRun          bool            `json:"is_dry_run"`
}

// Heartbeat is a liveness record, overwritten per service on each emission.
type Heartbeat struct {
	BaseEvent
	Service       string `json:"service"`
	Status        string `json:"status"` // healthy|degraded|unhealthy
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ---------------------------------------------------------------------------
// Topics
// ---------------------------------------------------------------------------

// Stable topic names, one per event type.
const (
	TopicPoolDetected   = "quarry.pool_detected"
	TopicBuyCandidate   = "quarry.buy_candidate"
	TopicPositionOpened = "quarry.position_opened"
	TopicPositionClosed = "quarry.position_closed"
	TopicHeartbeat      = "quarry.heartbeat"
)

// AllTopics returns every pipeline topic, for the status facade and
// provisioning.
func AllTopics() []string {
	return []string{
		TopicPoolDetected,
		TopicBuyCandidate,
		TopicPositionOpened,
		TopicPositionClosed,
		TopicHeartbeat,
	}
}

// ---------------------------------------------------------------------------
// Decoding with boundary validation
// ---------------------------------------------------------------------------

// DecodePoolDetected parses and validates a PoolDetected payload. Malformed
// payloads are rejected here, before reaching business logic.
func DecodePoolDetected(data []byte) (*PoolDetected, error) {
	var ev PoolDetected
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode pool_detected: %w", err)
	}
	if ev.BaseMint == "" || ev.QuoteMint == "" || ev.LPAddress == "" {
		return nil, fmt.Errorf("pool_detected: missing required address fields")
	}
	return &ev, nil
}

// DecodeBuyCandidate parses and validates a BuyCandidate payload.
func DecodeBuyCandidate(data []byte) (*BuyCandidate, error) {
	var ev BuyCandidate
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode buy_candidate: %w", err)
	}
	if ev.BaseMint == "" || ev.QuoteMint == "" || ev.LPAddress == "" {
		return nil, fmt.Errorf("buy_candidate: missing required address fields")
	}
	return &ev, nil
}

// DecodePositionOpened parses and validates a PositionOpened payload.
func DecodePositionOpened(data []byte) (*PositionOpened, error) {
	var ev PositionOpened
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode position_opened: %w", err)
	}
	if ev.BaseMint == "" {
		return nil, fmt.Errorf("position_opened: missing base_mint")
	}
	if ev.BuyPrice.IsZero() {
		return nil, fmt.Errorf("position_opened: missing buy_price")
	}
	return &ev, nil
}

// DecodePositionClosed parses and validates a PositionClosed payload.
func DecodePositionClosed(data []byte) (*PositionClosed, error) {
	var ev PositionClosed
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode position_closed: %w", err)
	}
	if ev.BaseMint == "" {
		return nil, fmt.Errorf("position_closed: missing base_mint")
	}
	return &ev, nil
}

// DecodeHeartbeat parses and validates a Heartbeat payload.
func DecodeHeartbeat(data []byte) (*Heartbeat, error) {
	var ev Heartbeat
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode heartbeat: %w", err)
	}
	if ev.Service == "" {
		return nil, fmt.Errorf("heartbeat: missing service")
	}
	return &ev, nil
}
