package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quarry-trading/quarry/internal/solana"
)

// ---------------------------------------------------------------------------
// Position store — the single source of truth for open positions
// ---------------------------------------------------------------------------

// Sentinel errors for keyed operations.
var (
	// ErrAlreadyExists is returned by Create when a position for the same
	// base mint is already open. Callers treat this as a duplicate delivery.
	ErrAlreadyExists = errors.New("position already exists")

	// ErrNotFound is returned by Get and Delete when no position exists for
	// the base mint.
	ErrNotFound = errors.New("position not found")
)

// Position is a durable record of an open acquisition, keyed by base mint.
// BuyPrice is set once at open time and never changes; it is the sole
// reference for profit/loss computation. IsDryRun is fixed at creation and
// must propagate to every subsequent action on the position.
type Position struct {
	BaseMint      solana.Pubkey   `json:"base_mint"`
	LPAddress     solana.Pubkey   `json:"lp_address"`
	QuoteMint     solana.Pubkey   `json:"quote_mint"`
	DEX           string          `json:"dex"`
	AmountInQuote decimal.Decimal `json:"amount_in_quote"`
	TokenAmount   decimal.Decimal `json:"token_amount"`
	BuyPrice      decimal.Decimal `json:"buy_price"`
	BuyTimestamp  time.Time       `json:"buy_timestamp"`
	BuySignature  string          `json:"buy_signature"`
	IsDryRun      bool            `json:"is_dry_run"`
}

// Validate checks the record is complete enough to persist.
func (p Position) Validate() error {
	if p.BaseMint == "" {
		return fmt.Errorf("position: missing base_mint")
	}
	if p.LPAddress == "" {
		return fmt.Errorf("position: missing lp_address")
	}
	if !p.BuyPrice.IsPositive() {
		return fmt.Errorf("position %s: buy_price must be positive", p.BaseMint)
	}
	if !p.TokenAmount.IsPositive() {
		return fmt.Errorf("position %s: token_amount must be positive", p.BaseMint)
	}
	return nil
}

// Store is a keyed position store with atomic per-key create-if-absent and
// delete. At most one position exists per base mint; closing a position
// deletes the record, it is never updated in place.
type Store interface {
	// Get returns the position for a base mint, or ErrNotFound.
	Get(ctx context.Context, baseMint solana.Pubkey) (*Position, error)

	// Create persists a new position atomically. Returns ErrAlreadyExists if
	// a position for the same base mint is already open.
	Create(ctx context.Context, pos Position) error

	// Delete removes the position for a base mint. Returns ErrNotFound if no
	// position is open for that mint.
	Delete(ctx context.Context, baseMint solana.Pubkey) error

	// List returns all open positions.
	List(ctx context.Context) ([]Position, error)

	// Close releases the store's resources.
	Close() error
}
