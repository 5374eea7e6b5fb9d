package solana

import (
	"fmt"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
)

// Pubkey is a Solana public key (base58 string).
type Pubkey string

// Signature is a Solana transaction signature.
type Signature string

// pubkeyByteLen is the decoded length of a valid Solana public key.
const pubkeyByteLen = 32

// Validate checks that the pubkey decodes to exactly 32 bytes of base58.
func (p Pubkey) Validate() error {
	if p == "" {
		return fmt.Errorf("empty pubkey")
	}
	raw, err := base58.Decode(string(p))
	if err != nil {
		return fmt.Errorf("decode pubkey %q: %w", p, err)
	}
	if len(raw) != pubkeyByteLen {
		return fmt.Errorf("pubkey %q: decoded to %d bytes, want %d", p, len(raw), pubkeyByteLen)
	}
	return nil
}

// IsValid reports whether the pubkey is well-formed.
func (p Pubkey) IsValid() bool {
	return p.Validate() == nil
}

// ---------------------------------------------------------------------------
// Token & pool types
// ---------------------------------------------------------------------------

// TokenInfo describes a Solana SPL token, used to enrich buy candidates.
type TokenInfo struct {
	Mint     Pubkey `json:"mint"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
}

// RiskFactors are the raw authority flags for a mint, as reported by the
// token metadata source. Classification into a risk level happens upstream.
type RiskFactors struct {
	HasMintAuthority   bool  `json:"has_mint_authority"`
	HasFreezeAuthority bool  `json:"has_freeze_authority"`
	Decimals           uint8 `json:"decimals"`
	IsBlacklisted      bool  `json:"is_blacklisted"`
}

// PriceQuote is a point-in-time price for a token against its pool's quote
// currency, plus the pool's quote-side liquidity.
type PriceQuote struct {
	Price     decimal.Decimal `json:"price"`     // quote units per base unit
	Liquidity decimal.Decimal `json:"liquidity"` // quote units in the pool
	FetchedAt time.Time       `json:"fetched_at"`
}

// ---------------------------------------------------------------------------
// Transaction types
// ---------------------------------------------------------------------------

// Instruction is a single instruction in a transaction. The actual on-chain
// encoding is owned by the swap client; this representation only carries
// enough structure for the pipeline to assemble and inspect transactions.
type Instruction struct {
	ProgramID Pubkey   `json:"program_id"`
	Kind      string   `json:"kind"` // compute_budget|priority_fee|create_ata|swap
	Accounts  []Pubkey `json:"accounts,omitempty"`
	Data      []byte   `json:"data,omitempty"`
}

// Transaction is an ordered set of instructions ready for submission.
type Transaction struct {
	Instructions []Instruction `json:"instructions"`
	Blockhash    string        `json:"blockhash"`
	Payer        Pubkey        `json:"payer"`
}

// SwapParams parameterize a swap instruction.
type SwapParams struct {
	InputMint    Pubkey          `json:"input_mint"`
	OutputMint   Pubkey          `json:"output_mint"`
	LPAddress    Pubkey          `json:"lp_address"`
	AmountIn     decimal.Decimal `json:"amount_in"`
	MinAmountOut decimal.Decimal `json:"min_amount_out"`
}

// Confirmation is the terminal status of a submitted transaction.
type Confirmation struct {
	Signature Signature `json:"signature"`
	Slot      uint64    `json:"slot"`
	Err       string    `json:"err,omitempty"` // non-empty = transaction landed with an error
}

// Ok reports whether the transaction confirmed without an execution error.
func (c Confirmation) Ok() bool {
	return c.Err == ""
}

// Well-known program and mint addresses.
const (
	SOLMint  Pubkey = "So11111111111111111111111111111111111111112"
	USDCMint Pubkey = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

	ComputeBudgetProgram Pubkey = "ComputeBudget111111111111111111111111111111"
	TokenProgram         Pubkey = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	ATAProgram           Pubkey = "ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL"

	RaydiumAMMV4 Pubkey = "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"
	PumpFun      Pubkey = "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"
)

// DEXProgram maps a DEX identifier to its on-chain program. Unknown DEX
// identifiers default to Raydium, the most common venue.
func DEXProgram(dex string) Pubkey {
	switch dex {
	case "pumpfun":
		return PumpFun
	default:
		return RaydiumAMMV4
	}
}

// ComputeBudgetInstruction builds a compute-unit limit directive.
func ComputeBudgetInstruction(units uint32) Instruction {
	return Instruction{
		ProgramID: ComputeBudgetProgram,
		Kind:      "compute_budget",
		Data:      []byte(fmt.Sprintf("units=%d", units)),
	}
}

// PriorityFeeInstruction builds a compute-unit price directive in micro-lamports.
func PriorityFeeInstruction(microLamports uint64) Instruction {
	return Instruction{
		ProgramID: ComputeBudgetProgram,
		Kind:      "priority_fee",
		Data:      []byte(fmt.Sprintf("micro_lamports=%d", microLamports)),
	}
}

// CreateATAInstruction builds an associated-token-account creation for the
// payer so the swap has a destination for the purchased mint.
func CreateATAInstruction(payer, mint Pubkey) Instruction {
	return Instruction{
		ProgramID: ATAProgram,
		Kind:      "create_ata",
		Accounts:  []Pubkey{payer, mint, TokenProgram},
	}
}

// SwapInstruction builds the swap itself. Encoding of params into program
// data is left to the swap client; the pipeline only carries the parameters.
func SwapInstruction(program Pubkey, params SwapParams) Instruction {
	return Instruction{
		ProgramID: program,
		Kind:      "swap",
		Accounts:  []Pubkey{params.InputMint, params.OutputMint, params.LPAddress},
		Data: []byte(fmt.Sprintf("amount_in=%s min_out=%s",
			params.AmountIn.String(), params.MinAmountOut.String())),
	}
}
