package swap

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/quarry-trading/quarry/internal/solana"
)

// ---------------------------------------------------------------------------
// Swap client — unified submit/confirm surface for live and dry-run paths
// ---------------------------------------------------------------------------

// Client submits swap transactions and awaits confirmation. The live and
// simulated implementations are interchangeable so buy and sell logic runs
// identically in both modes.
type Client interface {
	// Submit sends the transaction and returns its signature.
	Submit(ctx context.Context, tx solana.Transaction) (solana.Signature, error)
	// Confirm blocks until the transaction reaches confirmed commitment or
	// the context expires. A Confirmation with a non-empty Err means the
	// transaction landed but failed on chain.
	Confirm(ctx context.Context, sig solana.Signature) (*solana.Confirmation, error)
}

// BuildParams parameterize transaction assembly.
type BuildParams struct {
	Swap          solana.SwapParams
	Program       solana.Pubkey
	Payer         solana.Pubkey
	ComputeUnits  uint32
	PriorityFee   uint64 // micro-lamports
	Blockhash     string
	CreateDestATA bool
}

// MinAmountOut applies the slippage tolerance to an expected output:
// expected × (1 − slippageBps/10000).
func MinAmountOut(expected decimal.Decimal, slippageBps int) decimal.Decimal {
	tolerance := decimal.NewFromInt(int64(10_000 - slippageBps)).
		Div(decimal.NewFromInt(10_000))
	return expected.Mul(tolerance)
}

// Build assembles the transaction: compute-budget and priority-fee
// directives, destination-account creation when needed, then the swap itself.
func Build(params BuildParams) solana.Transaction {
	instructions := []solana.Instruction{
		solana.ComputeBudgetInstruction(params.ComputeUnits),
		solana.PriorityFeeInstruction(params.PriorityFee),
	}
	if params.CreateDestATA {
		instructions = append(instructions,
			solana.CreateATAInstruction(params.Payer, params.Swap.OutputMint))
	}
	instructions = append(instructions, solana.SwapInstruction(params.Program, params.Swap))

	return solana.Transaction{
		Instructions: instructions,
		Blockhash:    params.Blockhash,
		Payer:        params.Payer,
	}
}

// ---------------------------------------------------------------------------
// Live client
// ---------------------------------------------------------------------------

// LiveClient executes swaps against the real network through the RPC client.
type LiveClient struct {
	rpc solana.RPCClient
}

// NewLiveClient creates a live swap client.
func NewLiveClient(rpc solana.RPCClient) *LiveClient {
	return &LiveClient{rpc: rpc}
}

func (c *LiveClient) Submit(ctx context.Context, tx solana.Transaction) (solana.Signature, error) {
	if len(tx.Instructions) == 0 {
		return "", fmt.Errorf("submit: empty transaction")
	}
	return c.rpc.SendTransaction(ctx, tx)
}

func (c *LiveClient) Confirm(ctx context.Context, sig solana.Signature) (*solana.Confirmation, error) {
	return c.rpc.ConfirmTransaction(ctx, sig)
}
