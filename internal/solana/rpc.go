package solana

import (
	"context"
	"time"
)

// ---------------------------------------------------------------------------
// RPC Client Interface
// ---------------------------------------------------------------------------

// RPCClient is the interface the pipeline uses for all Solana interactions.
// Implementations: LiveRPCClient (real JSON-RPC), StubRPCClient (testing).
type RPCClient interface {
	// GetTokenInfo fetches token metadata for a mint address.
	GetTokenInfo(ctx context.Context, mint Pubkey) (*TokenInfo, error)

	// GetRiskFactors fetches mint/freeze authority flags for a mint.
	GetRiskFactors(ctx context.Context, mint Pubkey) (*RiskFactors, error)

	// GetPoolPrice returns the current quote-per-base price and quote-side
	// liquidity for a pool.
	GetPoolPrice(ctx context.Context, baseMint, lpAddress Pubkey) (*PriceQuote, error)

	// GetLatestBlockhash returns a recent blockhash for transaction assembly.
	GetLatestBlockhash(ctx context.Context) (string, error)

	// SendTransaction submits a transaction to the network.
	SendTransaction(ctx context.Context, tx Transaction) (Signature, error)

	// ConfirmTransaction blocks until the transaction reaches confirmed
	// commitment or the context expires.
	ConfirmTransaction(ctx context.Context, sig Signature) (*Confirmation, error)

	// Health returns nil if the RPC endpoint is responsive.
	Health(ctx context.Context) error
}

// RPCConfig configures the Solana RPC client.
type RPCConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	Fallbacks    []string      `yaml:"fallbacks"`
	WSEndpoint   string        `yaml:"ws_endpoint"`
	Timeout      time.Duration `yaml:"timeout"`
	RateLimitRPS float64       `yaml:"rate_limit_rps"`
}

// DefaultRPCConfig returns mainnet defaults.
func DefaultRPCConfig() RPCConfig {
	return RPCConfig{
		Endpoint:     "https://api.mainnet-beta.solana.com",
		WSEndpoint:   "wss://api.mainnet-beta.solana.com",
		Timeout:      10 * time.Second,
		RateLimitRPS: 10,
	}
}
