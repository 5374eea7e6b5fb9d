package solana

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Stub RPC Client (for testing and development)
// ---------------------------------------------------------------------------

// StubRPCClient is an in-memory RPC client for tests.
type StubRPCClient struct {
	mu         sync.Mutex
	tokens     map[Pubkey]*TokenInfo
	risks      map[Pubkey]*RiskFactors
	prices     map[Pubkey]*PriceQuote
	blockhash  string
	confirmErr string // non-empty = confirmed transactions report this execution error
	failNext   bool

	sendCount    int
	confirmCount int
	sentTxs      []Transaction
}

// NewStubRPCClient creates a stub RPC client.
func NewStubRPCClient() *StubRPCClient {
	return &StubRPCClient{
		tokens:    make(map[Pubkey]*TokenInfo),
		risks:     make(map[Pubkey]*RiskFactors),
		prices:    make(map[Pubkey]*PriceQuote),
		blockhash: "StubB1ockhash1111111111111111111111111111111",
	}
}

// AddToken registers token metadata for the stub to return.
func (s *StubRPCClient) AddToken(info TokenInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[info.Mint] = &info
}

// AddRiskFactors registers risk factors for a mint.
func (s *StubRPCClient) AddRiskFactors(mint Pubkey, rf RiskFactors) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.risks[mint] = &rf
}

// SetPrice sets the price quote returned for a base mint.
func (s *StubRPCClient) SetPrice(baseMint Pubkey, price, liquidity float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[baseMint] = &PriceQuote{
		Price:     decimal.NewFromFloat(price),
		Liquidity: decimal.NewFromFloat(liquidity),
		FetchedAt: time.Now(),
	}
}

// SetFailNext makes the next call fail.
func (s *StubRPCClient) SetFailNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = true
}

// SetConfirmError makes confirmations report a transaction execution error.
func (s *StubRPCClient) SetConfirmError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmErr = msg
}

// SentTransactions returns every transaction submitted through the stub.
func (s *StubRPCClient) SentTransactions() []Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transaction, len(s.sentTxs))
	copy(out, s.sentTxs)
	return out
}

func (s *StubRPCClient) shouldFail() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return true
	}
	return false
}

// --- Interface implementation ---

func (s *StubRPCClient) GetTokenInfo(_ context.Context, mint Pubkey) (*TokenInfo, error) {
	if s.shouldFail() {
		return nil, fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if info, ok := s.tokens[mint]; ok {
		return info, nil
	}
	return nil, fmt.Errorf("stub: token %s not found", mint)
}

func (s *StubRPCClient) GetRiskFactors(_ context.Context, mint Pubkey) (*RiskFactors, error) {
	if s.shouldFail() {
		return nil, fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rf, ok := s.risks[mint]; ok {
		return rf, nil
	}
	return nil, fmt.Errorf("stub: risk factors for %s not found", mint)
}

func (s *StubRPCClient) GetPoolPrice(_ context.Context, baseMint, _ Pubkey) (*PriceQuote, error) {
	if s.shouldFail() {
		return nil, fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.prices[baseMint]; ok {
		return q, nil
	}
	return nil, fmt.Errorf("stub: no price for %s", baseMint)
}

func (s *StubRPCClient) GetLatestBlockhash(_ context.Context) (string, error) {
	if s.shouldFail() {
		return "", fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blockhash, nil
}

func (s *StubRPCClient) SendTransaction(_ context.Context, tx Transaction) (Signature, error) {
	if s.shouldFail() {
		return "", fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendCount++
	s.sentTxs = append(s.sentTxs, tx)
	return Signature(fmt.Sprintf("stub-sig-%d", s.sendCount)), nil
}

func (s *StubRPCClient) ConfirmTransaction(_ context.Context, sig Signature) (*Confirmation, error) {
	if s.shouldFail() {
		return nil, fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmCount++
	return &Confirmation{Signature: sig, Slot: uint64(s.confirmCount), Err: s.confirmErr}, nil
}

func (s *StubRPCClient) Health(_ context.Context) error {
	if s.shouldFail() {
		return fmt.Errorf("stub: simulated RPC failure")
	}
	return nil
}
