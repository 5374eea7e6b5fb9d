package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quarry-trading/quarry/internal/retry"
)

// ---------------------------------------------------------------------------
// Live RPC Client — real Solana JSON-RPC with rate limiting & fallbacks
// ---------------------------------------------------------------------------

// LiveRPCClient connects to a real Solana RPC endpoint, rotating to fallback
// endpoints when the primary fails.
type LiveRPCClient struct {
	config     RPCConfig
	httpClient *http.Client

	// Token bucket rate limiter.
	limiter       chan struct{}
	limiterCancel context.CancelFunc

	// Endpoint rotation.
	mu        sync.Mutex
	endpoints []string
	active    int

	// Static blacklist of authorities, loaded from config.
	blacklist map[Pubkey]struct{}

	nextID       atomic.Int64
	requestCount atomic.Int64
	errorCount   atomic.Int64
}

// NewLiveRPCClient creates a live Solana RPC client.
func NewLiveRPCClient(config RPCConfig) *LiveRPCClient {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.RateLimitRPS == 0 {
		config.RateLimitRPS = 10
	}

	bucketSize := int(config.RateLimitRPS)
	if bucketSize < 1 {
		bucketSize = 1
	}
	limiter := make(chan struct{}, bucketSize)
	for i := 0; i < bucketSize; i++ {
		limiter <- struct{}{}
	}

	limiterCtx, limiterCancel := context.WithCancel(context.Background())

	endpoints := append([]string{config.Endpoint}, config.Fallbacks...)

	c := &LiveRPCClient{
		config:        config,
		httpClient:    &http.Client{Timeout: config.Timeout},
		limiter:       limiter,
		limiterCancel: limiterCancel,
		endpoints:     endpoints,
		blacklist:     make(map[Pubkey]struct{}),
	}

	// Refill tokens at the configured RPS.
	go func() {
		interval := time.Duration(float64(time.Second) / config.RateLimitRPS)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-limiterCtx.Done():
				return
			case <-ticker.C:
				select {
				case c.limiter <- struct{}{}:
				default: // bucket full
				}
			}
		}
	}()

	return c
}

// Close shuts down the RPC client.
func (c *LiveRPCClient) Close() {
	c.limiterCancel()
}

// SetBlacklist replaces the authority blacklist.
func (c *LiveRPCClient) SetBlacklist(addrs []Pubkey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blacklist = make(map[Pubkey]struct{}, len(addrs))
	for _, a := range addrs {
		c.blacklist[a] = struct{}{}
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// call performs one JSON-RPC request against the active endpoint, rotating on
// transport failure. Rate-limit and timeout failures are wrapped in the retry
// package's sentinels so callers can classify them.
func (c *LiveRPCClient) call(ctx context.Context, method string, params []any, out any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.limiter:
	}

	c.requestCount.Add(1)

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}

	c.mu.Lock()
	endpoint := c.endpoints[c.active]
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.errorCount.Add(1)
		c.rotate(endpoint)
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", method, retry.ErrTimeout)
		}
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		c.errorCount.Add(1)
		return fmt.Errorf("%s: %w", method, retry.ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		c.errorCount.Add(1)
		c.rotate(endpoint)
		return fmt.Errorf("%s: http status %d", method, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		c.errorCount.Add(1)
		return fmt.Errorf("%s: read response: %w", method, err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		c.errorCount.Add(1)
		if rpcResp.Error.Code == -32002 { // BlockhashNotFound
			return fmt.Errorf("%s: %w", method, retry.ErrBlockhashExpired)
		}
		return fmt.Errorf("%s: rpc error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}

	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}

// rotate advances to the next endpoint if the failed one is still active.
func (c *LiveRPCClient) rotate(failed string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.endpoints) < 2 || c.endpoints[c.active] != failed {
		return
	}
	c.active = (c.active + 1) % len(c.endpoints)
	log.Warn().Str("failed", failed).Str("next", c.endpoints[c.active]).
		Msg("rpc: rotating to fallback endpoint")
}

// --- Interface implementation ---

// mintAccountInfo is the jsonParsed layout of an SPL mint account.
type mintAccountInfo struct {
	Value struct {
		Data struct {
			Parsed struct {
				Info struct {
					Decimals        uint8   `json:"decimals"`
					MintAuthority   *string `json:"mintAuthority"`
					FreezeAuthority *string `json:"freezeAuthority"`
				} `json:"info"`
			} `json:"parsed"`
		} `json:"data"`
	} `json:"value"`
}

func (c *LiveRPCClient) getMintAccount(ctx context.Context, mint Pubkey) (*mintAccountInfo, error) {
	var info mintAccountInfo
	params := []any{string(mint), map[string]any{"encoding": "jsonParsed"}}
	if err := c.call(ctx, "getAccountInfo", params, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *LiveRPCClient) GetTokenInfo(ctx context.Context, mint Pubkey) (*TokenInfo, error) {
	info, err := c.getMintAccount(ctx, mint)
	if err != nil {
		return nil, err
	}
	return &TokenInfo{
		Mint:     mint,
		Decimals: info.Value.Data.Parsed.Info.Decimals,
	}, nil
}

func (c *LiveRPCClient) GetRiskFactors(ctx context.Context, mint Pubkey) (*RiskFactors, error) {
	info, err := c.getMintAccount(ctx, mint)
	if err != nil {
		return nil, err
	}
	parsed := info.Value.Data.Parsed.Info

	blacklisted := false
	c.mu.Lock()
	if parsed.MintAuthority != nil {
		_, blacklisted = c.blacklist[Pubkey(*parsed.MintAuthority)]
	}
	c.mu.Unlock()

	return &RiskFactors{
		HasMintAuthority:   parsed.MintAuthority != nil,
		HasFreezeAuthority: parsed.FreezeAuthority != nil,
		Decimals:           parsed.Decimals,
		IsBlacklisted:      blacklisted,
	}, nil
}

// tokenBalanceResult is the layout of getTokenAccountBalance.
type tokenBalanceResult struct {
	Value struct {
		UIAmountString string `json:"uiAmountString"`
	} `json:"value"`
}

// GetPoolPrice derives price from the pool's vault balances. The ratio math
// here is deliberately naive; the pipeline treats this as an oracle.
func (c *LiveRPCClient) GetPoolPrice(ctx context.Context, baseMint, lpAddress Pubkey) (*PriceQuote, error) {
	var vaults struct {
		Value []struct {
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							Mint        string `json:"mint"`
							TokenAmount struct {
								UIAmountString string `json:"uiAmountString"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}
	params := []any{
		string(lpAddress),
		map[string]any{"programId": string(TokenProgram)},
		map[string]any{"encoding": "jsonParsed"},
	}
	if err := c.call(ctx, "getTokenAccountsByOwner", params, &vaults); err != nil {
		return nil, err
	}

	baseReserve := decimal.Zero
	quoteReserve := decimal.Zero
	for _, v := range vaults.Value {
		amt, err := decimal.NewFromString(v.Account.Data.Parsed.Info.TokenAmount.UIAmountString)
		if err != nil {
			continue
		}
		if Pubkey(v.Account.Data.Parsed.Info.Mint) == baseMint {
			baseReserve = amt
		} else {
			quoteReserve = amt
		}
	}
	if baseReserve.IsZero() {
		return nil, fmt.Errorf("pool %s: no base reserve found", lpAddress)
	}

	return &PriceQuote{
		Price:     quoteReserve.Div(baseReserve),
		Liquidity: quoteReserve,
		FetchedAt: time.Now(),
	}, nil
}

func (c *LiveRPCClient) GetLatestBlockhash(ctx context.Context) (string, error) {
	var result struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash", nil, &result); err != nil {
		return "", err
	}
	return result.Value.Blockhash, nil
}

func (c *LiveRPCClient) SendTransaction(ctx context.Context, tx Transaction) (Signature, error) {
	encoded, err := json.Marshal(tx)
	if err != nil {
		return "", fmt.Errorf("encode transaction: %w", err)
	}
	var sig string
	params := []any{string(encoded), map[string]any{"skipPreflight": false}}
	if err := c.call(ctx, "sendTransaction", params, &sig); err != nil {
		return "", err
	}
	return Signature(sig), nil
}

func (c *LiveRPCClient) ConfirmTransaction(ctx context.Context, sig Signature) (*Confirmation, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		var result struct {
			Value []*struct {
				Slot               uint64          `json:"slot"`
				ConfirmationStatus string          `json:"confirmationStatus"`
				Err                json.RawMessage `json:"err"`
			} `json:"value"`
		}
		params := []any{[]string{string(sig)}}
		if err := c.call(ctx, "getSignatureStatuses", params, &result); err != nil {
			return nil, err
		}

		if len(result.Value) > 0 && result.Value[0] != nil {
			status := result.Value[0]
			if status.ConfirmationStatus == "confirmed" || status.ConfirmationStatus == "finalized" {
				conf := &Confirmation{Signature: sig, Slot: status.Slot}
				if len(status.Err) > 0 && string(status.Err) != "null" {
					conf.Err = string(status.Err)
				}
				return conf, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("confirm %s: %w", sig, retry.ErrTimeout)
		case <-ticker.C:
		}
	}
}

func (c *LiveRPCClient) Health(ctx context.Context) error {
	var status string
	if err := c.call(ctx, "getHealth", nil, &status); err != nil {
		return err
	}
	if status != "ok" {
		return fmt.Errorf("rpc health: %s", status)
	}
	return nil
}

// Stats returns request counters for the status facade.
func (c *LiveRPCClient) Stats() (requests, errors int64) {
	return c.requestCount.Load(), c.errorCount.Load()
}
