package swap

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quarry-trading/quarry/internal/solana"
)

// ---------------------------------------------------------------------------
// Simulated client — dry-run execution without touching the network
// ---------------------------------------------------------------------------

// SimulatedBlockhash stands in for a real blockhash on dry-run transactions,
// avoiding the network round-trip a real one would need.
const SimulatedBlockhash = "DRYRUN"

// SimulatedClient mimics swap execution. Submit synthesizes a recognizable
// signature and Confirm resolves after the configured latency, succeeding
// with the configured probability. No network traffic ever leaves this type.
type SimulatedClient struct {
	tag         string // embedded in synthetic signatures, e.g. "BUY" or "SELL"
	successRate float64
	latency     time.Duration

	mu        sync.Mutex
	rng       *rand.Rand
	submitted []solana.Signature
}

// NewSimulatedClient creates a simulated swap client. The tag distinguishes
// buy-side from sell-side signatures in logs and events.
func NewSimulatedClient(tag string, successRate float64, latency time.Duration) *SimulatedClient {
	return &SimulatedClient{
		tag:         strings.ToUpper(tag),
		successRate: successRate,
		latency:     latency,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *SimulatedClient) Submit(_ context.Context, tx solana.Transaction) (solana.Signature, error) {
	if len(tx.Instructions) == 0 {
		return "", fmt.Errorf("submit: empty transaction")
	}
	sig := solana.Signature(fmt.Sprintf("DRYRUN-%s-%s", c.tag, uuid.NewString()[:12]))

	c.mu.Lock()
	c.submitted = append(c.submitted, sig)
	c.mu.Unlock()
	return sig, nil
}

func (c *SimulatedClient) Confirm(ctx context.Context, sig solana.Signature) (*solana.Confirmation, error) {
	if c.latency > 0 {
		timer := time.NewTimer(c.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	c.mu.Lock()
	roll := c.rng.Float64()
	c.mu.Unlock()

	conf := &solana.Confirmation{Signature: sig}
	if roll >= c.successRate {
		conf.Err = "simulated execution failure"
	}
	return conf, nil
}

// Submitted returns all signatures issued so far, for tests and stats.
func (c *SimulatedClient) Submitted() []solana.Signature {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]solana.Signature, len(c.submitted))
	copy(out, c.submitted)
	return out
}
