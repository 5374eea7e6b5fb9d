package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Bounded retry with classified errors
// ---------------------------------------------------------------------------

// Sentinel errors for well-known retryable RPC failures. The live RPC client
// wraps raw responses in these so classification does not depend on endpoint
// specific message text.
var (
	ErrRateLimited      = errors.New("rate limited")
	ErrBlockhashExpired = errors.New("blockhash expired")
	ErrTimeout          = errors.New("request timed out")
)

// Permanent wraps an error so the retry loop aborts immediately even if the
// underlying cause would otherwise classify as retryable.
type Permanent struct {
	Err error
}

func (p Permanent) Error() string { return p.Err.Error() }
func (p Permanent) Unwrap() error { return p.Err }

// Retryable classifies an error as transient. Timeouts, rate limiting and
// stale blockhashes are retried; everything else aborts.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var perm Permanent
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrBlockhashExpired) || errors.Is(err, ErrTimeout) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// Fallback for collaborators that only surface message text.
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "rate limit", "blockhash not found", "timeout", "connection reset", "connection refused"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Policy is a bounded exponential backoff policy.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultPolicy mirrors the submission discipline used for buys and sells.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  4,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// Delay returns the backoff before the given attempt (0-based). Attempt 0 has
// no delay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := p.InitialDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do runs fn until it succeeds, exhausts MaxAttempts, returns a non-retryable
// error, or the context is cancelled.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if delay := p.Delay(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			log.Debug().Err(lastErr).Str("op", op).Int("attempt", attempt+1).
				Msg("retry: non-retryable error, aborting")
			return lastErr
		}
		log.Warn().Err(lastErr).Str("op", op).Int("attempt", attempt+1).
			Int("max", p.MaxAttempts).Msg("retry: transient failure")
	}
	return fmt.Errorf("%s: attempts exhausted: %w", op, lastErr)
}

// ---------------------------------------------------------------------------
// Reconnect backoff for long-lived subscriptions
// ---------------------------------------------------------------------------

// Backoff tracks reconnect delay for a long-lived stream: doubles on each
// failure up to Max, resets on success.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	current time.Duration
}

// Next returns the delay to wait before the next reconnect attempt.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Initial
		return b.current
	}
	b.current *= 2
	if b.current > b.Max {
		b.current = b.Max
	}
	return b.current
}

// Reset restores the initial delay after a successful connection.
func (b *Backoff) Reset() {
	b.current = 0
}
