// Package resiliency implements the retry discipline shared by every
// outbound call: exponential backoff with crypto/rand jitter, a bounded
// attempt budget, and retrying only errors classified as retryable.
// Permanent (4xx-class) failures surface immediately.
package resiliency

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/brandmeonline/integrity-spine/pkg/errkind"
)

// Policy is one call site's retry budget.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	// Cap bounds a single backoff interval. Zero means uncapped.
	Cap time.Duration
}

// DefaultPolicy suits sibling-service calls.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Base: 100 * time.Millisecond, Cap: 10 * time.Second}
}

// AnchorPolicy is the ledger submission budget: up to attempts tries with
// the configured base interval (production default 120 s, 5 attempts).
func AnchorPolicy(base time.Duration, attempts int) Policy {
	if attempts < 1 {
		attempts = 1
	}
	if base <= 0 {
		base = time.Second
	}
	return Policy{MaxAttempts: attempts, Base: base}
}

// Retry runs op until it succeeds, exhausts the budget, or fails with a
// non-retryable error. The sleep between attempts honors ctx cancellation;
// a cancelled context abandons further retries and returns ctx.Err().
func Retry(ctx context.Context, p Policy, op func(context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		err = op(ctx)
		if err == nil {
			return nil
		}
		if !errkind.Retryable(err) {
			return err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffFor(p, attempt)):
		}
	}
	return err
}

// backoffFor computes base * 2^attempt plus jitter in [0, backoff/2).
func backoffFor(p Policy, attempt int) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(attempt))) * p.Base
	if p.Cap > 0 && backoff > p.Cap {
		backoff = p.Cap
	}
	jitter := time.Duration(0)
	if bound := int64(backoff / 2); bound > 0 {
		if n, err := rand.Int(rand.Reader, big.NewInt(bound)); err == nil {
			jitter = time.Duration(n.Int64())
		}
	}
	return backoff + jitter
}
