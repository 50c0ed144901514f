// Package retry runs idempotent operations with exponential backoff and
// jitter.
package retry

import (
	"context"
	"time"

	"github.com/aura-labs/aura"
	"go.dedis.ch/onet/v3/log"
)

// Policy configures retries.
type Policy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
	// Jitter returns a value in [0, n). A nil Jitter disables jitter.
	Jitter func(n uint64) uint64
	// Retryable decides whether an error is transient. A nil Retryable
	// retries every error.
	Retryable func(error) bool
}

// Delay returns the wait before the given attempt (starting at 1).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Base << uint(attempt-1)
	if p.Max > 0 && (d > p.Max || d <= 0) {
		d = p.Max
	}
	if p.Jitter != nil && d > 0 {
		d = d/2 + time.Duration(p.Jitter(uint64(d/2)+1))
	}
	return d
}

// Do runs fn until it succeeds, returns a permanent error, the attempts
// are exhausted or ctx is done.
func Do(ctx context.Context, p Policy, what string, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if i == attempts {
			break
		}
		d := p.Delay(i)
		log.Lvlf3("%s failed (attempt %d/%d), retrying in %v: %v", what, i, attempts, d, err)
		select {
		case <-ctx.Done():
			return aura.Errorf(aura.KindTimedOut, "%s: %v", what, ctx.Err())
		case <-time.After(d):
		}
	}
	return aura.ErrorOrNil(err, what+": giving up after retries")
}
