package database

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Backoff retries an operation with exponentially growing, jittered delays.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration

	// Jitter adds up to this fraction of the delay at random.
	Jitter float64
}

// DefaultBackoff is used for reconnects.
var DefaultBackoff = Backoff{Attempts: 6, Base: 100 * time.Millisecond, Max: 30 * time.Second, Jitter: 0.25}

// Do calls fn until it succeeds, Attempts calls failed or ctx is done.
func (b Backoff) Do(ctx context.Context, fn func() error) error {
	attempts := max(b.Attempts, 1)
	var err error
	for attempt := range attempts {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		timer := time.NewTimer(b.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}

// Delay returns how long to wait after the given zero-based failed attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base << min(attempt, 30)
	if d <= 0 || (b.Max > 0 && d > b.Max) {
		d = b.Max
	}
	if b.Jitter > 0 {
		d += time.Duration(rand.Float64() * b.Jitter * float64(d))
	}
	return d
}
