package retry

import (
	"context"
	"errors"
	"time"

	"github.com/soloventures/advai/internal/clock"
)

// ErrExhausted is returned when every attempt reported not-done without a
// hard error.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy is a fixed-interval polling policy.
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
}

func (p Policy) withDefaults() Policy {
	if p.Interval <= 0 {
		p.Interval = time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 30
	}
	return p
}

// Do invokes fn up to MaxAttempts times, sleeping Interval between attempts
// through the supplied clock. fn reports done=true to stop. A non-nil error
// from fn aborts immediately.
func (p Policy) Do(ctx context.Context, clk clock.Clock, fn func(ctx context.Context) (done bool, err error)) error {
	p = p.withDefaults()
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := clk.Sleep(ctx, p.Interval); err != nil {
				return err
			}
		}
		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return ErrExhausted
}
