package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/soloventures/advai/internal/clock"
)

func TestDoStopsWhenDone(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	calls := 0
	err := Policy{Interval: time.Second, MaxAttempts: 5}.Do(context.Background(), clk, func(context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if len(clk.Slept) != 2 {
		t.Fatalf("sleeps = %d, want 2", len(clk.Slept))
	}
}

func TestDoExhausts(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	calls := 0
	err := Policy{Interval: time.Second, MaxAttempts: 30}.Do(context.Background(), clk, func(context.Context) (bool, error) {
		calls++
		return false, nil
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if calls != 30 {
		t.Fatalf("calls = %d, want 30", calls)
	}
}

func TestDoAbortsOnError(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	boom := errors.New("boom")
	err := Policy{}.Do(context.Background(), clk, func(context.Context) (bool, error) {
		return false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestDoHonorsContextCancel(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Policy{Interval: time.Second, MaxAttempts: 10}.Do(ctx, clk, func(context.Context) (bool, error) {
		calls++
		if calls == 2 {
			cancel()
		}
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
