package throttle

import (
	"context"
	"errors"
	"testing"
	"time"
)

// stopError всегда запрещает ретраи.
type stopError struct{ msg string }

func (e stopError) Error() string   { return e.msg }
func (e stopError) StopRetry() bool { return true }

// waitError несёт серверную паузу для экстрактора.
type waitError struct{ wait time.Duration }

func (e waitError) Error() string { return "server asked to wait" }

func extractWaitErr(err error) (time.Duration, bool) {
	var we waitError
	if errors.As(err, &we) {
		return we.wait, true
	}
	return 0, false
}

// fastThrottler — троттлер без реальных пауз: высокая частота и нулевой джиттер.
func fastThrottler(opts ...Option) *Throttler {
	base := []Option{WithRandom(func() float64 { return 0.5 })} // джиттер-множитель 1.0
	return New(10000, append(base, opts...)...)
}

func TestDoSucceedsFirstTry(t *testing.T) {
	t.Parallel()

	calls := 0
	err := fastThrottler().Do(context.Background(), func() error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestDoStopsOnStopRetryer(t *testing.T) {
	t.Parallel()

	calls := 0
	err := fastThrottler().Do(context.Background(), func() error {
		calls++
		return stopError{msg: "denied"}
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	var se stopError
	if !errors.As(err, &se) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDoRespectsMaxRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	transient := errors.New("transient")
	err := fastThrottler(WithMaxRetries(2)).Do(context.Background(), func() error {
		calls++
		return transient
	})
	// Первая попытка + 2 ретрая.
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if !errors.Is(err, transient) {
		t.Fatalf("last error lost: %v", err)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	err := fastThrottler(WithMaxRetries(5)).Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestServerWaitDoesNotConsumeRetryBudget(t *testing.T) {
	t.Parallel()

	calls := 0
	err := fastThrottler(
		WithMaxRetries(1),
		WithWaitExtractors(extractWaitErr),
	).Do(context.Background(), func() error {
		calls++
		if calls < 4 {
			return waitError{wait: 0}
		}
		return nil
	})
	// Три серверные паузы не тратят бюджет из одного ретрая.
	if err != nil || calls != 4 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestDoReturnsOnCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fastThrottler().Do(ctx, func() error { return errors.New("never retried") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestSetMaxRetriesAppliesToNextDo(t *testing.T) {
	t.Parallel()

	tr := fastThrottler(WithMaxRetries(5))
	tr.SetMaxRetries(1)

	calls := 0
	_ = tr.Do(context.Background(), func() error {
		calls++
		return errors.New("transient")
	})
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (1 try + 1 retry)", calls)
	}
}

func TestExpBackoffGrowthAndCap(t *testing.T) {
	t.Parallel()

	tr := fastThrottler()

	if got := tr.expBackoff(0); got != backoffBase {
		t.Errorf("attempt 0: %v, want %v", got, backoffBase)
	}
	if got := tr.expBackoff(2); got != 4*backoffBase {
		t.Errorf("attempt 2: %v, want %v", got, 4*backoffBase)
	}
	if got := tr.expBackoff(30); got != backoffMax {
		t.Errorf("attempt 30: %v, want cap %v", got, backoffMax)
	}
}
