package resiliency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brandmeonline/integrity-spine/pkg/errkind"
)

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Policy{MaxAttempts: 5, Base: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errkind.New(errkind.ServiceUnavailable, "adapter down")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_ExhaustsBudget(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Policy{MaxAttempts: 4, Base: time.Millisecond}, func(context.Context) error {
		calls++
		return errkind.New(errkind.Timeout, "submit timed out")
	})
	if err == nil {
		t.Fatal("expected error after exhausting budget")
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
	if errkind.KindOf(err) != errkind.Timeout {
		t.Errorf("kind = %s", errkind.KindOf(err))
	}
}

func TestRetry_PermanentErrorNotRetried(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Policy{MaxAttempts: 5, Base: time.Millisecond}, func(context.Context) error {
		calls++
		return errkind.New(errkind.PermissionDenied, "ledger rejected submission")
	})
	if err == nil {
		t.Fatal("expected permanent error to surface")
	}
	if calls != 1 {
		t.Errorf("permanent error retried: calls = %d", calls)
	}
}

func TestRetry_CancellationAbandonsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	errc := make(chan error, 1)
	go func() {
		errc <- Retry(ctx, Policy{MaxAttempts: 10, Base: 50 * time.Millisecond}, func(context.Context) error {
			calls++
			return errkind.New(errkind.ServiceUnavailable, "down")
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Retry did not return after cancellation")
	}
	if calls > 2 {
		t.Errorf("calls after cancel = %d", calls)
	}
}

func TestBackoffFor_GrowsAndCaps(t *testing.T) {
	p := Policy{MaxAttempts: 10, Base: 10 * time.Millisecond, Cap: 40 * time.Millisecond}

	for attempt := 0; attempt < 6; attempt++ {
		b := backoffFor(p, attempt)
		// backoff is capped at Cap plus at most half of Cap jitter.
		if b > p.Cap+p.Cap/2 {
			t.Errorf("attempt %d backoff %v exceeds cap+jitter bound", attempt, b)
		}
		if b < p.Base {
			t.Errorf("attempt %d backoff %v below base", attempt, b)
		}
	}
}
