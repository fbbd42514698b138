package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreakerTripsAndRecovers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var transitions []string
	cb := New("jwks", 2, 1, 30*time.Second,
		WithClock(func() time.Time { return now }),
		OnStateChange(func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		}),
	)

	boom := errors.New("boom")
	fail := func(context.Context) error { return boom }
	ok := func(context.Context) error { return nil }

	for i := 0; i < 2; i++ {
		if err := cb.Execute(context.Background(), fail); !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}
	if err := cb.Execute(context.Background(), ok); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}

	now = now.Add(31 * time.Second)
	if err := cb.Execute(context.Background(), ok); err != nil {
		t.Fatalf("expected half-open probe to run, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %s", cb.State())
	}

	want := []string{"closed->open", "open->half_open", "half_open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v", transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cb := New("discovery", 1, 2, time.Second, WithClock(func() time.Time { return now }))
	cb.RecordFailure()
	now = now.Add(2 * time.Second)
	if !cb.AllowRequest() {
		t.Fatalf("expected probe to be allowed")
	}
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("expected reopen, got %s", cb.State())
	}
}

func TestCancellationNotCounted(t *testing.T) {
	cb := New("x", 1, 1, time.Minute)
	_ = cb.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	if cb.State() != StateClosed {
		t.Fatalf("cancellation should not trip breaker")
	}
}
