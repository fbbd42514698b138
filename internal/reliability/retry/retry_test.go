package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsAfterFailures(t *testing.T) {
	cfg := &Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 2}
	calls := 0
	got, err := Do(context.Background(), cfg, nil, "connect", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("not yet")
		}
		return "ok", nil
	})
	if err != nil || got != "ok" || calls != 3 {
		t.Fatalf("got %q, err=%v, calls=%d", got, err, calls)
	}
}

func TestDoGivesUp(t *testing.T) {
	cfg := &Config{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1}
	sentinel := errors.New("down")
	_, err := Do(context.Background(), cfg, nil, "ping", func(context.Context) (int, error) { return 0, sentinel })
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected wrapped sentinel, got %v", err)
	}
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &Config{MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour, BackoffMultiplier: 1}
	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, cfg, nil, "ping", func(context.Context) (int, error) {
			calls++
			return 0, errors.New("down")
		})
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Do did not return after cancel")
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	cfg := &Config{InitialBackoff: time.Second, MaxBackoff: 3 * time.Second, BackoffMultiplier: 2}
	if got := Backoff(0, cfg); got != time.Second {
		t.Fatalf("Backoff(0) = %v", got)
	}
	if got := Backoff(5, cfg); got != 3*time.Second {
		t.Fatalf("Backoff(5) = %v", got)
	}
}
