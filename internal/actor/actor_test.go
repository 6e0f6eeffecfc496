package actor

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/mohammad-safakhou/deedflow/config"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func fastRetry(attempts int) config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		Multiplier:   1,
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	exec := New(fastRetry(3), testLogger())
	calls := 0
	err := exec.Do(context.Background(), "click", func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	exec := New(fastRetry(3), testLogger())
	calls := 0
	err := exec.Do(context.Background(), "type", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoExhaustsAttemptsAndPropagates(t *testing.T) {
	exec := New(fastRetry(3), testLogger())
	calls := 0
	final := errors.New("element not found")
	err := exec.Do(context.Background(), "click", func(ctx context.Context) error {
		calls++
		return final
	})
	if !errors.Is(err, final) {
		t.Fatalf("expected final error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected exactly maxAttempts calls, got %d", calls)
	}
}

func TestDoInvokesRetryHook(t *testing.T) {
	var hooked []int
	exec := New(fastRetry(2), testLogger(), WithRetryHook(func(name string, attempt int) {
		hooked = append(hooked, attempt)
	}))
	_ = exec.Do(context.Background(), "click", func(ctx context.Context) error {
		return errors.New("boom")
	})
	if len(hooked) != 2 || hooked[0] != 1 || hooked[1] != 2 {
		t.Fatalf("unexpected hook calls: %v", hooked)
	}
}

func TestDoStopsOnContextCancel(t *testing.T) {
	exec := New(config.RetryConfig{MaxAttempts: 10, InitialDelay: 50 * time.Millisecond, Multiplier: 1}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := exec.Do(ctx, "click", func(ctx context.Context) error {
		calls++
		return errors.New("keep failing")
	})
	if err == nil {
		t.Fatalf("expected error after cancellation")
	}
	if calls >= 10 {
		t.Fatalf("expected cancellation to cut retries short, got %d calls", calls)
	}
}
