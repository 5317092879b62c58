package tasks

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

var fastRetry = RetryConfig{
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
	MaxElapsedTime:  time.Second,
}

// flakyStart returns a build func whose first n commands fail to start.
func flakyStart(n int, calls *int) func() *exec.Cmd {
	return func() *exec.Cmd {
		*calls++
		cmd := exec.Command("true")
		if *calls <= n {
			cmd.Err = errors.New("resource temporarily unavailable")
		}
		return cmd
	}
}

func TestStartWithRetryTransientThenSuccess(t *testing.T) {
	cb := NewBreakerRegistry(BreakerSettings{}, nil).Get("test")
	calls := 0

	cmd, err := startWithRetry(context.Background(), flakyStart(2, &calls), cb, fastRetry)
	if err != nil {
		t.Fatalf("startWithRetry: %v", err)
	}
	if err := cmd.Wait(); err != nil {
		t.Errorf("Wait: %v", err)
	}
	if calls != 3 {
		t.Errorf("build called %d times, want 3", calls)
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("breaker state = %s, want closed", cb.State())
	}
}

func TestStartWithRetryOpensBreaker(t *testing.T) {
	cb := NewBreakerRegistry(BreakerSettings{Failures: 2, Timeout: time.Minute}, nil).Get("flaky")
	calls := 0

	_, err := startWithRetry(context.Background(), flakyStart(100, &calls), cb, fastRetry)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("startWithRetry() error = %v, want ErrOpenState", err)
	}
	if calls != 2 {
		t.Errorf("build called %d times, want 2", calls)
	}

	// Open breaker fails fast without building a command.
	_, err = startWithRetry(context.Background(), flakyStart(0, &calls), cb, fastRetry)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("second startWithRetry() error = %v, want ErrOpenState", err)
	}
	if calls != 2 {
		t.Errorf("build called %d times after open, want 2", calls)
	}
}

func TestStartWithRetryCancelled(t *testing.T) {
	cb := NewBreakerRegistry(BreakerSettings{}, nil).Get("test")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0

	_, err := startWithRetry(ctx, flakyStart(0, &calls), cb, fastRetry)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("startWithRetry() error = %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Errorf("build called %d times, want 0", calls)
	}
}

func TestBreakerRegistryPerProfile(t *testing.T) {
	r := NewBreakerRegistry(BreakerSettings{}, nil)

	if r.Get("a") != r.Get("a") {
		t.Error("Get returned different breakers for the same profile")
	}
	if r.Get("a") == r.Get("b") {
		t.Error("profiles share a breaker")
	}
	if r.Get("a").Name() != "a" {
		t.Errorf("Name() = %q, want a", r.Get("a").Name())
	}
}
