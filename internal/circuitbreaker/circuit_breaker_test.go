package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/goleak"
)

var errUpstream = errors.New("upstream failure")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(config Config) (*CircuitBreaker, *fakeClock) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests

	clock := &fakeClock{now: time.Date(2025, 12, 15, 9, 0, 0, 0, time.UTC)}
	cb := New(config, logger)
	cb.now = clock.Now
	return cb, clock
}

func fail(ctx context.Context) error    { return errUpstream }
func succeed(ctx context.Context) error { return nil }

func TestOpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "square", MaxFailures: 3, Timeout: time.Second})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, fail); !errors.Is(err, errUpstream) {
			t.Fatalf("attempt %d: expected upstream error, got %v", i, err)
		}
	}

	if cb.State() != StateOpen {
		t.Fatalf("Expected StateOpen, got %s", cb.State())
	}

	called := false
	err := cb.Execute(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Errorf("Expected ErrCircuitBreakerOpen, got %v", err)
	}
	if called {
		t.Error("Guarded function must not run while the breaker is open")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(Config{MaxFailures: 2, Timeout: time.Second})
	ctx := context.Background()

	cb.Execute(ctx, fail)
	cb.Execute(ctx, succeed)
	cb.Execute(ctx, fail)

	if cb.State() != StateClosed {
		t.Errorf("Expected StateClosed, got %s", cb.State())
	}
}

func TestHalfOpenRecovery(t *testing.T) {
	cb, clock := newTestBreaker(Config{MaxFailures: 1, Timeout: time.Second, MaxRequests: 1})
	ctx := context.Background()

	cb.Execute(ctx, fail)
	if cb.State() != StateOpen {
		t.Fatalf("Expected StateOpen, got %s", cb.State())
	}

	clock.Advance(1500 * time.Millisecond)

	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("Expected trial request to pass, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected StateClosed after successful trial, got %s", cb.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(Config{MaxFailures: 3, Timeout: time.Second})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cb.Execute(ctx, fail)
	}
	clock.Advance(2 * time.Second)

	cb.Execute(ctx, fail)
	if cb.State() != StateOpen {
		t.Errorf("Expected a failed trial to reopen the breaker, got %s", cb.State())
	}
}

func TestHalfOpenLimitsTrialRequests(t *testing.T) {
	cb, clock := newTestBreaker(Config{MaxFailures: 1, Timeout: time.Second, MaxRequests: 1})
	ctx := context.Background()

	cb.Execute(ctx, fail)
	clock.Advance(2 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := cb.Execute(ctx, succeed); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Errorf("Expected second trial to be rejected, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("Expected first trial to succeed, got %v", err)
	}
}

func TestIsFailureFiltersErrors(t *testing.T) {
	errClient := errors.New("bad request")
	cb, _ := newTestBreaker(Config{
		MaxFailures: 1,
		Timeout:     time.Second,
		IsFailure: func(err error) bool {
			return !errors.Is(err, errClient)
		},
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := cb.Execute(ctx, func(ctx context.Context) error { return errClient })
		if !errors.Is(err, errClient) {
			t.Fatalf("Expected client error to pass through, got %v", err)
		}
	}

	if cb.State() != StateClosed {
		t.Errorf("Client errors must not open the breaker, got %s", cb.State())
	}
}

func TestMetricsCountRejections(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "metrics", MaxFailures: 1, Timeout: time.Minute})
	ctx := context.Background()

	cb.Execute(ctx, succeed)
	cb.Execute(ctx, fail)
	cb.Execute(ctx, succeed)
	cb.Execute(ctx, succeed)

	metrics := cb.Metrics()
	if got := metrics["total_requests"].(int64); got != 2 {
		t.Errorf("Expected 2 attempted requests, got %d", got)
	}
	if got := metrics["total_rejected"].(int64); got != 2 {
		t.Errorf("Expected 2 rejected requests, got %d", got)
	}
	if got := metrics["total_successes"].(int64) + metrics["total_failures"].(int64); got != 2 {
		t.Errorf("Expected successes+failures to equal attempts, got %d", got)
	}
}

func TestStateChangeCallback(t *testing.T) {
	defer goleak.VerifyNone(t)

	changes := make(chan State, 4)
	cb, _ := newTestBreaker(Config{
		MaxFailures: 1,
		Timeout:     time.Second,
		OnStateChange: func(name string, from State, to State) {
			changes <- to
		},
	})

	cb.Execute(context.Background(), fail)

	select {
	case to := <-changes:
		if to != StateOpen {
			t.Errorf("Expected transition to open, got %s", to)
		}
	case <-time.After(time.Second):
		t.Fatal("State change callback was not invoked")
	}
}

func TestReset(t *testing.T) {
	cb, _ := newTestBreaker(Config{MaxFailures: 1, Timeout: time.Minute})

	cb.Execute(context.Background(), fail)
	cb.Reset()

	if cb.State() != StateClosed {
		t.Errorf("Expected StateClosed after reset, got %s", cb.State())
	}
	if err := cb.Execute(context.Background(), succeed); err != nil {
		t.Errorf("Expected request to pass after reset, got %v", err)
	}
}
