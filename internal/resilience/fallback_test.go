package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newGroup(cfg FallbackConfig) *FallbackGroup[string] {
	if cfg.CircuitBreaker.MaxFailures == 0 {
		cfg.CircuitBreaker.MaxFailures = 3
	}
	fg := NewFallbackGroup("primary", "primary", cfg)
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	fg := newGroup(FallbackConfig{})

	var called string
	err := fg.Execute(context.Background(), func(_ context.Context, v string) error {
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "primary" {
		t.Fatalf("called = %q, want primary", called)
	}
}

func TestFallbackGroup_PrimaryFailFallbackSuccess(t *testing.T) {
	fg := newGroup(FallbackConfig{})

	var called []string
	err := fg.Execute(context.Background(), func(_ context.Context, v string) error {
		called = append(called, v)
		if v == "primary" {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(called) != 2 || called[1] != "secondary" {
		t.Fatalf("called = %v, want [primary secondary]", called)
	}
}

func TestFallbackGroup_AllFailKeepsCause(t *testing.T) {
	fg := newGroup(FallbackConfig{})

	err := fg.Execute(context.Background(), func(context.Context, string) error {
		return errTest
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want the last provider error in the chain", err)
	}
}

func TestFallbackGroup_SingleEntryReturnsErrorUnchanged(t *testing.T) {
	fg := NewFallbackGroup("only", "only", FallbackConfig{})

	err := fg.Execute(context.Background(), func(context.Context, string) error { return errTest })
	if err != errTest {
		t.Fatalf("err = %v, want errTest unchanged", err)
	}
}

func TestFallbackGroup_CircuitBreakerSkipsOpenProvider(t *testing.T) {
	fg := newGroup(FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})

	// Fail the primary enough to open its breaker.
	for i := 0; i < 2; i++ {
		_ = fg.Execute(context.Background(), func(_ context.Context, v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}
	if got := fg.States()["primary"]; got != StateOpen {
		t.Fatalf("primary state = %v, want open", got)
	}

	var called []string
	err := fg.Execute(context.Background(), func(_ context.Context, v string) error {
		called = append(called, v)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(called) != 1 || called[0] != "secondary" {
		t.Fatalf("called = %v, want only secondary (primary circuit open)", called)
	}
	if !fg.Available() {
		t.Error("Available() = false with a closed secondary")
	}
}

func TestFallbackGroup_AvailableFalseWhenAllOpen(t *testing.T) {
	fg := newGroup(FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	_ = fg.Execute(context.Background(), func(context.Context, string) error { return errTest })

	if fg.Available() {
		t.Fatal("Available() = true with every breaker open")
	}
	err := fg.Execute(context.Background(), func(context.Context, string) error { return nil })
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping ErrCircuitOpen", err)
	}
}

func TestFallbackGroup_StopsWhenContextDone(t *testing.T) {
	fg := newGroup(FallbackConfig{})
	ctx, cancel := context.WithCancel(context.Background())

	var called []string
	err := fg.Execute(ctx, func(ctx context.Context, v string) error {
		called = append(called, v)
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(called) != 1 {
		t.Fatalf("called = %v, a cancelled call must not fail over", called)
	}
	if got := fg.States()["primary"]; got != StateClosed {
		t.Fatalf("primary state = %v, cancellation must not count as failure", got)
	}
}

func TestFallbackGroup_PermanentErrorStopsWalk(t *testing.T) {
	errBadInput := errors.New("bad input")
	fg := newGroup(FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
		Permanent:      func(err error) bool { return errors.Is(err, errBadInput) },
	})

	var called []string
	err := fg.Execute(context.Background(), func(_ context.Context, v string) error {
		called = append(called, v)
		return errBadInput
	})
	if !errors.Is(err, errBadInput) || errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want errBadInput unwrapped", err)
	}
	if len(called) != 1 {
		t.Fatalf("called = %v, want primary only", called)
	}
	if got := fg.States()["primary"]; got != StateClosed {
		t.Fatalf("primary state = %v, permanent errors must not trip the breaker", got)
	}
}

func TestFallbackGroup_ObserverSeesEveryAttempt(t *testing.T) {
	type obs struct {
		name string
		err  error
	}
	var (
		mu  sync.Mutex
		got []obs
	)
	fg := newGroup(FallbackConfig{
		Observer: func(_ context.Context, name string, d time.Duration, err error) {
			if d < 0 {
				t.Errorf("negative duration %v", d)
			}
			mu.Lock()
			got = append(got, obs{name, err})
			mu.Unlock()
		},
	})

	_ = fg.Execute(context.Background(), func(_ context.Context, v string) error {
		if v == "primary" {
			return errTest
		}
		return nil
	})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("observed %d attempts, want 2", len(got))
	}
	if got[0].name != "primary" || got[0].err != errTest {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].name != "secondary" || got[1].err != nil {
		t.Errorf("second = %+v", got[1])
	}
}

func TestFallbackGroup_Names(t *testing.T) {
	fg := newGroup(FallbackConfig{})
	fg.AddFallback("tertiary", "tertiary")

	names := fg.Names()
	want := []string{"primary", "secondary", "tertiary"}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Names() = %v, want %v", names, want)
		}
	}
	if fg.Primary() != "primary" {
		t.Errorf("Primary() = %q", fg.Primary())
	}
}

func TestExecuteWithResult_Failover(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("twenty", 20)

	result, err := ExecuteWithResult(context.Background(), fg, func(_ context.Context, v int) (string, error) {
		if v == 10 {
			return "", errTest
		}
		return "from-twenty", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "from-twenty" {
		t.Fatalf("result = %q, want from-twenty", result)
	}
}
