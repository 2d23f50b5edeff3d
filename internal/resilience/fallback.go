package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has an
// open circuit breaker. The last provider error stays reachable through
// errors.Is, so callers can still classify the failure.
var ErrAllFailed = errors.New("all providers failed")

// Observer is notified after every provider attempt that actually ran.
// Attempts rejected by an open breaker are not reported.
type Observer func(ctx context.Context, provider string, d time.Duration, err error)

// FallbackConfig configures the per-entry circuit breaker created for each
// provider in a [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// Permanent, if set, classifies errors that another provider cannot fix
	// (e.g. text with nothing speakable). Such an error ends the walk.
	Permanent func(error) bool

	// Observer, if set, receives the outcome of every attempt.
	Observer Observer
}

// fallbackEntry pairs a provider value with its dedicated circuit breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup wraps a primary and zero or more fallback instances of the same
// provider type. When the primary fails (or its circuit breaker is open), the
// next healthy fallback is tried in registration order. Each entry is tried at
// most once per call; a group never repeats a request against the same
// provider.
//
// Entries must be registered before the group is shared. After that,
// FallbackGroup is safe for concurrent use.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
// Additional fallbacks are registered via [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a fallback provider. Fallbacks are tried in the order they
// are added, after the primary.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	if cbCfg.Ignore == nil {
		cbCfg.Ignore = fg.notProviderFault
	}
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// notProviderFault keeps caller cancellations and permanent input errors from
// tripping a breaker.
func (fg *FallbackGroup[T]) notProviderFault(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	return fg.cfg.Permanent != nil && fg.cfg.Permanent(err)
}

// Names returns the provider names in the order they are tried.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.name
	}
	return names
}

// Primary returns the first registered provider.
func (fg *FallbackGroup[T]) Primary() T {
	return fg.entries[0].value
}

// States reports the breaker state of every entry, keyed by provider name.
func (fg *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(fg.entries))
	for _, e := range fg.entries {
		out[e.name] = e.breaker.State()
	}
	return out
}

// Available reports whether at least one entry would currently accept a call.
func (fg *FallbackGroup[T]) Available() bool {
	for _, e := range fg.entries {
		if e.breaker.State() != StateOpen {
			return true
		}
	}
	return false
}

// Execute tries fn against each entry in order until one succeeds.
// Circuit-breaker-open entries are skipped. The walk stops early when ctx is
// done or the error is permanent. Returns [ErrAllFailed] wrapping the last
// error if no entry succeeds.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(context.Context, T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, fn(ctx, v)
	})
	return err
}

// ExecuteWithResult tries fn against each entry in the group until one succeeds,
// returning both the result value and error. This is a package-level function
// because Go does not support method-level type parameters.
func ExecuteWithResult[T any, R any](ctx context.Context, fg *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		var (
			result R
			ran    bool
		)
		start := time.Now()
		err := entry.breaker.Execute(func() error {
			ran = true
			var innerErr error
			result, innerErr = fn(ctx, entry.value)
			return innerErr
		})
		if ran && fg.cfg.Observer != nil {
			fg.cfg.Observer(ctx, entry.name, time.Since(start), err)
		}
		if err == nil {
			return result, nil
		}
		lastErr = err

		switch {
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
			continue
		case ctx.Err() != nil:
			return zero, err
		case fg.cfg.Permanent != nil && fg.cfg.Permanent(err):
			return zero, err
		}
		if i < len(fg.entries)-1 {
			slog.Warn("provider failed, trying next",
				"provider", entry.name, "error", err)
		}
	}
	if len(fg.entries) == 1 && !errors.Is(lastErr, ErrCircuitOpen) {
		// A lone provider's error is returned as is.
		return zero, lastErr
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
