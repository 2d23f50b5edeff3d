// Package mock provides an in-memory mock implementation of [engine.Processor]
// for use in unit tests.
//
// The mock records every call and lets the test configure results via
// exported fields. It is safe for concurrent use.
//
// Example:
//
//	p := &mock.Processor{
//	    ProcessResult: &engine.TurnResult{Ref: "ns/1-outgoing", Text: "Thank you."},
//	}
//	res, err := p.Process(ctx, in)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callagent/internal/engine"
)

// Compile-time interface assertion.
var _ engine.Processor = (*Processor)(nil)

// ProcessCall records a single [Processor.Process] call.
type ProcessCall struct {
	Ctx   context.Context
	Input engine.TurnInput
}

// Processor is a mock implementation of [engine.Processor].
type Processor struct {
	mu sync.Mutex

	// ProcessResult is returned by Process when ProcessFunc is nil.
	ProcessResult *engine.TurnResult

	// ProcessError is returned by Process when ProcessFunc is nil.
	ProcessError error

	// ProcessFunc, if set, takes precedence over ProcessResult and ProcessError.
	ProcessFunc func(ctx context.Context, in engine.TurnInput) (*engine.TurnResult, error)

	// ProcessCalls records all Process invocations in order.
	ProcessCalls []ProcessCall
}

// Process records the call and returns the configured result.
func (p *Processor) Process(ctx context.Context, in engine.TurnInput) (*engine.TurnResult, error) {
	p.mu.Lock()
	p.ProcessCalls = append(p.ProcessCalls, ProcessCall{Ctx: ctx, Input: in})
	fn, res, err := p.ProcessFunc, p.ProcessResult, p.ProcessError
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, in)
	}
	return res, err
}

// CallCount returns the number of Process calls. Thread-safe.
func (p *Processor) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ProcessCalls)
}

// Calls returns a copy of the recorded calls. Thread-safe.
func (p *Processor) Calls() []ProcessCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ProcessCall, len(p.ProcessCalls))
	copy(out, p.ProcessCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ProcessCalls = nil
}
