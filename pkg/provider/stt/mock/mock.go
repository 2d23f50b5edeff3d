// Package mock provides a test double for the stt.Provider interface.
//
// Set TranscribeResult/TranscribeErr to control the outcome, or TranscribeFunc
// for per-call behaviour. Every call is recorded in TranscribeCalls.
//
// Example:
//
//	p := &mock.Provider{TranscribeResult: stt.Transcript{Text: "hello"}}
//	tr, _ := p.Transcribe(ctx, stt.Audio{Data: wav, ContentType: "audio/wav"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callagent/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Audio is the audio passed to Transcribe.
	Audio stt.Audio
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// TranscribeResult is returned by Transcribe when TranscribeFunc is nil.
	TranscribeResult stt.Transcript

	// TranscribeErr, if non-nil, is returned as the error from Transcribe.
	TranscribeErr error

	// TranscribeFunc, if set, takes precedence over TranscribeResult and
	// TranscribeErr.
	TranscribeFunc func(ctx context.Context, audio stt.Audio) (stt.Transcript, error)

	// TranscribeCalls records every call to Transcribe.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call and returns the configured result.
func (p *Provider) Transcribe(ctx context.Context, audio stt.Audio) (stt.Transcript, error) {
	p.mu.Lock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, Audio: audio})
	fn, res, err := p.TranscribeFunc, p.TranscribeResult, p.TranscribeErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, audio)
	}
	return res, err
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TranscribeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
