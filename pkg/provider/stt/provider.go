// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a batch transcription service (e.g., the OpenAI or
// Groq audio API, or a local whisper.cpp server) and exposes a single
// operation: turn one complete recorded utterance into text. Phone recordings
// arrive as finished files from the telephony gateway, so there is no
// streaming session here.
//
// Implementations must be safe for concurrent use. Many calls transcribe at
// the same time.
package stt

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTranscription is the sentinel wrapped by every error a Provider returns.
// Callers test for it with errors.Is to classify a failed turn.
var ErrTranscription = errors.New("stt: transcription failed")

// Audio is one recorded utterance, encoded in the container named by
// ContentType (e.g., "audio/wav", "audio/mpeg").
type Audio struct {
	Data        []byte
	ContentType string
}

// Transcript is the result of transcribing a single utterance.
type Transcript struct {
	// Text is the transcribed speech. It may be empty or whitespace-only when
	// the recording holds no intelligible speech; that is not an error.
	Text string

	// Language is the language reported by the provider, if any.
	Language string

	// Duration is the length of the transcribed audio, if reported.
	Duration time.Duration
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts audio to text. It performs exactly one request to the
	// backend and never retries. Every failure (provider error, malformed audio,
	// deadline exceeded) is returned wrapped in ErrTranscription.
	Transcribe(ctx context.Context, audio Audio) (Transcript, error)
}

// Wrap annotates err with the provider name and ErrTranscription. A nil err
// stays nil. The original error remains reachable through errors.Is, so a
// deadline can still be told apart from a provider fault.
func Wrap(provider string, err error) error {
	if err == nil || errors.Is(err, ErrTranscription) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrTranscription, provider, err)
}
