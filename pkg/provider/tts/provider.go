// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., OpenAI speech,
// ElevenLabs, or a local Coqui server) and turns one complete reply into one
// playable audio artifact. Replies are short and the telephony gateway plays
// a finished file, so synthesis is a single request per turn.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var (
	// ErrSynthesis is the sentinel wrapped by every error a Provider returns.
	ErrSynthesis = errors.New("tts: synthesis failed")

	// ErrUnsupportedText is returned (wrapped in ErrSynthesis) when the input
	// holds nothing speakable once control and unsupported characters are removed.
	ErrUnsupportedText = errors.New("tts: text has no speakable characters")
)

// VoiceProfile selects the voice used for synthesis.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier (e.g., "alloy", an
	// ElevenLabs voice ID, or a Coqui speaker name).
	ID string

	// Name is the human-readable voice name.
	Name string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default). Zero means
	// provider default. Providers without rate control ignore it.
	SpeedFactor float64
}

// Audio is a synthesized utterance encoded in the container named by
// ContentType (e.g., "audio/mpeg", "audio/wav").
type Audio struct {
	Data        []byte
	ContentType string
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text as speech with the given voice. It performs one
	// request and never retries. Failures (provider error, unsupported
	// characters, deadline exceeded) are returned wrapped in ErrSynthesis.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) (Audio, error)
}

// Wrap annotates err with the provider name and ErrSynthesis. A nil err stays nil.
func Wrap(provider string, err error) error {
	if err == nil || errors.Is(err, ErrSynthesis) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrSynthesis, provider, err)
}

// CleanText strips control and non-printable characters, collapses runs of
// whitespace and trims the result. It returns ErrUnsupportedText when nothing
// speakable remains.
func CleanText(text string) (string, error) {
	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			space = true
			continue
		case r == unicode.ReplacementChar, !unicode.IsPrint(r):
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	out := b.String()
	if strings.IndexFunc(out, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) < 0 {
		return "", ErrUnsupportedText
	}
	return out, nil
}
