package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/callagent/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. Each backend has its own circuit breaker.
//
// Voice IDs are provider specific, so each fallback may carry its own voice;
// the voice passed to Synthesize is used for entries registered without one.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
// Text with nothing speakable is not retried on another backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	if cfg.Permanent == nil {
		cfg.Permanent = func(err error) bool { return errors.Is(err, tts.ErrUnsupportedText) }
	}
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// AddFallbackWithVoice registers a fallback that always speaks with voice.
func (f *TTSFallback) AddFallbackWithVoice(name string, provider tts.Provider, voice tts.VoiceProfile) {
	f.group.AddFallback(name, voiced{Provider: provider, voice: voice})
}

// Group exposes the underlying group for health reporting.
func (f *TTSFallback) Group() *FallbackGroup[tts.Provider] { return f.group }

// Synthesize renders text with the first healthy provider.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (tts.Audio, error) {
	audio, err := ExecuteWithResult(ctx, f.group, func(ctx context.Context, p tts.Provider) (tts.Audio, error) {
		return p.Synthesize(ctx, text, voice)
	})
	return audio, tts.Wrap("fallback", err)
}

// voiced pins a provider to a fixed voice.
type voiced struct {
	tts.Provider
	voice tts.VoiceProfile
}

func (v voiced) Synthesize(ctx context.Context, text string, _ tts.VoiceProfile) (tts.Audio, error) {
	return v.Provider.Synthesize(ctx, text, v.voice)
}
