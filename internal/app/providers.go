package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/callagent/internal/config"
	"github.com/MrWong99/callagent/internal/health"
	"github.com/MrWong99/callagent/internal/observe"
	"github.com/MrWong99/callagent/internal/resilience"
	"github.com/MrWong99/callagent/pkg/provider/llm"
	"github.com/MrWong99/callagent/pkg/provider/stt"
	"github.com/MrWong99/callagent/pkg/provider/tts"
)

// Providers holds one interface value per pipeline stage. When built by
// [BuildProviders] each value is a fallback group, and the
// Group fields report their breaker state to the readiness probe.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	// Optional; nil skips the provider readiness check for that kind.
	STTGroup health.Availability
	LLMGroup health.Availability
	TTSGroup health.Availability
}

// BuildProviders instantiates every configured provider, primaries and
// fallbacks, through reg and wraps each kind in a resilience fallback group
// whose attempts are recorded on m.
func BuildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*Providers, error) {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	fbCfg := func(kind string) resilience.FallbackConfig {
		cb := cfg.Providers.CircuitBreaker
		return resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{
				MaxFailures:  cb.MaxFailures,
				ResetTimeout: cb.ResetTimeout,
				HalfOpenMax:  cb.HalfOpenMax,
			},
			Observer: providerObserver(m, kind),
		}
	}

	ps := &Providers{}

	// ── STT ──────────────────────────────────────────────────────────────
	sttPrimary, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("app: stt provider: %w", err)
	}
	sttGroup := resilience.NewSTTFallback(sttPrimary, cfg.Providers.STT.Name, fbCfg("stt"))
	for i, fb := range cfg.Providers.STT.Fallbacks {
		p, err := reg.CreateSTT(fb)
		if err != nil {
			return nil, fmt.Errorf("app: stt fallback %d: %w", i, err)
		}
		sttGroup.AddFallback(fb.Name, p)
	}
	ps.STT, ps.STTGroup = sttGroup, sttGroup.Group()

	// ── LLM ──────────────────────────────────────────────────────────────
	llmPrimary, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("app: llm provider: %w", err)
	}
	llmGroup := resilience.NewLLMFallback(llmPrimary, cfg.Providers.LLM.Name, fbCfg("llm"))
	for i, fb := range cfg.Providers.LLM.Fallbacks {
		p, err := reg.CreateLLM(fb)
		if err != nil {
			return nil, fmt.Errorf("app: llm fallback %d: %w", i, err)
		}
		llmGroup.AddFallback(fb.Name, p)
	}
	ps.LLM, ps.LLMGroup = llmGroup, llmGroup.Group()

	// ── TTS ──────────────────────────────────────────────────────────────
	ttsPrimary, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("app: tts provider: %w", err)
	}
	ttsGroup := resilience.NewTTSFallback(ttsPrimary, cfg.Providers.TTS.Name, fbCfg("tts"))
	for i, fb := range cfg.Providers.TTS.Fallbacks {
		p, err := reg.CreateTTS(fb)
		if err != nil {
			return nil, fmt.Errorf("app: tts fallback %d: %w", i, err)
		}
		// Voice IDs are provider specific; a fallback speaks with the voice
		// named in its own options, or its default.
		if voice := optString(fb.Options, "voice"); voice != "" {
			ttsGroup.AddFallbackWithVoice(fb.Name, p, tts.VoiceProfile{ID: voice})
		} else {
			ttsGroup.AddFallback(fb.Name, p)
		}
	}
	ps.TTS, ps.TTSGroup = ttsGroup, ttsGroup.Group()

	for kind, names := range map[string][]string{
		"stt": sttGroup.Group().Names(),
		"llm": llmGroup.Group().Names(),
		"tts": ttsGroup.Group().Names(),
	} {
		slog.Info("providers ready", "kind", kind, "order", names)
	}
	return ps, nil
}

// providerObserver records every provider attempt.
func providerObserver(m *observe.Metrics, kind string) resilience.Observer {
	return func(ctx context.Context, provider string, d time.Duration, err error) {
		status := "ok"
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			status = "canceled"
		default:
			status = "error"
			m.RecordProviderError(ctx, provider, kind)
		}
		m.RecordProviderRequest(ctx, provider, kind, status)
		slog.Debug("provider attempt", "kind", kind, "provider", provider, "duration", d, "status", status)
	}
}

// optString reads a string option, returning "" when absent or not a string.
func optString(opts map[string]any, key string) string {
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
