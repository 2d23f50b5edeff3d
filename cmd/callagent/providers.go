package main

import (
	"log/slog"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/callagent/internal/config"
	"github.com/MrWong99/callagent/pkg/provider/llm"
	"github.com/MrWong99/callagent/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/callagent/pkg/provider/llm/openai"
	"github.com/MrWong99/callagent/pkg/provider/stt"
	oastt "github.com/MrWong99/callagent/pkg/provider/stt/openai"
	"github.com/MrWong99/callagent/pkg/provider/stt/whisper"
	"github.com/MrWong99/callagent/pkg/provider/tts"
	"github.com/MrWong99/callagent/pkg/provider/tts/coqui"
	"github.com/MrWong99/callagent/pkg/provider/tts/elevenlabs"
	oatts "github.com/MrWong99/callagent/pkg/provider/tts/openai"
)

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation package.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	// groq and openai share the OpenAI transcription API.
	reg.RegisterSTT("groq", func(entry config.ProviderEntry) (stt.Provider, error) {
		base := entry.BaseURL
		if base == "" {
			base = oastt.GroqBaseURL
		}
		return oastt.New(entry.APIKey, entry.Model, sttOpenAIOptions(entry, base)...)
	})
	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		return oastt.New(entry.APIKey, entry.Model, sttOpenAIOptions(entry, entry.BaseURL)...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if entry.Timeout > 0 {
			opts = append(opts, whisper.WithTimeout(entry.Timeout))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	// openai talks to the API directly so the request timeout applies.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		if entry.Timeout > 0 {
			opts = append(opts, oallm.WithTimeout(entry.Timeout))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// The rest share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"groq", "anthropic", "gemini", "deepseek", "mistral", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.NewOllama(entry.Model, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oatts.Option
		if entry.BaseURL != "" {
			opts = append(opts, oatts.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, oatts.WithModel(entry.Model))
		}
		if entry.Timeout > 0 {
			opts = append(opts, oatts.WithTimeout(entry.Timeout))
		}
		return oatts.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithEndpoint(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if entry.Timeout > 0 {
			opts = append(opts, coqui.WithTimeout(entry.Timeout))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	for _, kind := range []string{"stt", "llm", "tts"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

func sttOpenAIOptions(entry config.ProviderEntry, baseURL string) []oastt.Option {
	var opts []oastt.Option
	if baseURL != "" {
		opts = append(opts, oastt.WithBaseURL(baseURL))
	}
	if lang := optString(entry.Options, "language"); lang != "" {
		opts = append(opts, oastt.WithLanguage(lang))
	}
	if entry.Timeout > 0 {
		opts = append(opts, oastt.WithTimeout(entry.Timeout))
	}
	return opts
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the key is absent or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
