package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"groq", "openai", "whisper"},
	"llm": {"groq", "openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "llamacpp", "llamafile"},
	"tts": {"openai", "elevenlabs", "coqui"},
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr = ":10000"
	DefaultSTTModel   = "whisper-large-v3"
	DefaultLLMModel   = "llama-3.1-8b-instant"
	DefaultTTSModel   = "gpt-4o-mini-tts"
	DefaultTTSVoice   = "alloy"
	DefaultBucket     = "callagent-audio"
	DefaultStorageDir = "data"
)

// LookupFunc reads an environment variable. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and validates the result. A missing file is not an
// error: the environment alone may carry a complete configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Info("config file not found, using environment only", "path", path)
		data = nil
	case err != nil:
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}

	cfg, err := parse(data, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. The environment is not consulted, which makes it convenient
// for tests.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return parse(data, nil)
}

// parse decodes data, overlays the environment when lookup is non-nil, fills
// defaults and validates.
func parse(data []byte, lookup LookupFunc) (*Config, error) {
	cfg := &Config{}
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	}
	if lookup != nil {
		ApplyEnv(cfg, lookup)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ─── Environment ─────────────────────────────────────────────────────────────

// providerKeyEnv maps provider names to the variable carrying their API key.
var providerKeyEnv = map[string]string{
	"groq":       "GROQ_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"elevenlabs": "ELEVENLABS_API_KEY",
}

// ApplyEnv overlays environment variables onto cfg. Gateway and server
// variables replace the file values; provider API keys only fill entries
// whose key is empty.
func ApplyEnv(cfg *Config, lookup LookupFunc) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&cfg.Gateway.AccountSID, "TWILIO_ACCOUNT_SID")
	set(&cfg.Gateway.AuthToken, "TWILIO_AUTH_TOKEN")
	set(&cfg.Gateway.FromNumber, "TWILIO_PHONE_NUMBER")
	set(&cfg.Gateway.DefaultToNumber, "CALLAGENT_TO_NUMBER")
	set(&cfg.Server.PublicBaseURL, "CALLAGENT_PUBLIC_BASE_URL")
	set(&cfg.Server.InstanceID, "CALLAGENT_INSTANCE_ID")

	if v, ok := lookup("PORT"); ok && v != "" {
		cfg.Server.ListenAddr = ":" + strings.TrimPrefix(v, ":")
	}
	set(&cfg.Server.ListenAddr, "CALLAGENT_LISTEN_ADDR")

	if v, ok := lookup("CALLAGENT_LOG_LEVEL"); ok && v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}

	// Keys are looked up by provider name, so unnamed entries must carry
	// their default name first.
	defaultProviderNames(&cfg.Providers)
	for _, e := range []*ProviderEntry{&cfg.Providers.STT, &cfg.Providers.LLM, &cfg.Providers.TTS} {
		applyKeys(e, lookup)
	}
}

func applyKeys(e *ProviderEntry, lookup LookupFunc) {
	if e.APIKey == "" {
		if key, ok := providerKeyEnv[e.Name]; ok {
			if v, ok := lookup(key); ok {
				e.APIKey = v
			}
		}
	}
	for i := range e.Fallbacks {
		applyKeys(&e.Fallbacks[i], lookup)
	}
}

// ─── Defaults ────────────────────────────────────────────────────────────────

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.LogFormat == "" {
		s.LogFormat = LogFormatText
	}
	defaultDuration(&s.ReadTimeout, 15*time.Second)
	defaultDuration(&s.WriteTimeout, 60*time.Second)
	defaultDuration(&s.IdleTimeout, 120*time.Second)
	s.PublicBaseURL = strings.TrimRight(s.PublicBaseURL, "/")

	defaultDuration(&cfg.Gateway.FetchTimeout, 15*time.Second)

	p := &cfg.Providers
	defaultProviderNames(p)
	defaultModels(&p.STT, "stt")
	defaultModels(&p.LLM, "llm")
	defaultModels(&p.TTS, "tts")
	if p.CircuitBreaker.MaxFailures == 0 {
		p.CircuitBreaker.MaxFailures = 5
	}
	defaultDuration(&p.CircuitBreaker.ResetTimeout, 30*time.Second)
	if p.CircuitBreaker.HalfOpenMax == 0 {
		p.CircuitBreaker.HalfOpenMax = 1
	}

	if cfg.Voice.ID == "" && p.TTS.Name == "openai" {
		cfg.Voice.ID = DefaultTTSVoice
	}

	t := &cfg.Turn
	if t.MaxTokens == 0 {
		t.MaxTokens = 150
	}
	if t.Truncation == "" {
		t.Truncation = TruncationTrim
	}
	defaultDuration(&t.Timeouts.Fetch, 5*time.Second)
	defaultDuration(&t.Timeouts.Transcription, 8*time.Second)
	defaultDuration(&t.Timeouts.Generation, 8*time.Second)
	defaultDuration(&t.Timeouts.Synthesis, 8*time.Second)
	defaultDuration(&t.Timeouts.Storage, 5*time.Second)
	if t.Retry.Attempts == 0 {
		t.Retry.Attempts = 1
	}

	c := &cfg.Call
	defaultDuration(&c.Record.Timeout, 2*time.Second)
	defaultDuration(&c.Record.MaxLength, 10*time.Second)
	if c.Record.Beep == nil {
		beep := true
		c.Record.Beep = &beep
	}
	if c.MaxConsecutiveFailures == 0 {
		c.MaxConsecutiveFailures = 5
	}
	defaultDuration(&c.IdleTimeout, 10*time.Minute)
	defaultDuration(&c.TombstoneTTL, time.Hour)
	defaultDuration(&c.ReapInterval, 30*time.Second)

	st := &cfg.Storage
	if st.Backend == "" {
		st.Backend = StorageMemory
	}
	if st.Dir == "" && (st.Backend == StorageDisk || st.Backend == StorageSQLite) {
		st.Dir = DefaultStorageDir
	}
	if st.Bucket == "" && st.Backend == StorageNATS {
		st.Bucket = DefaultBucket
	}
}

// defaultProviderNames names the primary entries left empty: Groq for
// transcription and replies, OpenAI for speech.
func defaultProviderNames(p *ProvidersConfig) {
	if p.STT.Name == "" {
		p.STT.Name = "groq"
	}
	if p.LLM.Name == "" {
		p.LLM.Name = "groq"
	}
	if p.TTS.Name == "" {
		p.TTS.Name = "openai"
	}
}

func defaultDuration(d *time.Duration, v time.Duration) {
	if *d == 0 {
		*d = v
	}
}

// defaultModels sets the model of the groq and openai entries, which have no
// usable built-in default, and recurses into fallbacks.
func defaultModels(e *ProviderEntry, kind string) {
	if e.Model == "" {
		switch {
		case kind == "stt" && (e.Name == "groq" || e.Name == "openai"):
			e.Model = DefaultSTTModel
			if e.Name == "openai" {
				e.Model = "whisper-1"
			}
		case kind == "llm" && e.Name == "groq":
			e.Model = DefaultLLMModel
		case kind == "llm" && e.Name == "openai":
			e.Model = "gpt-4o-mini"
		case kind == "tts" && e.Name == "openai":
			e.Model = DefaultTTSModel
		}
	}
	for i := range e.Fallbacks {
		defaultModels(&e.Fallbacks[i], kind)
	}
}

// ─── Validation ──────────────────────────────────────────────────────────────

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if cfg.Server.PublicBaseURL == "" {
		errs = append(errs, errors.New("server.public_base_url is required (or set CALLAGENT_PUBLIC_BASE_URL)"))
	} else if u, err := url.Parse(cfg.Server.PublicBaseURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("server.public_base_url %q must be an absolute http(s) URL", cfg.Server.PublicBaseURL))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio must be between 0 and 1, got %v", r))
	}

	// Gateway
	if cfg.Gateway.AccountSID == "" || cfg.Gateway.AuthToken == "" {
		errs = append(errs, errors.New("gateway.account_sid and gateway.auth_token are required (or set TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN)"))
	}
	if cfg.Gateway.FromNumber == "" {
		errs = append(errs, errors.New("gateway.from_number is required (or set TWILIO_PHONE_NUMBER)"))
	}

	// Providers
	for _, p := range []struct {
		kind  string
		entry ProviderEntry
	}{
		{"stt", cfg.Providers.STT},
		{"llm", cfg.Providers.LLM},
		{"tts", cfg.Providers.TTS},
	} {
		errs = append(errs, validateEntry(p.kind, "providers."+p.kind, p.entry)...)
	}

	// Durations
	for name, d := range map[string]time.Duration{
		"server.read_timeout":         cfg.Server.ReadTimeout,
		"server.write_timeout":        cfg.Server.WriteTimeout,
		"server.idle_timeout":         cfg.Server.IdleTimeout,
		"gateway.fetch_timeout":       cfg.Gateway.FetchTimeout,
		"turn.timeouts.fetch":         cfg.Turn.Timeouts.Fetch,
		"turn.timeouts.transcription": cfg.Turn.Timeouts.Transcription,
		"turn.timeouts.generation":    cfg.Turn.Timeouts.Generation,
		"turn.timeouts.synthesis":     cfg.Turn.Timeouts.Synthesis,
		"turn.timeouts.storage":       cfg.Turn.Timeouts.Storage,
		"call.record.timeout":         cfg.Call.Record.Timeout,
		"call.record.max_length":      cfg.Call.Record.MaxLength,
		"call.idle_timeout":           cfg.Call.IdleTimeout,
		"call.tombstone_ttl":          cfg.Call.TombstoneTTL,
		"call.reap_interval":          cfg.Call.ReapInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be greater than zero, got %s", name, d))
		}
	}
	if cfg.Turn.Retry.Backoff < 0 {
		errs = append(errs, fmt.Errorf("turn.retry.backoff must not be negative, got %s", cfg.Turn.Retry.Backoff))
	}
	if cfg.Turn.Retry.Attempts < 1 {
		errs = append(errs, fmt.Errorf("turn.retry.attempts must be at least 1, got %d", cfg.Turn.Retry.Attempts))
	}
	if cfg.Turn.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("turn.max_tokens must not be negative, got %d", cfg.Turn.MaxTokens))
	}
	if !cfg.Turn.Truncation.IsValid() {
		errs = append(errs, fmt.Errorf("turn.truncation %q is invalid; valid values: trim, reject", cfg.Turn.Truncation))
	}
	if cfg.Voice.SpeedFactor != 0 && (cfg.Voice.SpeedFactor < 0.5 || cfg.Voice.SpeedFactor > 2.0) {
		errs = append(errs, fmt.Errorf("voice.speed_factor %.2f is out of range [0.5, 2.0]", cfg.Voice.SpeedFactor))
	}

	// Call
	if cfg.Call.MaxConsecutiveFailures < 1 {
		errs = append(errs, fmt.Errorf("call.max_consecutive_failures must be at least 1, got %d", cfg.Call.MaxConsecutiveFailures))
	}
	if cfg.Call.MaxSilentTurns < 0 {
		errs = append(errs, fmt.Errorf("call.max_silent_turns must not be negative, got %d", cfg.Call.MaxSilentTurns))
	}
	if cfg.Call.Record.Timeout > cfg.Call.Record.MaxLength {
		errs = append(errs, fmt.Errorf("call.record.timeout %s exceeds call.record.max_length %s", cfg.Call.Record.Timeout, cfg.Call.Record.MaxLength))
	}

	// Storage
	switch {
	case !cfg.Storage.Backend.IsValid():
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; valid values: memory, disk, sqlite, nats", cfg.Storage.Backend))
	case (cfg.Storage.Backend == StorageDisk || cfg.Storage.Backend == StorageSQLite) && cfg.Storage.Dir == "":
		errs = append(errs, fmt.Errorf("storage.dir is required for backend %q", cfg.Storage.Backend))
	case cfg.Storage.Backend == StorageNATS && cfg.Storage.NATSURL == "":
		errs = append(errs, errors.New("storage.nats_url is required for backend \"nats\""))
	}

	return errors.Join(errs...)
}

// validateEntry checks a provider entry and its fallbacks.
func validateEntry(kind, path string, e ProviderEntry) []error {
	var errs []error
	if e.Name == "" {
		return append(errs, fmt.Errorf("%s.name is required", path))
	}
	validateProviderName(kind, e.Name)
	if env, ok := providerKeyEnv[e.Name]; ok && e.APIKey == "" && e.BaseURL == "" {
		slog.Warn("provider has no api key; it will fail to start", "path", path, "provider", e.Name, "env", env)
	}
	if e.Timeout < 0 {
		errs = append(errs, fmt.Errorf("%s.timeout must not be negative, got %s", path, e.Timeout))
	}
	for i, fb := range e.Fallbacks {
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s.fallbacks[%d] must not declare fallbacks of its own", path, i))
		}
		errs = append(errs, validateEntry(kind, fmt.Sprintf("%s.fallbacks[%d]", path, i), fb)...)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
