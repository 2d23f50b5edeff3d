// Package config provides the configuration schema, loader, and provider registry
// for the callagent service.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// StorageBackend selects the audio store implementation.
type StorageBackend string

const (
	StorageMemory StorageBackend = "memory"
	StorageDisk   StorageBackend = "disk"
	StorageSQLite StorageBackend = "sqlite"
	StorageNATS   StorageBackend = "nats"
)

// IsValid reports whether b is a recognised storage backend.
func (b StorageBackend) IsValid() bool {
	switch b {
	case StorageMemory, StorageDisk, StorageSQLite, StorageNATS:
		return true
	}
	return false
}

// Truncation decides what happens to a reply that hit the token cap.
type Truncation string

const (
	TruncationTrim   Truncation = "trim"
	TruncationReject Truncation = "reject"
)

// IsValid reports whether t is a recognised truncation policy.
func (t Truncation) IsValid() bool {
	return t == TruncationTrim || t == TruncationReject
}

// Config is the root configuration structure.
// It is typically loaded with [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Providers ProvidersConfig `yaml:"providers"`
	Voice     VoiceConfig     `yaml:"voice"`
	Turn      TurnConfig      `yaml:"turn"`
	Call      CallConfig      `yaml:"call"`
	Storage   StorageConfig   `yaml:"storage"`
	Events    EventsConfig    `yaml:"events"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// PublicBaseURL is the externally reachable URL of the service. Webhook
	// actions, reply audio URLs and signature checks are relative to it.
	PublicBaseURL string `yaml:"public_base_url"`

	LogLevel  LogLevel  `yaml:"log_level"`
	LogFormat LogFormat `yaml:"log_format"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`

	// ValidateSignatures rejects webhooks that are not signed with the
	// gateway auth token.
	ValidateSignatures bool `yaml:"validate_signatures"`

	// InstanceID names this replica in telemetry. Defaults to the hostname.
	InstanceID string `yaml:"instance_id"`

	// TraceSampleRatio is the share of webhooks traced, in [0, 1]. Zero
	// traces everything.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// GatewayConfig holds the telephony account used for outbound calls,
// recording downloads and signature validation.
type GatewayConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`

	// FromNumber is the caller ID of outbound calls.
	FromNumber string `yaml:"from_number"`

	// DefaultToNumber is dialled when POST /calls names no target.
	DefaultToNumber string `yaml:"default_to_number"`

	// Voice and Language are applied to every Say verb.
	Voice    string `yaml:"voice"`
	Language string `yaml:"language"`

	// FetchTimeout bounds a single recording download.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each entry selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	LLM ProviderEntry `yaml:"llm"`
	TTS ProviderEntry `yaml:"tts"`

	// CircuitBreaker tunes the per-provider breaker of every fallback group.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "groq", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "whisper-large-v3").
	Model string `yaml:"model"`

	// Timeout bounds a single request. Zero uses the provider default.
	Timeout time.Duration `yaml:"timeout"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`

	// Fallbacks are tried in order when this entry fails or its breaker is open.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// CircuitBreakerConfig mirrors resilience.CircuitBreakerConfig.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// VoiceConfig selects the synthesized voice.
type VoiceConfig struct {
	// ID is the provider-specific voice identifier (e.g., "alloy").
	ID          string  `yaml:"id"`
	Name        string  `yaml:"name"`
	SpeedFactor float64 `yaml:"speed_factor"`
}

// TurnConfig tunes the turn processor.
type TurnConfig struct {
	// Preamble is the system instruction sent with every turn.
	Preamble string `yaml:"preamble"`

	// Speaker names the counterpart inside the user prompt.
	Speaker string `yaml:"speaker"`

	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`

	Truncation Truncation `yaml:"truncation"`

	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Retry    RetryConfig    `yaml:"retry"`
}

// TimeoutsConfig bounds each turn stage.
type TimeoutsConfig struct {
	Fetch         time.Duration `yaml:"fetch"`
	Transcription time.Duration `yaml:"transcription"`
	Generation    time.Duration `yaml:"generation"`
	Synthesis     time.Duration `yaml:"synthesis"`
	Storage       time.Duration `yaml:"storage"`
}

// RetryConfig configures per-stage retries of transient failures.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Backoff  time.Duration `yaml:"backoff"`
}

// CallConfig tunes the call controller.
type CallConfig struct {
	Script ScriptConfig `yaml:"script"`
	Record RecordConfig `yaml:"record"`

	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
	// MaxSilentTurns ends a call after this many clarifications in a row.
	// Zero keeps prompting forever.
	MaxSilentTurns int `yaml:"max_silent_turns"`

	// IdleTimeout ends calls that saw no event for this long.
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	TombstoneTTL time.Duration `yaml:"tombstone_ttl"`
	ReapInterval time.Duration `yaml:"reap_interval"`
}

// ScriptConfig holds the fixed texts spoken by the agent. These are
// hot-reloaded.
type ScriptConfig struct {
	Greeting      string `yaml:"greeting"`
	Apology       string `yaml:"apology"`
	Clarification string `yaml:"clarification"`
	Farewell      string `yaml:"farewell"`
}

// RecordConfig is the record verb issued after every prompt.
type RecordConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	MaxLength time.Duration `yaml:"max_length"`
	Beep      *bool         `yaml:"beep"`
}

// StorageConfig selects and configures the audio store.
type StorageConfig struct {
	Backend StorageBackend `yaml:"backend"`

	// Dir is the root directory of the disk and sqlite backends.
	Dir string `yaml:"dir"`

	// NATSURL and Bucket configure the nats backend.
	NATSURL string `yaml:"nats_url"`
	Bucket  string `yaml:"bucket"`
}

// EventsConfig enables the call lifecycle publisher. Events are dropped
// when NATSURL is empty.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}
