// Package cascade implements the production turn processor: a strictly
// sequential cascade of fetch, transcription, generation, synthesis and
// storage.
//
// # Pipeline
//
//  1. fetch: download the gateway recording and save it as the incoming
//     artifact of (call, turn). Skipped when the input already names a Ref.
//  2. load: read the incoming artifact back from the audio store.
//  3. transcription: STT on the artifact. Empty text short-circuits with a
//     clarification result; the LLM is not called and nothing is synthesized.
//  4. generation: one LLM completion built from the fixed preamble and the
//     transcript. Truncated replies are trimmed or rejected per policy.
//  5. synthesis: TTS on the reply.
//  6. storage: save the audio as the outgoing artifact.
//
// Every stage runs under its own timeout and may be retried a fixed number of
// times. The first stage that gives up ends the turn with an
// [*engine.TurnError].
package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/callagent/internal/audiostore"
	"github.com/MrWong99/callagent/internal/engine"
	"github.com/MrWong99/callagent/internal/observe"
	"github.com/MrWong99/callagent/pkg/provider/llm"
	"github.com/MrWong99/callagent/pkg/provider/stt"
	"github.com/MrWong99/callagent/pkg/provider/tts"
)

// TruncationPolicy decides what happens to a reply that hit the token cap.
type TruncationPolicy string

const (
	// TruncationTrim cuts the reply back to its last complete sentence.
	TruncationTrim TruncationPolicy = "trim"

	// TruncationReject fails the generation stage.
	TruncationReject TruncationPolicy = "reject"
)

const (
	// DefaultPreamble is the system instruction sent with every turn.
	DefaultPreamble = "You are an AI calling agent. Reply professionally."

	// DefaultSpeaker names the counterpart inside the user prompt.
	DefaultSpeaker = "HR"

	// DefaultClarification is returned when nothing intelligible was said.
	DefaultClarification = "Sorry, I didn't catch that. Could you please repeat?"

	defaultMaxTokens     = 150
	defaultFetchTimeout  = 5 * time.Second
	defaultStageTimeout  = 8 * time.Second
	defaultStoreTimeout  = 5 * time.Second
	defaultContentType   = "audio/wav"
	defaultRetryAttempts = 1
)

// Timeouts bounds each stage attempt. Zero values select the defaults.
type Timeouts struct {
	Fetch         time.Duration
	Transcription time.Duration
	Generation    time.Duration
	Synthesis     time.Duration
	Storage       time.Duration
}

// Retry configures per-stage retries of transient failures.
type Retry struct {
	// Attempts is the total number of tries per stage. 1 disables retries.
	Attempts int

	// Backoff is the fixed pause between attempts.
	Backoff time.Duration
}

// Processor implements [engine.Processor].
//
// Processor is safe for concurrent use; it holds no per-call state.
type Processor struct {
	store   audiostore.Store
	fetcher engine.Fetcher
	sttP    stt.Provider
	llmP    llm.Provider
	ttsP    tts.Provider

	voice         tts.VoiceProfile
	preamble      string
	speaker       string
	clarification string
	maxTokens     int
	temperature   float64
	truncation    TruncationPolicy
	timeouts      Timeouts
	retry         Retry
	metrics       *observe.Metrics
}

// Compile-time assertion that Processor satisfies the engine.Processor interface.
var _ engine.Processor = (*Processor)(nil)

// Option is a functional option for configuring a Processor during construction.
type Option func(*Processor)

// WithVoice sets the voice used for synthesis.
func WithVoice(v tts.VoiceProfile) Option {
	return func(p *Processor) { p.voice = v }
}

// WithPreamble overrides the system instruction sent to the LLM.
func WithPreamble(s string) Option {
	return func(p *Processor) { p.preamble = s }
}

// WithSpeaker overrides how the counterpart is named in the prompt.
func WithSpeaker(s string) Option {
	return func(p *Processor) { p.speaker = s }
}

// WithClarification overrides the text returned when nothing was heard.
func WithClarification(s string) Option {
	return func(p *Processor) { p.clarification = s }
}

// WithMaxTokens caps the reply length. Zero leaves the provider default.
func WithMaxTokens(n int) Option {
	return func(p *Processor) { p.maxTokens = n }
}

// WithTemperature sets the sampling temperature. Zero leaves the provider default.
func WithTemperature(t float64) Option {
	return func(p *Processor) { p.temperature = t }
}

// WithTruncation selects the policy for replies that hit the token cap.
func WithTruncation(policy TruncationPolicy) Option {
	return func(p *Processor) { p.truncation = policy }
}

// WithTimeouts sets the per-attempt stage timeouts. Zero fields keep their defaults.
func WithTimeouts(t Timeouts) Option {
	return func(p *Processor) {
		if t.Fetch > 0 {
			p.timeouts.Fetch = t.Fetch
		}
		if t.Transcription > 0 {
			p.timeouts.Transcription = t.Transcription
		}
		if t.Generation > 0 {
			p.timeouts.Generation = t.Generation
		}
		if t.Synthesis > 0 {
			p.timeouts.Synthesis = t.Synthesis
		}
		if t.Storage > 0 {
			p.timeouts.Storage = t.Storage
		}
	}
}

// WithRetry sets the per-stage retry policy.
func WithRetry(r Retry) Option {
	return func(p *Processor) {
		if r.Attempts < 1 {
			r.Attempts = 1
		}
		p.retry = r
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// New constructs a cascade Processor. fetcher may be nil when every input
// carries a Ref.
func New(store audiostore.Store, fetcher engine.Fetcher, sttP stt.Provider, llmP llm.Provider, ttsP tts.Provider, opts ...Option) *Processor {
	p := &Processor{
		store:         store,
		fetcher:       fetcher,
		sttP:          sttP,
		llmP:          llmP,
		ttsP:          ttsP,
		preamble:      DefaultPreamble,
		speaker:       DefaultSpeaker,
		clarification: DefaultClarification,
		maxTokens:     defaultMaxTokens,
		truncation:    TruncationTrim,
		timeouts: Timeouts{
			Fetch:         defaultFetchTimeout,
			Transcription: defaultStageTimeout,
			Generation:    defaultStageTimeout,
			Synthesis:     defaultStageTimeout,
			Storage:       defaultStoreTimeout,
		},
		retry: Retry{Attempts: defaultRetryAttempts},
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// ─── engine.Processor ─────────────────────────────────────────────────────────

// Process runs one turn. See the package documentation for the stages.
func (p *Processor) Process(ctx context.Context, in engine.TurnInput) (*engine.TurnResult, error) {
	ctx, span := observe.StartTurnSpan(ctx, in.CallID, in.Turn)
	defer span.End()

	log := observe.Logger(ctx)

	res, err := p.run(ctx, log, in)
	if err != nil {
		observe.FailSpan(span, err)
		log.Warn("turn failed", "err", err)
		return nil, err
	}
	return res, nil
}

func (p *Processor) run(ctx context.Context, log *slog.Logger, in engine.TurnInput) (*engine.TurnResult, error) {
	// ── fetch ──────────────────────────────────────────────────────────────
	ref := in.Recording.Ref
	if ref == "" {
		if in.Recording.URL == "" {
			return nil, &engine.TurnError{Stage: engine.StageFetch, Cause: permanent(errors.New("recording has neither URL nor ref"))}
		}
		if p.fetcher == nil {
			return nil, &engine.TurnError{Stage: engine.StageFetch, Cause: permanent(errors.New("no recording fetcher configured"))}
		}
		var data []byte
		var contentType string
		err := p.stage(ctx, log, engine.StageFetch, p.timeouts.Fetch, func(ctx context.Context) error {
			var err error
			data, contentType, err = p.fetcher.Fetch(ctx, in.Recording.URL)
			return err
		})
		if err != nil {
			return nil, err
		}
		if contentType == "" {
			contentType = defaultContentType
		}
		key := audiostore.Key{CallID: in.CallID, Turn: in.Turn, Role: audiostore.RoleIncoming}
		err = p.stage(ctx, log, engine.StageStorage, p.timeouts.Storage, func(ctx context.Context) error {
			var err error
			ref, err = p.store.Save(ctx, key, data, contentType)
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	// ── load ───────────────────────────────────────────────────────────────
	var incoming audiostore.Artifact
	err := p.stage(ctx, log, engine.StageStorage, p.timeouts.Storage, func(ctx context.Context) error {
		var err error
		incoming, err = p.store.Load(ctx, ref)
		return err
	})
	if err != nil {
		return nil, err
	}

	// ── transcription ──────────────────────────────────────────────────────
	var transcript stt.Transcript
	err = p.stage(ctx, log, engine.StageTranscription, p.timeouts.Transcription, func(ctx context.Context) error {
		var err error
		transcript, err = p.sttP.Transcribe(ctx, stt.Audio{Data: incoming.Data, ContentType: incoming.ContentType})
		return err
	})
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(transcript.Text)
	if text == "" {
		log.Info("no speech detected, asking for clarification")
		return &engine.TurnResult{Text: p.clarification, Clarification: true}, nil
	}
	log.Debug("transcribed", "text", text)

	// ── generation ─────────────────────────────────────────────────────────
	var reply string
	err = p.stage(ctx, log, engine.StageGeneration, p.timeouts.Generation, func(ctx context.Context) error {
		resp, err := p.llmP.Complete(ctx, p.buildRequest(text))
		if err != nil {
			return err
		}
		reply, err = p.applyTruncation(log, resp)
		return err
	})
	if err != nil {
		return nil, err
	}

	// ── synthesis ──────────────────────────────────────────────────────────
	var speech tts.Audio
	err = p.stage(ctx, log, engine.StageSynthesis, p.timeouts.Synthesis, func(ctx context.Context) error {
		var err error
		speech, err = p.ttsP.Synthesize(ctx, reply, p.voice)
		if err == nil && len(speech.Data) == 0 {
			err = fmt.Errorf("%w: empty audio", tts.ErrSynthesis)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	// ── storage ────────────────────────────────────────────────────────────
	var out audiostore.Ref
	key := audiostore.Key{CallID: in.CallID, Turn: in.Turn, Role: audiostore.RoleOutgoing}
	err = p.stage(ctx, log, engine.StageStorage, p.timeouts.Storage, func(ctx context.Context) error {
		var err error
		out, err = p.store.Save(ctx, key, speech.Data, speech.ContentType)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Info("turn completed", "ref", out, "reply_chars", len(reply))
	return &engine.TurnResult{Ref: out, Text: reply, Transcript: text}, nil
}

// ─── Stage runner ─────────────────────────────────────────────────────────────

// stage runs fn under the stage timeout, retrying transient failures up to the
// configured number of attempts. The returned error is always a TurnError.
func (p *Processor) stage(ctx context.Context, log *slog.Logger, stage engine.Stage, timeout time.Duration, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= p.retry.Attempts; attempt++ {
		if attempt > 1 {
			log.Warn("retrying stage", "stage", stage, "attempt", attempt, "err", err)
			select {
			case <-ctx.Done():
				return &engine.TurnError{Stage: stage, Cause: ctx.Err()}
			case <-time.After(p.retry.Backoff):
			}
		}

		sctx, span := observe.StartStageSpan(ctx, string(stage), attempt)
		sctx, cancel := context.WithTimeout(sctx, timeout)
		start := time.Now()
		err = fn(sctx)
		cancel()
		p.metrics.RecordStage(ctx, string(stage), time.Since(start))
		observe.FailSpan(span, err)
		span.End()

		if err == nil {
			return nil
		}
		if !retryable(ctx, err) {
			break
		}
	}
	return &engine.TurnError{Stage: stage, Cause: err}
}

// retryable reports whether a failed attempt may be repeated.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var perm *permanentError
	switch {
	case errors.As(err, &perm),
		errors.Is(err, context.Canceled),
		errors.Is(err, audiostore.ErrNotReserved),
		errors.Is(err, audiostore.ErrNotFound),
		errors.Is(err, tts.ErrUnsupportedText):
		return false
	}
	return true
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err: err} }

// ─── Prompt & truncation ──────────────────────────────────────────────────────

// buildRequest assembles the completion request for one transcript. The
// prompt depends only on the configured preamble, speaker and text.
func (p *Processor) buildRequest(text string) llm.CompletionRequest {
	return llm.CompletionRequest{
		SystemPrompt: p.preamble,
		Messages:     []llm.Message{{Role: "user", Content: BuildPrompt(p.speaker, text)}},
		MaxTokens:    p.maxTokens,
		Temperature:  p.temperature,
	}
}

// BuildPrompt renders the user message for a transcript.
func BuildPrompt(speaker, text string) string {
	return speaker + ` said: "` + text + `"` + "\n\nYour reply:"
}

// applyTruncation returns the reply to speak, enforcing the truncation policy.
func (p *Processor) applyTruncation(log *slog.Logger, resp *llm.CompletionResponse) (string, error) {
	if resp == nil {
		return "", fmt.Errorf("%w: no response", llm.ErrGeneration)
	}
	reply := strings.TrimSpace(resp.Content)
	if resp.Truncated() {
		if p.truncation == TruncationReject {
			return "", permanent(fmt.Errorf("%w: reply truncated at %d tokens", llm.ErrGeneration, p.maxTokens))
		}
		trimmed, ok := TrimToSentence(reply)
		if !ok {
			return "", permanent(fmt.Errorf("%w: truncated reply has no complete sentence", llm.ErrGeneration))
		}
		log.Warn("reply hit token cap, trimmed to last sentence",
			"max_tokens", p.maxTokens, "dropped_chars", len(reply)-len(trimmed))
		reply = trimmed
	}
	if reply == "" {
		return "", fmt.Errorf("%w: empty reply", llm.ErrGeneration)
	}
	return reply, nil
}

// TrimToSentence cuts s after its last sentence-ending punctuation ('.', '!'
// or '?', optionally followed by closing quotes or brackets). ok is false when
// s contains no complete sentence.
func TrimToSentence(s string) (trimmed string, ok bool) {
	end := -1
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			j := i + 1
			for j < len(s) && strings.IndexByte(`"')]`, s[j]) >= 0 {
				j++
			}
			// A boundary must be followed by whitespace or the end of text,
			// so "3.5" or "e.g" in mid-word do not count.
			if j == len(s) || s[j] == ' ' || s[j] == '\n' || s[j] == '\t' || s[j] == '\r' {
				end = j
			}
		}
	}
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(s[:end]), true
}
