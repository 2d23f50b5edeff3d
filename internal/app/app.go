// Package app wires the callagent subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run drives the background loops, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithDialer, WithFetcher, etc.). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/callagent/internal/audiostore"
	"github.com/MrWong99/callagent/internal/call"
	"github.com/MrWong99/callagent/internal/config"
	"github.com/MrWong99/callagent/internal/engine"
	"github.com/MrWong99/callagent/internal/engine/cascade"
	"github.com/MrWong99/callagent/internal/events"
	"github.com/MrWong99/callagent/internal/gateway"
	"github.com/MrWong99/callagent/internal/gateway/twilio"
	"github.com/MrWong99/callagent/internal/health"
	"github.com/MrWong99/callagent/internal/observe"
	"github.com/MrWong99/callagent/internal/web"
	"github.com/MrWong99/callagent/pkg/provider/tts"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	store     audiostore.Store
	publisher events.Publisher
	dialer    gateway.Dialer
	fetcher   engine.Fetcher
	validator web.SignatureValidator
	metrics   *observe.Metrics
	levelVar  *slog.LevelVar
	proc      *cascade.Processor
	ctrl      *call.Controller
	server    *web.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects an audio store instead of opening the configured backend.
// The caller keeps ownership; Shutdown does not close it.
func WithStore(s audiostore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithPublisher injects a lifecycle event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithDialer injects the outbound dialer instead of the Twilio client.
func WithDialer(d gateway.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithFetcher injects the recording downloader.
func WithFetcher(f engine.Fetcher) Option {
	return func(a *App) { a.fetcher = f }
}

// WithSignatureValidator injects the webhook signature check. Only used when
// server.validate_signatures is set.
func WithSignatureValidator(v web.SignatureValidator) Option {
	return func(a *App) { a.validator = v }
}

// WithMetrics sets the metrics shared by every subsystem.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets configuration reloads adjust the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from [BuildProviders].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil || providers.LLM == nil || providers.TTS == nil {
		return nil, fmt.Errorf("app: stt, llm and tts providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Audio store ───────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, a.abort(fmt.Errorf("app: init store: %w", err))
	}

	// ── 2. Event publisher ───────────────────────────────────────────────
	if err := a.initPublisher(); err != nil {
		return nil, a.abort(fmt.Errorf("app: init events: %w", err))
	}

	// ── 3. Gateway ───────────────────────────────────────────────────────
	a.initGateway()

	// ── 4. Turn processor ────────────────────────────────────────────────
	a.proc = cascade.New(a.store, a.fetcher, providers.STT, providers.LLM, providers.TTS, a.processorOptions()...)

	// ── 5. Call controller ───────────────────────────────────────────────
	a.ctrl = call.New(a.proc, a.store, a.controllerOptions()...)

	// ── 6. Router ────────────────────────────────────────────────────────
	a.server = web.New(a.ctrl, a.store, cfg.Server.PublicBaseURL, a.serverOptions()...)

	return a, nil
}

// abort runs the closers registered so far and returns err.
func (a *App) abort(err error) error {
	for _, c := range a.closers {
		if cerr := c(); cerr != nil {
			slog.Warn("closer error during failed start", "err", cerr)
		}
	}
	return err
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the configured storage backend unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	st := a.cfg.Storage
	switch st.Backend {
	case config.StorageMemory, "":
		a.store = audiostore.NewMemory()
	case config.StorageDisk:
		d, err := audiostore.OpenDisk(filepath.Join(st.Dir, "audio"))
		if err != nil {
			return err
		}
		a.store = d
	case config.StorageSQLite:
		if err := os.MkdirAll(st.Dir, 0o750); err != nil {
			return fmt.Errorf("create %q: %w", st.Dir, err)
		}
		s, err := audiostore.OpenSQLite(st.Dir)
		if err != nil {
			return err
		}
		a.store = s
	case config.StorageNATS:
		nc, err := nats.Connect(st.NATSURL, nats.Name("callagent-audiostore"), nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("connect %s: %w", st.NATSURL, err)
		}
		// Registered before the store so it closes after it.
		a.closers = append(a.closers, func() error { nc.Close(); return nil })
		js, err := nc.JetStream()
		if err != nil {
			return fmt.Errorf("jetstream: %w", err)
		}
		n, err := audiostore.NewNATS(js, st.Bucket)
		if err != nil {
			return err
		}
		a.store = n
	default:
		return fmt.Errorf("unknown storage backend %q", st.Backend)
	}
	store := a.store
	a.closers = append([]func() error{store.Close}, a.closers...)
	if err := store.Ping(ctx); err != nil {
		return err
	}
	slog.Info("audio store ready", "backend", st.Backend)
	return nil
}

// initPublisher connects the lifecycle publisher when events.nats_url is set.
func (a *App) initPublisher() error {
	if a.publisher != nil {
		return nil
	}
	if a.cfg.Events.NATSURL == "" {
		a.publisher = events.Noop{}
		return nil
	}
	prefix := a.cfg.Events.SubjectPrefix
	if prefix == "" {
		prefix = events.DefaultSubjectPrefix
	}
	p, err := events.Connect(a.cfg.Events.NATSURL, prefix)
	if err != nil {
		return err
	}
	a.publisher = p
	a.closers = append(a.closers, p.Close)
	slog.Info("publishing call events", "url", a.cfg.Events.NATSURL, "prefix", prefix)
	return nil
}

// initGateway builds the Twilio client, downloader and signature validator
// unless injected. Missing credentials leave outbound dialling unconfigured
// rather than failing start-up.
func (a *App) initGateway() {
	gw := a.cfg.Gateway
	if a.dialer == nil {
		c, err := twilio.New(twilio.Config{
			AccountSID: gw.AccountSID,
			AuthToken:  gw.AuthToken,
			From:       gw.FromNumber,
			BaseURL:    a.cfg.Server.PublicBaseURL,
		})
		if err != nil {
			slog.Warn("outbound calls disabled", "err", err)
		} else {
			a.dialer = c
		}
	}
	if a.fetcher == nil {
		a.fetcher = twilio.NewFetcher(gw.AccountSID, gw.AuthToken,
			gateway.WithHTTPClient(&http.Client{Timeout: gw.FetchTimeout}))
	}
	if a.validator == nil && a.cfg.Server.ValidateSignatures {
		a.validator = twilio.NewValidator(gw.AuthToken)
	}
}

func (a *App) processorOptions() []cascade.Option {
	t := a.cfg.Turn
	opts := []cascade.Option{
		cascade.WithVoice(tts.VoiceProfile{
			ID:          a.cfg.Voice.ID,
			Name:        a.cfg.Voice.Name,
			SpeedFactor: a.cfg.Voice.SpeedFactor,
		}),
		cascade.WithTruncation(cascade.TruncationPolicy(t.Truncation)),
		cascade.WithTimeouts(cascade.Timeouts{
			Fetch:         t.Timeouts.Fetch,
			Transcription: t.Timeouts.Transcription,
			Generation:    t.Timeouts.Generation,
			Synthesis:     t.Timeouts.Synthesis,
			Storage:       t.Timeouts.Storage,
		}),
		cascade.WithRetry(cascade.Retry{Attempts: t.Retry.Attempts, Backoff: t.Retry.Backoff}),
		cascade.WithMetrics(a.metrics),
	}
	if t.Preamble != "" {
		opts = append(opts, cascade.WithPreamble(t.Preamble))
	}
	if t.Speaker != "" {
		opts = append(opts, cascade.WithSpeaker(t.Speaker))
	}
	if t.MaxTokens > 0 {
		opts = append(opts, cascade.WithMaxTokens(t.MaxTokens))
	}
	if t.Temperature != 0 {
		opts = append(opts, cascade.WithTemperature(t.Temperature))
	}
	if c := a.cfg.Call.Script.Clarification; c != "" {
		opts = append(opts, cascade.WithClarification(c))
	}
	return opts
}

func (a *App) controllerOptions() []call.Option {
	c := a.cfg.Call
	rec := call.Record{Timeout: c.Record.Timeout, MaxLength: c.Record.MaxLength, Beep: true}
	if c.Record.Beep != nil {
		rec.Beep = *c.Record.Beep
	}
	base := a.cfg.Server.PublicBaseURL
	return []call.Option{
		call.WithScript(scriptFromConfig(c.Script)),
		call.WithRecord(rec),
		call.WithMaxConsecutiveFailures(c.MaxConsecutiveFailures),
		call.WithMaxSilentTurns(c.MaxSilentTurns),
		call.WithIdleTimeout(c.IdleTimeout),
		call.WithTombstoneTTL(c.TombstoneTTL),
		call.WithReapInterval(c.ReapInterval),
		call.WithAudioURL(func(ref audiostore.Ref) string { return AudioURL(base, ref) }),
		call.WithPublisher(a.publisher),
		call.WithMetrics(a.metrics),
	}
}

func (a *App) serverOptions() []web.Option {
	opts := []web.Option{
		web.WithRender(twilio.RenderOptions{
			BaseURL:  a.cfg.Server.PublicBaseURL,
			Voice:    a.cfg.Gateway.Voice,
			Language: a.cfg.Gateway.Language,
		}),
		web.WithHealth(health.New(a.checkers()...)),
		web.WithMetrics(a.metrics),
	}
	if a.dialer != nil {
		opts = append(opts, web.WithDialer(a.dialer, a.cfg.Gateway.DefaultToNumber))
	}
	if a.validator != nil {
		opts = append(opts, web.WithSignatureValidation(a.validator))
	}
	return opts
}

// checkers lists the readiness checks.
func (a *App) checkers() []health.Checker {
	gw := a.cfg.Gateway
	cs := []health.Checker{
		health.Ping("audiostore", a.store),
		health.Configured("gateway", func() bool {
			return gw.AccountSID != "" && gw.AuthToken != "" && gw.FromNumber != ""
		}, "gateway credentials or caller number missing"),
	}
	for _, g := range []struct {
		kind  string
		group health.Availability
	}{
		{"stt", a.providers.STTGroup},
		{"llm", a.providers.LLMGroup},
		{"tts", a.providers.TTSGroup},
	} {
		if g.group != nil {
			cs = append(cs, health.Providers(g.kind, g.group))
		}
	}
	return cs
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Controller returns the call controller.
func (a *App) Controller() *call.Controller { return a.ctrl }

// Store returns the audio store.
func (a *App) Store() audiostore.Store { return a.store }

// AudioURL is the public URL under which the router serves ref.
func AudioURL(publicBaseURL string, ref audiostore.Ref) string {
	return publicBaseURL + "/audio/" + string(ref)
}

// scriptFromConfig overlays the configured texts on the defaults. An empty
// field keeps its default.
func scriptFromConfig(sc config.ScriptConfig) call.Script {
	s := call.DefaultScript()
	if sc.Greeting != "" {
		s.Greeting = sc.Greeting
	}
	if sc.Apology != "" {
		s.Apology = sc.Apology
	}
	if sc.Clarification != "" {
		s.Clarification = sc.Clarification
	}
	if sc.Farewell != "" {
		s.Farewell = sc.Farewell
	}
	return s
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable part of a changed configuration:
// the script texts and the log level. Everything else is logged as
// requiring a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.ScriptChanged {
		a.ctrl.SetScript(scriptFromConfig(d.NewScript))
		slog.Info("call script reloaded")
	}
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(ParseLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("configuration changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// ParseLevel converts a config level to a slog level. Unknown levels map to
// info.
func ParseLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run drives the call reaper and blocks until ctx is cancelled. It returns
// ctx.Err().
func (a *App) Run(ctx context.Context) error {
	slog.Info("app running",
		"public_base_url", a.cfg.Server.PublicBaseURL,
		"storage", a.cfg.Storage.Backend,
		"outbound", a.dialer != nil,
	)
	a.ctrl.Run(ctx)
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends every call, then runs the closers. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_calls", a.ctrl.Active(), "closers", len(a.closers))

		if err := a.ctrl.Shutdown(ctx); err != nil {
			slog.Warn("calls did not end before the deadline", "err", err)
			shutdownErr = err
			return
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
