// Package web is the HTTP surface of the agent: the telephony webhooks, the
// outbound call trigger, reply audio retrieval and the operational
// endpoints. Handlers are thin. They normalise a request, hand it to the call
// controller and render whatever it answers.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/callagent/internal/audiostore"
	"github.com/MrWong99/callagent/internal/call"
	"github.com/MrWong99/callagent/internal/gateway"
	"github.com/MrWong99/callagent/internal/gateway/twilio"
	"github.com/MrWong99/callagent/internal/health"
	"github.com/MrWong99/callagent/internal/observe"
)

// Liveness is the body of GET /.
const Liveness = "AI calling agent running"

// maxTriggerBody caps the JSON body of POST /calls.
const maxTriggerBody = 4 << 10

// Controller is the slice of the call controller the router drives.
type Controller interface {
	HandleEvent(ctx context.Context, ev call.Event) (call.Instruction, error)
	Register(callID, to string) error
}

// SignatureValidator checks webhook signatures. [*twilio.Validator]
// implements it.
type SignatureValidator interface {
	ValidateSignature(publicURL string, form url.Values, signature string) bool
}

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithDialer enables POST /calls.
func WithDialer(d gateway.Dialer, defaultTo string) Option {
	return func(s *Server) {
		s.dialer = d
		s.defaultTo = defaultTo
	}
}

// WithSignatureValidation rejects webhooks whose signature does not match
// publicBaseURL + request URI.
func WithSignatureValidation(v SignatureValidator) Option {
	return func(s *Server) { s.validator = v }
}

// WithRender sets how instructions are rendered.
func WithRender(o twilio.RenderOptions) Option {
	return func(s *Server) { s.render = o }
}

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler replaces the /metrics handler. Defaults to promhttp.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMetrics sets the metrics used by the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRateLimit overrides the per-IP limit of POST /calls.
func WithRateLimit(rl RateLimit) Option {
	return func(s *Server) { s.rateLimit = rl }
}

// Server routes HTTP requests to the call controller and the audio store.
type Server struct {
	ctrl      Controller
	store     audiostore.Store
	publicURL string

	dialer         gateway.Dialer
	defaultTo      string
	validator      SignatureValidator
	render         twilio.RenderOptions
	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics
	rateLimit      RateLimit
}

// New creates a Server. publicBaseURL is the externally visible URL of the
// service; rendered TwiML and signature checks are relative to it.
func New(ctrl Controller, store audiostore.Store, publicBaseURL string, opts ...Option) *Server {
	s := &Server{
		ctrl:           ctrl,
		store:          store,
		publicURL:      strings.TrimRight(publicBaseURL, "/"),
		metricsHandler: promhttp.Handler(),
		rateLimit:      DefaultRateLimit(),
	}
	s.render.BaseURL = s.publicURL
	for _, o := range opts {
		o(s)
	}
	if s.render.BaseURL == "" {
		s.render.BaseURL = s.publicURL
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(recoverer)
	r.Use(observe.Middleware(s.metrics))

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) { writeText(w, http.StatusOK, Liveness) })
	r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	if s.health != nil {
		s.health.Register(r)
	}

	r.Post(twilio.PathVoice, s.webhook(call.EventCallStart))
	r.Post(twilio.PathRecording, s.webhook(call.EventRecordingComplete))
	r.Post(twilio.PathStatus, s.status)
	r.Get("/audio/{namespace}/{name}", s.audio)

	if s.dialer != nil {
		r.With(rateLimit(newIPLimiter(s.rateLimit))).Post("/calls", s.trigger)
	}
	return r
}

// ─── Webhooks ─────────────────────────────────────────────────────────────────

func (s *Server) webhook(kind call.EventKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.accept(w, r) {
			return
		}
		ev, err := twilio.ParseEvent(kind, r.Form)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		instr, err := s.ctrl.HandleEvent(r.Context(), ev)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		doc, err := twilio.Render(instr, s.render)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		observe.Logger(r.Context()).Debug("webhook answered",
			"kind", kind, "call_id", ev.CallID, "instruction", instr.String())
		writeTwiML(w, doc)
	}
}

// status handles call status callbacks. Only terminal statuses reach the
// controller; the gateway ignores the response body.
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	if !s.accept(w, r) {
		return
	}
	ev, terminal, err := twilio.ParseStatus(r.Form)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if terminal {
		if _, err := s.ctrl.HandleEvent(r.Context(), ev); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// accept parses the form and checks the signature. It writes the error
// response itself and reports whether handling should continue.
func (s *Server) accept(w http.ResponseWriter, r *http.Request) bool {
	if err := r.ParseForm(); err != nil {
		writeText(w, http.StatusBadRequest, "malformed form body")
		return false
	}
	if s.validator == nil {
		return true
	}
	sig := r.Header.Get(twilio.SignatureHeader)
	if !s.validator.ValidateSignature(s.publicURL+r.URL.RequestURI(), r.PostForm, sig) {
		observe.Logger(r.Context()).Warn("rejected webhook with invalid signature", "path", r.URL.Path)
		writeText(w, http.StatusForbidden, "invalid signature")
		return false
	}
	return true
}

// fail maps controller and parsing errors to status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	log := observe.Logger(r.Context())
	switch {
	case errors.Is(err, call.ErrProtocol):
		log.Warn("protocol error", "path", r.URL.Path, "err", err)
		writeText(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, call.ErrClosed):
		log.Warn("webhook not handled", "path", r.URL.Path, "err", err)
		writeText(w, http.StatusServiceUnavailable, "service unavailable")
	default:
		log.Error("webhook failed", "path", r.URL.Path, "err", err)
		writeText(w, http.StatusInternalServerError, "internal server error")
	}
}

// ─── Outbound trigger ─────────────────────────────────────────────────────────

type triggerRequest struct {
	To string `json:"to"`
}

type triggerResponse struct {
	CallID string `json:"call_id"`
	To     string `json:"to"`
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTriggerBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	to := strings.TrimSpace(req.To)
	if to == "" {
		to = s.defaultTo
	}
	if to == "" {
		writeError(w, http.StatusBadRequest, "no target number given and none configured")
		return
	}

	log := observe.Logger(r.Context())
	callID, err := s.dialer.Dial(r.Context(), to)
	if err != nil {
		if errors.Is(err, gateway.ErrNotConfigured) {
			writeError(w, http.StatusServiceUnavailable, "gateway not configured")
			return
		}
		log.Error("failed to place outbound call", "to", to, "err", err)
		writeError(w, http.StatusBadGateway, "failed to place call")
		return
	}
	if err := s.ctrl.Register(callID, to); err != nil {
		// The call is already ringing; its call-start will create the call.
		log.Warn("failed to register outbound call", "call_id", callID, "err", err)
	}
	writeJSON(w, http.StatusCreated, triggerResponse{CallID: callID, To: to})
}

// ─── Audio ────────────────────────────────────────────────────────────────────

// audio serves synthesized replies. Recorded utterances are not exposed.
func (s *Server) audio(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !strings.HasSuffix(name, "-"+string(audiostore.RoleOutgoing)) {
		http.NotFound(w, r)
		return
	}
	ref := audiostore.Ref(chi.URLParam(r, "namespace") + "/" + name)
	a, err := s.store.Load(r.Context(), ref)
	if err != nil {
		if errors.Is(err, audiostore.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		observe.Logger(r.Context()).Error("failed to load audio", "ref", ref, "err", err)
		writeText(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(a.Data)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(a.Data)
}
