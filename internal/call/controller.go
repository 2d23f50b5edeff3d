package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/callagent/internal/audiostore"
	"github.com/MrWong99/callagent/internal/engine"
	"github.com/MrWong99/callagent/internal/events"
	"github.com/MrWong99/callagent/internal/observe"
)

// ErrClosed is returned for new calls once Shutdown has begun.
var ErrClosed = errors.New("call: controller is shut down")

const (
	defaultMaxFailures  = 5
	defaultIdleTimeout  = 10 * time.Minute
	defaultTombstoneTTL = time.Hour
	defaultReapInterval = 30 * time.Second
	defaultQueueSize    = 16
	releaseTimeout      = 5 * time.Second
	publishTimeout      = 2 * time.Second
)

// DefaultRecord is the record verb used unless overridden: two seconds of
// trailing silence, ten seconds at most, with a beep.
var DefaultRecord = Record{Timeout: 2 * time.Second, MaxLength: 10 * time.Second, Beep: true}

// Option is a functional option for configuring a Controller during construction.
type Option func(*Controller)

// WithScript sets the initial script. Defaults to [DefaultScript].
func WithScript(s Script) Option {
	return func(c *Controller) { c.script.Store(&s) }
}

// WithRecord overrides the record verb issued after every prompt.
func WithRecord(r Record) Option {
	return func(c *Controller) { c.record = r }
}

// WithMaxConsecutiveFailures sets how many failed turns in a row end a call.
func WithMaxConsecutiveFailures(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxFailures = n
		}
	}
}

// WithMaxSilentTurns sets how many clarifications in a row end a call.
// Zero or less disables the limit.
func WithMaxSilentTurns(n int) Option {
	return func(c *Controller) { c.maxSilent = n }
}

// WithIdleTimeout sets how long a call may go without events before the
// reaper ends it.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Controller) { c.idleTimeout = d }
}

// WithTombstoneTTL sets how long a terminated call id keeps absorbing late
// events.
func WithTombstoneTTL(d time.Duration) Option {
	return func(c *Controller) { c.tombstoneTTL = d }
}

// WithReapInterval sets the reaper tick.
func WithReapInterval(d time.Duration) Option {
	return func(c *Controller) { c.reapInterval = d }
}

// WithAudioURL sets how an outgoing artifact becomes a playable URL.
func WithAudioURL(fn func(audiostore.Ref) string) Option {
	return func(c *Controller) { c.audioURL = fn }
}

// WithPublisher sets the lifecycle event sink. Defaults to [events.Noop].
func WithPublisher(p events.Publisher) Option {
	return func(c *Controller) { c.pub = p }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller owns every live call. HandleEvent is safe for concurrent use;
// the controller's lock only guards the call table and is never held while a
// call does I/O.
type Controller struct {
	proc    engine.Processor
	store   audiostore.Store
	pub     events.Publisher
	metrics *observe.Metrics
	script  atomic.Pointer[Script]

	record       Record
	maxFailures  int
	maxSilent    int
	idleTimeout  time.Duration
	tombstoneTTL time.Duration
	reapInterval time.Duration
	queueSize    int
	audioURL     func(audiostore.Ref) string

	// base bounds every turn; Shutdown cancels it.
	base context.Context
	stop context.CancelFunc

	mu         sync.Mutex
	calls      map[string]*actor
	tombstones map[string]time.Time
	closed     bool

	wg sync.WaitGroup
}

// New creates a Controller that runs turns through proc and keeps call audio
// in store.
func New(proc engine.Processor, store audiostore.Store, opts ...Option) *Controller {
	base, stop := context.WithCancel(context.Background())
	c := &Controller{
		proc:         proc,
		store:        store,
		pub:          events.Noop{},
		record:       DefaultRecord,
		maxFailures:  defaultMaxFailures,
		idleTimeout:  defaultIdleTimeout,
		tombstoneTTL: defaultTombstoneTTL,
		reapInterval: defaultReapInterval,
		queueSize:    defaultQueueSize,
		audioURL:     func(r audiostore.Ref) string { return "/audio/" + string(r) },
		base:         base,
		stop:         stop,
		calls:        make(map[string]*actor),
		tombstones:   make(map[string]time.Time),
	}
	for _, o := range opts {
		o(c)
	}
	if c.script.Load() == nil {
		s := DefaultScript()
		c.script.Store(&s)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Script returns the script currently in use.
func (c *Controller) Script() Script { return *c.script.Load() }

// SetScript swaps the spoken texts. Calls pick up the new texts on their
// next instruction.
func (c *Controller) SetScript(s Script) {
	c.script.Store(&s)
	slog.Info("call script updated")
}

// ─── Event routing ────────────────────────────────────────────────────────────

// HandleEvent applies ev to its call and returns the instruction for the
// gateway. The only errors are [ErrProtocol] (the call is unchanged),
// [ErrClosed] and the context error when ctx ends before the call's actor
// answered.
func (c *Controller) HandleEvent(ctx context.Context, ev Event) (Instruction, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	a, err := c.route(ev)
	if err != nil || a == nil {
		if err == nil {
			return Instruction{}, nil
		}
		return nil, err
	}
	return a.submit(ctx, ev)
}

// route finds or creates the actor for ev. A nil actor with a nil error
// means the event is a no-op.
func (c *Controller) route(ev Event) (*actor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dead := c.tombstones[ev.CallID]; dead {
		return nil, nil
	}
	a := c.calls[ev.CallID]
	if a == nil {
		switch ev.Kind {
		case EventCallStart:
			if c.closed {
				return nil, ErrClosed
			}
			a = c.spawnLocked(ev.CallID, ev.To)
		case EventCallEnd:
			// Absorb whatever the gateway still sends for this id.
			c.tombstones[ev.CallID] = time.Now()
			return nil, nil
		default:
			return nil, protocolErr("recording for unknown call %s", ev.CallID)
		}
	}
	if ev.Kind == EventCallEnd {
		// Visible to a turn that is already running.
		a.endPending.Store(true)
	}
	return a, nil
}

// Register records an outbound call created by the dialer so that its
// call-start finds the target number. Registering a known id is a no-op.
func (c *Controller) Register(callID, to string) error {
	if callID == "" {
		return protocolErr("missing call id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, dead := c.tombstones[callID]; dead {
		return nil
	}
	if _, ok := c.calls[callID]; !ok {
		c.spawnLocked(callID, to)
	}
	return nil
}

// spawnLocked starts the actor of a new call. Must be called with c.mu held.
func (c *Controller) spawnLocked(callID, to string) *actor {
	a := newActor(c, callID, to)
	c.calls[callID] = a
	c.wg.Add(1)
	go a.run()
	c.metrics.ActiveCalls.Add(context.Background(), 1)
	return a
}

// retire removes a terminated call and tombstones its id.
func (c *Controller) retire(a *actor) {
	c.mu.Lock()
	if c.calls[a.id] == a {
		delete(c.calls, a.id)
	}
	c.tombstones[a.id] = time.Now()
	c.mu.Unlock()
	c.metrics.ActiveCalls.Add(context.Background(), -1)
}

// ─── Introspection ────────────────────────────────────────────────────────────

// State reports the state of a call. ok is false for ids the controller has
// never seen or already forgot.
func (c *Controller) State(callID string) (s State, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a := c.calls[callID]; a != nil {
		return a.loadState(), true
	}
	if _, dead := c.tombstones[callID]; dead {
		return StateTerminated, true
	}
	return 0, false
}

// Active returns the number of calls that are not terminated.
func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// ─── Reaper ───────────────────────────────────────────────────────────────────

// Run ends idle calls and forgets old tombstones every reap interval until
// ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	t := time.NewTicker(c.reapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.reap(ctx, time.Now())
		}
	}
}

// reap ends calls idle since before now-idleTimeout and drops expired
// tombstones.
func (c *Controller) reap(ctx context.Context, now time.Time) {
	var idle []string
	c.mu.Lock()
	for id, a := range c.calls {
		if !a.busy.Load() && now.Sub(a.lastActivity()) > c.idleTimeout {
			idle = append(idle, id)
		}
	}
	for id, at := range c.tombstones {
		if now.Sub(at) > c.tombstoneTTL {
			delete(c.tombstones, id)
		}
	}
	c.mu.Unlock()

	for _, id := range idle {
		slog.Info("ending idle call", "call_id", id, "idle_timeout", c.idleTimeout)
		if _, err := c.HandleEvent(ctx, Event{Kind: EventCallEnd, CallID: id, Reason: "idle"}); err != nil {
			slog.Warn("failed to end idle call", "call_id", id, "err", err)
		}
	}
}

// ─── Shutdown ─────────────────────────────────────────────────────────────────

// Shutdown ends every call, aborts running turns and waits for the actors to
// release their namespaces. New calls are refused from the first moment.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	actors := make([]*actor, 0, len(c.calls))
	for _, a := range c.calls {
		actors = append(actors, a)
	}
	c.mu.Unlock()

	for _, a := range actors {
		a.endPending.Store(true)
		go func(a *actor) {
			_, _ = a.submit(ctx, Event{Kind: EventCallEnd, CallID: a.id, Reason: "shutdown"})
		}(a)
	}
	c.stop()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("call: shutdown: %w", ctx.Err())
	}
}

// publish emits a lifecycle event. Failures are logged and otherwise ignored.
func (c *Controller) publish(ctx context.Context, ev events.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if err := c.pub.Publish(ctx, ev); err != nil {
		observe.Logger(ctx).Warn("failed to publish call event",
			"type", ev.Type, "call_id", ev.CallID, "err", err)
	}
}
