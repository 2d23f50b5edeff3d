package call

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/callagent/internal/engine"
	"github.com/MrWong99/callagent/internal/events"
	"github.com/MrWong99/callagent/internal/observe"
)

// request is one queued event and the channel its answer goes to.
type request struct {
	ctx   context.Context
	ev    Event
	reply chan result
}

type result struct {
	instr Instruction
	err   error
}

// actor serialises the events of one call. Everything below the atomics is
// owned by the run goroutine.
type actor struct {
	c     *Controller
	id    string
	inbox chan request
	done  chan struct{}

	endPending atomic.Bool
	busy       atomic.Bool
	lastActive atomic.Int64
	state      atomic.Int32

	to            string
	from          string
	turn          int
	failures      int
	silent        int
	startInstr    Instruction
	seen          map[string]struct{}
	lastRecording string
	lastInstr     Instruction
}

func newActor(c *Controller, id, to string) *actor {
	a := &actor{
		c:     c,
		id:    id,
		to:    to,
		inbox: make(chan request, c.queueSize),
		done:  make(chan struct{}),
		seen:  make(map[string]struct{}),
	}
	a.touch()
	a.setState(StateGreeting)
	return a
}

func (a *actor) loadState() State        { return State(a.state.Load()) }
func (a *actor) setState(s State)        { a.state.Store(int32(s)) }
func (a *actor) touch()                  { a.lastActive.Store(time.Now().UnixNano()) }
func (a *actor) lastActivity() time.Time { return time.Unix(0, a.lastActive.Load()) }

func (a *actor) logger(ctx context.Context) *slog.Logger {
	return observe.Logger(observe.WithCall(ctx, a.id, a.turn))
}

// submit queues ev and waits for its instruction. Once the actor has exited
// every event is a no-op.
func (a *actor) submit(ctx context.Context, ev Event) (Instruction, error) {
	req := request{ctx: ctx, ev: ev, reply: make(chan result, 1)}
	select {
	case a.inbox <- req:
	case <-a.done:
		return Instruction{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.instr, r.err
	case <-a.done:
		// The answer may have been sent just before the actor exited.
		select {
		case r := <-req.reply:
			return r.instr, r.err
		default:
			return Instruction{}, nil
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run drains the inbox until the call terminates.
func (a *actor) run() {
	defer a.c.wg.Done()
	defer close(a.done)
	for req := range a.inbox {
		instr, err := a.handle(req.ctx, req.ev)
		req.reply <- result{instr: instr, err: err}
		if a.loadState() == StateTerminated {
			return
		}
	}
}

func (a *actor) handle(ctx context.Context, ev Event) (Instruction, error) {
	a.touch()
	defer a.touch()

	if ev.Kind == EventCallEnd {
		a.terminate(ctx, reasonOr(ev.Reason, "hangup"))
		return Instruction{}, nil
	}
	if a.endPending.Load() {
		// The hangup is already queued behind this event.
		a.terminate(ctx, "hangup")
		return Instruction{Hangup{}}, nil
	}

	switch ev.Kind {
	case EventCallStart:
		return a.onStart(ctx, ev)
	case EventRecordingComplete:
		return a.onRecording(ctx, ev)
	}
	return nil, protocolErr("unknown event kind %q", ev.Kind)
}

// ─── call-start ───────────────────────────────────────────────────────────────

func (a *actor) onStart(ctx context.Context, ev Event) (Instruction, error) {
	switch a.loadState() {
	case StateAwaitingUtterance:
		if a.turn == 0 {
			return a.startInstr, nil
		}
		return nil, protocolErr("call-start for %s after %d turns", a.id, a.turn)
	case StateGreeting:
	default:
		return nil, protocolErr("call-start for %s in state %s", a.id, a.loadState())
	}

	log := a.logger(ctx)
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	_, err := a.c.store.Reserve(rctx, a.id)
	cancel()
	if err != nil {
		log.Error("failed to reserve audio namespace", "err", err)
		a.terminate(ctx, "storage")
		return a.goodbye(), nil
	}

	if ev.To != "" {
		a.to = ev.To
	}
	a.from = ev.From
	a.startInstr = a.prompt(a.c.Script().Greeting)
	a.setState(StateAwaitingUtterance)
	log.Info("call started", "from", a.from, "to", a.to)
	a.c.publish(ctx, events.Event{Type: events.TypeCallStarted, CallID: a.id})
	return a.startInstr, nil
}

// ─── recording-complete ───────────────────────────────────────────────────────

func (a *actor) onRecording(ctx context.Context, ev Event) (Instruction, error) {
	if st := a.loadState(); st != StateAwaitingUtterance {
		return nil, protocolErr("recording for %s in state %s", a.id, st)
	}

	key := ev.recordingKey()
	if _, dup := a.seen[key]; dup {
		a.c.metrics.DuplicateRecordings.Add(ctx, 1)
		if key == a.lastRecording {
			a.logger(ctx).Debug("duplicate recording, repeating last instruction", "recording", key)
			return a.lastInstr, nil
		}
		a.logger(ctx).Debug("stale duplicate recording ignored", "recording", key)
		return Instruction{}, nil
	}
	a.seen[key] = struct{}{}
	a.lastRecording = key

	a.turn++
	a.setState(StateProcessingTurn)
	a.busy.Store(true)
	instr := a.runTurn(ctx, ev)
	a.busy.Store(false)
	a.lastInstr = instr
	return instr, nil
}

// runTurn processes one utterance and maps the outcome to an instruction.
func (a *actor) runTurn(ctx context.Context, ev Event) Instruction {
	// The turn outlives the webhook request but not the controller.
	tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(a.c.base, cancel)
	defer stop()
	defer cancel()

	log := a.logger(ctx)
	start := time.Now()
	res, err := a.c.proc.Process(tctx, engine.TurnInput{CallID: a.id, Turn: a.turn, Recording: ev.Recording})
	d := time.Since(start)

	if a.endPending.Load() {
		log.Info("call ended during turn, discarding output")
		a.c.metrics.RecordTurn(ctx, "discarded", d)
		a.terminate(ctx, "hangup")
		return Instruction{Hangup{}}
	}

	script := a.c.Script()
	switch {
	case err != nil:
		a.failures++
		a.c.metrics.RecordTurn(ctx, "failed", d)
		stage := "unknown"
		var te *engine.TurnError
		if errors.As(err, &te) {
			stage = string(te.Stage)
		}
		log.Warn("turn failed", "stage", stage, "consecutive_failures", a.failures, "err", err)
		a.c.publish(ctx, events.Event{Type: events.TypeTurnFailed, CallID: a.id, Turn: a.turn, Stage: stage})
		if a.failures >= a.c.maxFailures {
			a.terminate(ctx, "failures")
			return a.goodbye()
		}
		a.setState(StateAwaitingUtterance)
		return a.prompt(script.Apology)

	case res.Clarification:
		a.failures = 0
		a.silent++
		a.c.metrics.RecordTurn(ctx, "clarified", d)
		a.c.publish(ctx, events.Event{Type: events.TypeTurnClarified, CallID: a.id, Turn: a.turn})
		if a.c.maxSilent > 0 && a.silent >= a.c.maxSilent {
			log.Info("no speech for too many turns, ending call", "silent_turns", a.silent)
			a.terminate(ctx, "silence")
			return a.goodbye()
		}
		a.setState(StateAwaitingUtterance)
		text := script.Clarification
		if text == "" {
			text = res.Text
		}
		return a.prompt(text)

	default:
		a.failures = 0
		a.silent = 0
		a.c.metrics.RecordTurn(ctx, "ok", d)
		a.c.publish(ctx, events.Event{
			Type:       events.TypeTurnCompleted,
			CallID:     a.id,
			Turn:       a.turn,
			Transcript: res.Transcript,
			Reply:      res.Text,
			Ref:        string(res.Ref),
		})
		a.setState(StateAwaitingUtterance)
		return Instruction{Play{URL: a.c.audioURL(res.Ref)}, a.c.record}
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// prompt speaks text (if any) and records the reply.
func (a *actor) prompt(text string) Instruction {
	if text == "" {
		return Instruction{a.c.record}
	}
	return Instruction{Say{Text: text}, a.c.record}
}

// goodbye is the instruction that ends a call from our side.
func (a *actor) goodbye() Instruction {
	if fw := a.c.Script().Farewell; fw != "" {
		return Instruction{Say{Text: fw}, Hangup{}}
	}
	return Instruction{Hangup{}}
}

// terminate releases the call's namespace and retires it. Idempotent.
func (a *actor) terminate(ctx context.Context, reason string) {
	if a.loadState() == StateTerminated {
		return
	}
	a.setState(StateTerminated)

	log := a.logger(ctx)
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := a.c.store.Release(rctx, a.id); err != nil {
		log.Warn("failed to release audio namespace", "err", err)
	}
	a.c.retire(a)
	a.c.publish(ctx, events.Event{Type: events.TypeCallTerminated, CallID: a.id, Turn: a.turn, Reason: reason})
	log.Info("call terminated", "reason", reason, "turns", a.turn)
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}
