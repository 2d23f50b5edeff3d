// Package call implements the per-call state machine that turns telephony
// webhook events into gateway instructions.
//
// Every call is driven by its own actor goroutine that drains a FIFO queue,
// so events of one call are handled strictly in delivery order while
// different calls proceed independently. A call walks through
//
//	Greeting → AwaitingUtterance ⇄ ProcessingTurn → Terminated
//
// and each event yields exactly one [Instruction]: an ordered list of verbs
// the gateway executes before it calls back.
package call

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/callagent/internal/engine"
)

// ErrProtocol is returned for events that violate the webhook protocol:
// missing fields, unknown kinds or events out of order. The call is left
// unchanged.
var ErrProtocol = errors.New("call: protocol error")

// protocolErr wraps a reason in ErrProtocol.
func protocolErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// ─── State ────────────────────────────────────────────────────────────────────

// State is the lifecycle position of a call.
type State int

const (
	StateGreeting State = iota
	StateAwaitingUtterance
	StateProcessingTurn
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateGreeting:
		return "greeting"
	case StateAwaitingUtterance:
		return "awaiting-utterance"
	case StateProcessingTurn:
		return "processing-turn"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ─── Events ───────────────────────────────────────────────────────────────────

// EventKind identifies a webhook event.
type EventKind string

const (
	EventCallStart         EventKind = "call-start"
	EventRecordingComplete EventKind = "recording-complete"
	EventCallEnd           EventKind = "call-end"
)

// Event is a normalised gateway webhook.
type Event struct {
	Kind   EventKind
	CallID string

	// From and To are set on call-start.
	From string
	To   string

	// Recording is set on recording-complete.
	Recording engine.Recording

	// Duration is the reported recording length, if any.
	Duration time.Duration

	// Reason is the gateway status behind a call-end (completed, busy, ...).
	Reason string
}

// Validate checks the fields each kind requires.
func (e Event) Validate() error {
	if strings.TrimSpace(e.CallID) == "" {
		return protocolErr("missing call id")
	}
	switch e.Kind {
	case EventCallStart, EventCallEnd:
		return nil
	case EventRecordingComplete:
		if e.Recording.URL == "" && e.Recording.Ref == "" {
			return protocolErr("recording-complete without recording url")
		}
		return nil
	case "":
		return protocolErr("missing event kind")
	default:
		return protocolErr("unknown event kind %q", e.Kind)
	}
}

// recordingKey identifies a recording for duplicate detection.
func (e Event) recordingKey() string {
	if e.Recording.ID != "" {
		return e.Recording.ID
	}
	if e.Recording.URL != "" {
		return e.Recording.URL
	}
	return string(e.Recording.Ref)
}

// ─── Instructions ─────────────────────────────────────────────────────────────

// Verb is one gateway action. The concrete verbs are [Say], [Play], [Record]
// and [Hangup].
type Verb interface{ verb() }

// Say speaks Text with the gateway's own voice.
type Say struct{ Text string }

// Play plays the audio at URL.
type Play struct{ URL string }

// Record captures the caller's next utterance and posts it back.
type Record struct {
	// Timeout is the trailing silence that ends the recording.
	Timeout time.Duration
	// MaxLength caps the recording.
	MaxLength time.Duration
	// Beep plays a tone before recording starts.
	Beep bool
}

// Hangup ends the call.
type Hangup struct{}

func (Say) verb()    {}
func (Play) verb()   {}
func (Record) verb() {}
func (Hangup) verb() {}

// Instruction is the ordered verb list answering one event. An empty
// Instruction is the no-op: the gateway acknowledges and does nothing.
type Instruction []Verb

// Noop reports whether the instruction carries no verbs.
func (in Instruction) Noop() bool { return len(in) == 0 }

// String renders the verbs for logs, e.g. "say,record".
func (in Instruction) String() string {
	names := make([]string, len(in))
	for i, v := range in {
		switch v.(type) {
		case Say:
			names[i] = "say"
		case Play:
			names[i] = "play"
		case Record:
			names[i] = "record"
		case Hangup:
			names[i] = "hangup"
		}
	}
	return strings.Join(names, ",")
}

// ─── Script ───────────────────────────────────────────────────────────────────

// Script holds the fixed texts spoken by the gateway voice.
type Script struct {
	Greeting      string
	Apology       string
	Clarification string
	// Farewell precedes the hangup after repeated failures. Empty means hang
	// up silently.
	Farewell string
}

// DefaultScript returns the built-in texts.
func DefaultScript() Script {
	return Script{
		Greeting:      "Hello, this is your AI calling agent from AiKing Solutions. May I know if there are any job openings available?",
		Apology:       "Sorry, I encountered an error. Please try again.",
		Clarification: "Sorry, I didn't catch that. Could you please repeat?",
		Farewell:      "Sorry, we are having technical difficulties. Goodbye.",
	}
}
