// Package events publishes call lifecycle notifications for downstream
// consumers (dashboards, CRM sync, transcripts). Delivery is best effort:
// a failed publish is logged by the caller and never changes a call.
package events

import (
	"context"
	"time"
)

// Type names a lifecycle notification. It doubles as the subject suffix.
type Type string

const (
	TypeCallStarted    Type = "call.started"
	TypeTurnCompleted  Type = "turn.completed"
	TypeTurnFailed     Type = "turn.failed"
	TypeTurnClarified  Type = "turn.clarified"
	TypeCallTerminated Type = "call.terminated"
)

// Event is one lifecycle notification.
type Event struct {
	Type   Type      `json:"type"`
	CallID string    `json:"call_id"`
	Turn   int       `json:"turn,omitempty"`
	Time   time.Time `json:"time"`

	// Stage is the failing stage of a turn.failed event.
	Stage string `json:"stage,omitempty"`

	// Reason explains a call.terminated event (hangup, failures, idle, ...).
	Reason string `json:"reason,omitempty"`

	// Transcript and Reply carry the turn text of a turn.completed event.
	Transcript string `json:"transcript,omitempty"`
	Reply      string `json:"reply,omitempty"`

	// Ref is the outgoing audio artifact of a turn.completed event.
	Ref string `json:"ref,omitempty"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Noop discards every event. It is used when no bus is configured.
type Noop struct{}

var _ Publisher = Noop{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (Noop) Close() error { return nil }
