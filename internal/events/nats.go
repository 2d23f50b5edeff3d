package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is prepended to every event type.
const DefaultSubjectPrefix = "callagent"

// NATS publishes events as JSON on core NATS subjects of the form
// <prefix>.<type>, e.g. "callagent.turn.completed".
type NATS struct {
	conn   *nats.Conn
	prefix string
	owned  bool
}

var _ Publisher = (*NATS)(nil)

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, prefix string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("callagent"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("events: nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("events: nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect %s: %w", url, err)
	}
	p := NewNATS(nc, prefix)
	p.owned = true
	return p, nil
}

// NewNATS wraps an existing connection. Close does not close nc.
func NewNATS(nc *nats.Conn, prefix string) *NATS {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATS{conn: nc, prefix: prefix}
}

// Subject returns the subject an event type is published on.
func (p *NATS) Subject(t Type) string {
	return p.prefix + "." + string(t)
}

// Publish implements Publisher. Core NATS publishing is fire-and-forget; the
// call only fails when the connection is closed or the payload is invalid.
func (p *NATS) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.Type == "" {
		return errors.New("events: event type must not be empty")
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", ev.Type, err)
	}
	if err := p.conn.Publish(p.Subject(ev.Type), data); err != nil {
		return fmt.Errorf("events: publish %s: %w", ev.Type, err)
	}
	return nil
}

// Close drains the connection if the publisher owns it.
func (p *NATS) Close() error {
	if !p.owned {
		return nil
	}
	return p.conn.Drain()
}
