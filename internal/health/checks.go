package health

import (
	"context"
	"errors"
	"fmt"
)

// Pinger is anything that can prove it is reachable, such as an audio store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping returns a checker that calls p.Ping.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// Configured returns a checker that fails with reason while ok reports false.
func Configured(name string, ok func() bool, reason string) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if !ok() {
			return errors.New(reason)
		}
		return nil
	}}
}

// Availability is implemented by provider groups that track circuit
// breaker state.
type Availability interface {
	Available() bool
	Names() []string
}

// Providers returns a checker that fails only when every provider of a kind
// has an open circuit.
func Providers(kind string, g Availability) Checker {
	return Checker{Name: kind, Check: func(context.Context) error {
		if !g.Available() {
			return fmt.Errorf("all %s providers unavailable %v", kind, g.Names())
		}
		return nil
	}}
}
