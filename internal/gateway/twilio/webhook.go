package twilio

import (
	"net/url"
	"strconv"
	"time"

	"github.com/twilio/twilio-go/client"

	"github.com/MrWong99/callagent/internal/call"
	"github.com/MrWong99/callagent/internal/engine"
)

// SignatureHeader carries the webhook signature.
const SignatureHeader = "X-Twilio-Signature"

// Form fields posted by Twilio.
const (
	fieldCallSid           = "CallSid"
	fieldFrom              = "From"
	fieldTo                = "To"
	fieldCallStatus        = "CallStatus"
	fieldRecordingURL      = "RecordingUrl"
	fieldRecordingSid      = "RecordingSid"
	fieldRecordingDuration = "RecordingDuration"
)

// terminalStatuses end a call.
var terminalStatuses = map[string]bool{
	"completed": true,
	"busy":      true,
	"failed":    true,
	"no-answer": true,
	"canceled":  true,
}

// ParseEvent converts the form of a /voice or /recording webhook into a call
// event. Missing fields are reported as [call.ErrProtocol].
func ParseEvent(kind call.EventKind, form url.Values) (call.Event, error) {
	ev := call.Event{Kind: kind, CallID: form.Get(fieldCallSid)}
	switch kind {
	case call.EventCallStart:
		ev.From = form.Get(fieldFrom)
		ev.To = form.Get(fieldTo)
	case call.EventRecordingComplete:
		ev.Recording = engine.Recording{
			URL: form.Get(fieldRecordingURL),
			ID:  form.Get(fieldRecordingSid),
		}
		if s, err := strconv.Atoi(form.Get(fieldRecordingDuration)); err == nil && s >= 0 {
			ev.Duration = time.Duration(s) * time.Second
		}
	case call.EventCallEnd:
		ev.Reason = form.Get(fieldCallStatus)
	}
	if err := ev.Validate(); err != nil {
		return call.Event{}, err
	}
	return ev, nil
}

// ParseStatus converts a status callback. terminal is false for progress
// statuses (ringing, in-progress, ...), which carry no event.
func ParseStatus(form url.Values) (ev call.Event, terminal bool, err error) {
	if !terminalStatuses[form.Get(fieldCallStatus)] {
		if form.Get(fieldCallSid) == "" {
			_, err = ParseEvent(call.EventCallEnd, form)
		}
		return call.Event{}, false, err
	}
	ev, err = ParseEvent(call.EventCallEnd, form)
	return ev, err == nil, err
}

// Validator checks webhook signatures.
type Validator struct {
	rv client.RequestValidator
}

// NewValidator creates a Validator for the account's auth token.
func NewValidator(authToken string) *Validator {
	return &Validator{rv: client.NewRequestValidator(authToken)}
}

// ValidateSignature reports whether signature matches the public URL the
// webhook was sent to and its form parameters.
func (v *Validator) ValidateSignature(publicURL string, form url.Values, signature string) bool {
	if signature == "" {
		return false
	}
	params := make(map[string]string, len(form))
	for k := range form {
		params[k] = form.Get(k)
	}
	return v.rv.Validate(publicURL, params, signature)
}
