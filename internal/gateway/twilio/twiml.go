package twilio

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/twilio/twilio-go/twiml"

	"github.com/MrWong99/callagent/internal/call"
)

// DefaultVoice is the Twilio voice used for Say verbs.
const DefaultVoice = "alice"

// RenderOptions controls how instructions become TwiML.
type RenderOptions struct {
	// BaseURL is the public URL of this service. Record verbs post back to
	// BaseURL + "/recording".
	BaseURL string
	// Voice for Say verbs. Defaults to [DefaultVoice].
	Voice string
	// Language for Say verbs, e.g. "en-US". Empty leaves Twilio's default.
	Language string
}

// Render converts an instruction into a TwiML <Response> document. The
// no-op instruction renders as an empty response.
func Render(in call.Instruction, opts RenderOptions) (string, error) {
	voice := opts.Voice
	if voice == "" {
		voice = DefaultVoice
	}
	action := strings.TrimRight(opts.BaseURL, "/") + PathRecording

	verbs := make([]twiml.Element, 0, len(in))
	for _, v := range in {
		switch v := v.(type) {
		case call.Say:
			verbs = append(verbs, &twiml.VoiceSay{
				Message:  v.Text,
				Voice:    voice,
				Language: opts.Language,
			})
		case call.Play:
			verbs = append(verbs, &twiml.VoicePlay{Url: v.URL})
		case call.Record:
			verbs = append(verbs, &twiml.VoiceRecord{
				Action:    action,
				Method:    "POST",
				Timeout:   seconds(v.Timeout),
				MaxLength: seconds(v.MaxLength),
				PlayBeep:  strconv.FormatBool(v.Beep),
			})
		case call.Hangup:
			verbs = append(verbs, &twiml.VoiceHangup{})
		default:
			return "", fmt.Errorf("twilio: render: unsupported verb %T", v)
		}
	}

	out, err := twiml.Voice(verbs)
	if err != nil {
		return "", fmt.Errorf("twilio: render: %w", err)
	}
	return out, nil
}

// seconds formats d as whole seconds, at least one.
func seconds(d time.Duration) string {
	s := int(d.Round(time.Second) / time.Second)
	if s < 1 {
		s = 1
	}
	return strconv.Itoa(s)
}
