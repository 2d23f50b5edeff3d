// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs stream-input WebSocket API. The reply is sent as a single text
// message and the streamed audio chunks are accumulated into one artifact.
// It implements the tts.Provider interface.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/callagent/pkg/provider/tts"
)

const (
	defaultEndpoint  = "wss://api.elevenlabs.io"
	streamPathFmt    = "/v1/text-to-speech/%s/stream-input"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "mp3_44100_128"

	// maxMessageBytes bounds a single WebSocket frame; audio chunks are a few
	// kilobytes of base64.
	maxMessageBytes = 4 << 20
)

var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "mp3_44100_128",
// "ulaw_8000"). The artifact content type follows the format.
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithEndpoint overrides the WebSocket origin (scheme and host), mainly for tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = strings.TrimRight(endpoint, "/")
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	endpoint     string
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		endpoint:     defaultEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for a text fragment.
// An empty Text is the end-of-stream marker.
type textMessage struct {
	Text                 string         `json:"text"`
	VoiceSettings        *voiceSettings `json:"voice_settings,omitempty"`
	TryTriggerGeneration bool           `json:"try_trigger_generation,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded audio in the output format
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"` // set on errors
	Error   string `json:"error,omitempty"`
}

// boiMessage is the initial "beginning of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// Synthesize implements tts.Provider. It opens one WebSocket per reply,
// sends the whole text, closes the input and collects audio until the server
// marks the stream final or closes the connection.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (tts.Audio, error) {
	if voice.ID == "" {
		return tts.Audio{}, tts.Wrap("elevenlabs", errors.New("voice.ID must not be empty"))
	}
	clean, err := tts.CleanText(text)
	if err != nil {
		return tts.Audio{}, tts.Wrap("elevenlabs", err)
	}

	conn, _, err := websocket.Dial(ctx, p.streamURL(voice.ID), nil)
	if err != nil {
		return tts.Audio{}, tts.Wrap("elevenlabs", fmt.Errorf("dial: %w", err))
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxMessageBytes)

	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75, Speed: voice.SpeedFactor}
	messages := []any{
		// ElevenLabs requires a non-empty first text value.
		boiMessage{Text: " ", VoiceSettings: vs, XiAPIKey: p.apiKey},
		// A trailing space tells the server the last word is complete.
		textMessage{Text: clean + " ", TryTriggerGeneration: true},
		textMessage{Text: ""},
	}
	for _, m := range messages {
		b, err := json.Marshal(m)
		if err != nil {
			return tts.Audio{}, tts.Wrap("elevenlabs", fmt.Errorf("marshal: %w", err))
		}
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			return tts.Audio{}, tts.Wrap("elevenlabs", fmt.Errorf("write: %w", err))
		}
	}

	var buf bytes.Buffer
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure && buf.Len() > 0 {
				break
			}
			return tts.Audio{}, tts.Wrap("elevenlabs", fmt.Errorf("read: %w", err))
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			return tts.Audio{}, tts.Wrap("elevenlabs", fmt.Errorf("decode message: %w", err))
		}
		if resp.Error != "" {
			return tts.Audio{}, tts.Wrap("elevenlabs", fmt.Errorf("server: %s %s", resp.Error, resp.Message))
		}
		if resp.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				return tts.Audio{}, tts.Wrap("elevenlabs", fmt.Errorf("decode audio: %w", err))
			}
			buf.Write(chunk)
		}
		if resp.IsFinal {
			break
		}
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")

	if buf.Len() == 0 {
		return tts.Audio{}, tts.Wrap("elevenlabs", errors.New("no audio received"))
	}
	return tts.Audio{Data: buf.Bytes(), ContentType: contentTypeFor(p.outputFormat)}, nil
}

// ---- helpers ----

// streamURL constructs the WebSocket URL for a given voice.
func (p *Provider) streamURL(voiceID string) string {
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	return p.endpoint + fmt.Sprintf(streamPathFmt, url.PathEscape(voiceID)) + "?" + q.Encode()
}

// contentTypeFor maps an ElevenLabs output format onto a MIME type.
func contentTypeFor(format string) string {
	switch {
	case strings.HasPrefix(format, "mp3_"):
		return "audio/mpeg"
	case strings.HasPrefix(format, "ulaw_"):
		return "audio/basic"
	case strings.HasPrefix(format, "pcm_"):
		return "audio/L16"
	case strings.HasPrefix(format, "opus_"):
		return "audio/ogg"
	}
	return "application/octet-stream"
}
