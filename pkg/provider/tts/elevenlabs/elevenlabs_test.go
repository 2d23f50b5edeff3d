package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callagent/pkg/provider/tts"
)

// ---- fake stream-input server ----

type fakeServer struct {
	mu       sync.Mutex
	path     string
	query    string
	received []map[string]any

	// chunks are sent as separate audio messages after the end-of-input marker.
	chunks [][]byte
	// errMsg, when set, is sent instead of audio.
	errMsg string
	// closeEarly closes the socket normally without an isFinal message.
	closeEarly bool
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.path = r.URL.Path
		f.query = r.URL.RawQuery
		f.mu.Unlock()

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Errorf("unmarshal client message: %v", err)
				return
			}
			f.mu.Lock()
			f.received = append(f.received, msg)
			f.mu.Unlock()
			if msg["text"] == "" {
				break
			}
		}

		if f.errMsg != "" {
			b, _ := json.Marshal(audioResponse{Error: "invalid_request", Message: f.errMsg})
			_ = conn.Write(ctx, websocket.MessageText, b)
			return
		}
		for _, c := range f.chunks {
			b, _ := json.Marshal(audioResponse{Audio: base64.StdEncoding.EncodeToString(c)})
			if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
				return
			}
		}
		if f.closeEarly {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		b, _ := json.Marshal(audioResponse{IsFinal: true})
		_ = conn.Write(ctx, websocket.MessageText, b)
		// Wait for the client to close.
		_, _, _ = conn.Read(ctx)
	})
}

func newTestProvider(t *testing.T, f *fakeServer, opts ...Option) *Provider {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	p, err := New("xi-test", append([]Option{WithEndpoint(endpoint)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

// ---- Synthesize ----

func TestSynthesize_AccumulatesChunks(t *testing.T) {
	f := &fakeServer{chunks: [][]byte{[]byte("ID3"), []byte("-frame-1"), []byte("-frame-2")}}
	p := newTestProvider(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	audio, err := p.Synthesize(ctx, "Thank you,\n  that is  helpful.", tts.VoiceProfile{ID: "voice-1"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got := string(audio.Data); got != "ID3-frame-1-frame-2" {
		t.Errorf("audio = %q, want concatenated chunks", got)
	}
	if audio.ContentType != "audio/mpeg" {
		t.Errorf("ContentType = %q, want audio/mpeg", audio.ContentType)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.path != "/v1/text-to-speech/voice-1/stream-input" {
		t.Errorf("path = %q", f.path)
	}
	if !strings.Contains(f.query, "output_format=mp3_44100_128") || !strings.Contains(f.query, "model_id=eleven_flash_v2_5") {
		t.Errorf("query = %q", f.query)
	}
	if len(f.received) != 3 {
		t.Fatalf("expected 3 client messages (BOI, text, EOS), got %d", len(f.received))
	}
	if f.received[0]["xi_api_key"] != "xi-test" {
		t.Errorf("BOI message missing api key: %v", f.received[0])
	}
	if f.received[1]["text"] != "Thank you, that is helpful. " {
		t.Errorf("text message = %q", f.received[1]["text"])
	}
}

func TestSynthesize_NormalCloseAfterAudio(t *testing.T) {
	f := &fakeServer{chunks: [][]byte{[]byte("abc")}, closeEarly: true}
	p := newTestProvider(t, f)

	audio, err := p.Synthesize(context.Background(), "Hello.", tts.VoiceProfile{ID: "v"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio.Data) != "abc" {
		t.Errorf("audio = %q", audio.Data)
	}
}

func TestSynthesize_Failures(t *testing.T) {
	tests := []struct {
		name  string
		srv   *fakeServer
		text  string
		voice tts.VoiceProfile
	}{
		{name: "empty voice", srv: &fakeServer{}, text: "Hello.", voice: tts.VoiceProfile{}},
		{name: "unsupported text", srv: &fakeServer{}, text: "\u0007  ", voice: tts.VoiceProfile{ID: "v"}},
		{name: "server error", srv: &fakeServer{errMsg: "quota exceeded"}, text: "Hello.", voice: tts.VoiceProfile{ID: "v"}},
		{name: "no audio", srv: &fakeServer{closeEarly: true}, text: "Hello.", voice: tts.VoiceProfile{ID: "v"}},
		{name: "final without audio", srv: &fakeServer{}, text: "Hello.", voice: tts.VoiceProfile{ID: "v"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := newTestProvider(t, tc.srv)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := p.Synthesize(ctx, tc.text, tc.voice)
			if !errors.Is(err, tts.ErrSynthesis) {
				t.Fatalf("err = %v, want ErrSynthesis", err)
			}
		})
	}
}

func TestSynthesize_DialFailure(t *testing.T) {
	p, err := New("key", WithEndpoint("ws://127.0.0.1:1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.Synthesize(ctx, "Hello.", tts.VoiceProfile{ID: "v"}); !errors.Is(err, tts.ErrSynthesis) {
		t.Fatalf("err = %v, want ErrSynthesis", err)
	}
}

// ---- helpers ----

func TestStreamURL(t *testing.T) {
	p, _ := New("key", WithModel("eleven_multilingual_v2"), WithOutputFormat("ulaw_8000"))
	got := p.streamURL("a b")
	want := "wss://api.elevenlabs.io/v1/text-to-speech/a%20b/stream-input?model_id=eleven_multilingual_v2&output_format=ulaw_8000"
	if got != want {
		t.Errorf("streamURL = %q, want %q", got, want)
	}
}

func TestContentTypeFor(t *testing.T) {
	tests := map[string]string{
		"mp3_44100_128": "audio/mpeg",
		"ulaw_8000":     "audio/basic",
		"pcm_16000":     "audio/L16",
		"opus_48000_64": "audio/ogg",
		"weird":         "application/octet-stream",
	}
	for in, want := range tests {
		if got := contentTypeFor(in); got != want {
			t.Errorf("contentTypeFor(%q) = %q, want %q", in, got, want)
		}
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel {
		t.Errorf("expected model %q, got %q", defaultModel, p.model)
	}
	if p.outputFormat != defaultOutputFmt {
		t.Errorf("expected outputFormat %q, got %q", defaultOutputFmt, p.outputFormat)
	}
	if p.endpoint != defaultEndpoint {
		t.Errorf("expected endpoint %q, got %q", defaultEndpoint, p.endpoint)
	}
}

func TestNew_WithOptions(t *testing.T) {
	p, err := New("key", WithModel("eleven_multilingual_v2"), WithOutputFormat("pcm_24000"), WithEndpoint("ws://localhost:9/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "eleven_multilingual_v2" {
		t.Errorf("expected model 'eleven_multilingual_v2', got %q", p.model)
	}
	if p.outputFormat != "pcm_24000" {
		t.Errorf("expected outputFormat 'pcm_24000', got %q", p.outputFormat)
	}
	if p.endpoint != "ws://localhost:9" {
		t.Errorf("expected trimmed endpoint, got %q", p.endpoint)
	}
}
