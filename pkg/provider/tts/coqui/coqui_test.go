package coqui

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/callagent/pkg/provider/tts"
)

// ---- test helpers ----

// buildTestWAV constructs a minimal but valid RIFF/WAVE byte slice containing the
// supplied raw PCM samples. It writes a standard 44-byte header (RIFF + fmt + data)
// so that parseWAV can correctly locate the audio payload.
func buildTestWAV(pcm []byte) []byte {
	// PCM WAV layout:
	//   RIFF chunk descriptor  (12 bytes)
	//   fmt  sub-chunk         (24 bytes: 8 header + 16 data)
	//   data sub-chunk         ( 8 bytes: 8 header + len(pcm) data)
	fmtSize := uint32(16)
	dataSize := uint32(len(pcm))
	fileSize := 4 + (8 + fmtSize) + (8 + dataSize) // WAVE + fmt chunk + data chunk

	buf := make([]byte, 0, 12+8+fmtSize+8+dataSize)
	le := binary.LittleEndian

	putU32 := func(v uint32) {
		var b [4]byte
		le.PutUint32(b[:], v)
		buf = append(buf, b[:]...)
	}
	putU16 := func(v uint16) {
		var b [2]byte
		le.PutUint16(b[:], v)
		buf = append(buf, b[:]...)
	}

	// RIFF chunk.
	buf = append(buf, []byte("RIFF")...)
	putU32(fileSize)
	buf = append(buf, []byte("WAVE")...)

	// fmt sub-chunk.
	buf = append(buf, []byte("fmt ")...)
	putU32(fmtSize)
	putU16(1)     // PCM format
	putU16(1)     // 1 channel (mono)
	putU32(16000) // sample rate
	putU32(32000) // byte rate = SampleRate * NumChannels * BitsPerSample/8
	putU16(2)     // block align
	putU16(16)    // bits per sample

	// data sub-chunk.
	buf = append(buf, []byte("data")...)
	putU32(dataSize)
	buf = append(buf, pcm...)

	return buf
}

// mustNew is a test helper that calls New and fails the test on error.
func mustNew(t *testing.T, serverURL string, opts ...Option) *Provider {
	t.Helper()
	p, err := New(serverURL, opts...)
	if err != nil {
		t.Fatalf("New(%q): unexpected error: %v", serverURL, err)
	}
	return p
}

// ---- Provider creation ----

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		p := mustNew(t, "http://localhost:8002")
		if p.serverURL != "http://localhost:8002" {
			t.Errorf("serverURL = %q, want %q", p.serverURL, "http://localhost:8002")
		}
		if p.language != defaultLanguage {
			t.Errorf("language = %q, want %q", p.language, defaultLanguage)
		}
		if p.httpClient.Timeout != defaultTimeout {
			t.Errorf("timeout = %v, want %v", p.httpClient.Timeout, defaultTimeout)
		}
	})

	t.Run("trims trailing slash", func(t *testing.T) {
		p := mustNew(t, "http://localhost:8002/")
		if p.serverURL != "http://localhost:8002" {
			t.Errorf("serverURL = %q, want trailing slash stripped", p.serverURL)
		}
	})

	t.Run("empty URL returns error", func(t *testing.T) {
		_, err := New("")
		if err == nil {
			t.Fatal("expected error for empty URL, got nil")
		}
	})

	t.Run("with options", func(t *testing.T) {
		p := mustNew(t, "http://localhost:8002",
			WithLanguage("de"),
			WithTimeout(5*time.Second),
		)
		if p.language != "de" {
			t.Errorf("language = %q, want %q", p.language, "de")
		}
		if p.httpClient.Timeout != 5*time.Second {
			t.Errorf("timeout = %v, want %v", p.httpClient.Timeout, 5*time.Second)
		}
	})
}

// ---- Synthesize ----

func TestSynthesize_EmptyVoiceID_XTTS(t *testing.T) {
	p := mustNew(t, "http://localhost:8002", WithAPIMode(APIModeXTTS))
	_, err := p.Synthesize(context.Background(), "Hello.", tts.VoiceProfile{})
	if !errors.Is(err, tts.ErrSynthesis) {
		t.Fatalf("err = %v, want ErrSynthesis", err)
	}
	if !strings.Contains(err.Error(), "coqui:") {
		t.Errorf("error %q does not name the provider", err.Error())
	}
}

func TestSynthesize_UnsupportedText(t *testing.T) {
	p := mustNew(t, "http://localhost:8002")
	_, err := p.Synthesize(context.Background(), " \x00 ...", tts.VoiceProfile{})
	if !errors.Is(err, tts.ErrUnsupportedText) || !errors.Is(err, tts.ErrSynthesis) {
		t.Fatalf("err = %v, want ErrUnsupportedText wrapped in ErrSynthesis", err)
	}
}

func TestSynthesize_XTTSServer(t *testing.T) {
	pcm := []byte(strings.Repeat("B", 100))
	wav := buildTestWAV(pcm)

	var (
		mu      sync.Mutex
		gotBody ttsRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != ttsEndpoint {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		_ = json.Unmarshal(body, &gotBody)
		mu.Unlock()
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(wav)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS), WithLanguage("de"))
	audio, err := p.Synthesize(context.Background(), "  Guten   Tag. ", tts.VoiceProfile{ID: "Ana Florence"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if audio.ContentType != "audio/wav" {
		t.Errorf("ContentType = %q, want audio/wav", audio.ContentType)
	}
	if string(audio.Data) != string(wav) {
		t.Errorf("audio data differs from server WAV (len %d vs %d)", len(audio.Data), len(wav))
	}

	mu.Lock()
	defer mu.Unlock()
	if gotBody.Text != "Guten Tag." {
		t.Errorf("text = %q, want cleaned %q", gotBody.Text, "Guten Tag.")
	}
	if gotBody.SpeakerWav != "Ana Florence" || gotBody.Language != "de" {
		t.Errorf("body = %+v", gotBody)
	}
}

func TestSynthesize_StandardServer(t *testing.T) {
	wav := buildTestWAV([]byte{1, 2, 3, 4})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != apiTTSEndpoint {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("text") == "" || r.URL.Query().Get("speaker_id") != "p225" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		_, _ = w.Write(wav)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	audio, err := p.Synthesize(context.Background(), "Hello there.", tts.VoiceProfile{ID: "p225"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(audio.Data) != len(wav) {
		t.Errorf("len = %d, want %d", len(audio.Data), len(wav))
	}
}

func TestSynthesize_ServerFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status 500", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}},
		{"not a wav", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("<html>oops</html>"))
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			p := mustNew(t, srv.URL)
			_, err := p.Synthesize(context.Background(), "Hello.", tts.VoiceProfile{})
			if !errors.Is(err, tts.ErrSynthesis) {
				t.Fatalf("err = %v, want ErrSynthesis", err)
			}
		})
	}
}

func TestSynthesize_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Synthesize(ctx, "Hello.", tts.VoiceProfile{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded in chain", err)
	}
}

// ---- parseWAV ----

func TestParseWAV(t *testing.T) {
	t.Run("valid WAV", func(t *testing.T) {
		pcm := []byte{0x01, 0x02, 0x03, 0x04}
		wav := buildTestWAV(pcm)
		info, err := parseWAV(wav)
		if err != nil {
			t.Fatalf("parseWAV: %v", err)
		}
		if info.DataOffset != len(wav)-len(pcm) {
			t.Errorf("offset = %d, want %d", info.DataOffset, len(wav)-len(pcm))
		}
		if info.SampleRate != 16000 || info.Channels != 1 {
			t.Errorf("format = %d Hz / %d ch, want 16000 / 1", info.SampleRate, info.Channels)
		}
	})

	t.Run("too short", func(t *testing.T) {
		if _, err := parseWAV([]byte{0x01, 0x02}); err == nil {
			t.Fatal("expected error for short input")
		}
	})

	t.Run("not RIFF", func(t *testing.T) {
		buf := make([]byte, 44)
		copy(buf, "XXXX")
		if _, err := parseWAV(buf); err == nil {
			t.Fatal("expected error for non-RIFF header")
		}
	})

	t.Run("not WAVE", func(t *testing.T) {
		buf := make([]byte, 44)
		copy(buf, "RIFF")
		copy(buf[8:], "XXXX")
		if _, err := parseWAV(buf); err == nil {
			t.Fatal("expected error for non-WAVE identifier")
		}
	})

	t.Run("no data chunk", func(t *testing.T) {
		var buf []byte
		buf = append(buf, []byte("RIFF")...)
		buf = append(buf, 0, 0, 0, 0)
		buf = append(buf, []byte("WAVE")...)
		buf = append(buf, []byte("fmt ")...)
		buf = append(buf, 4, 0, 0, 0)
		buf = append(buf, 0, 0, 0, 0)
		if _, err := parseWAV(buf); err == nil {
			t.Fatal("expected error when data chunk is absent")
		}
	})
}

func TestNew_DefaultAPIMode(t *testing.T) {
	p := mustNew(t, "http://localhost:5002")
	if p.apiMode != APIModeStandard {
		t.Errorf("apiMode = %q, want %q", p.apiMode, APIModeStandard)
	}
}
