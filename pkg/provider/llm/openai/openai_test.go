package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/callagent/pkg/provider/llm"
)

// TestConvertMessage_Roles checks that every supported role is converted.
func TestConvertMessage_Roles(t *testing.T) {
	t.Parallel()
	tests := []struct {
		role  string
		check func(t *testing.T, m llm.Message)
	}{
		{"system", func(t *testing.T, m llm.Message) {
			p, err := convertMessage(m)
			if err != nil || p.OfSystem == nil {
				t.Fatalf("expected OfSystem, err=%v", err)
			}
		}},
		{"user", func(t *testing.T, m llm.Message) {
			p, err := convertMessage(m)
			if err != nil || p.OfUser == nil {
				t.Fatalf("expected OfUser, err=%v", err)
			}
		}},
		{"assistant", func(t *testing.T, m llm.Message) {
			p, err := convertMessage(m)
			if err != nil || p.OfAssistant == nil {
				t.Fatalf("expected OfAssistant, err=%v", err)
			}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.role, func(t *testing.T) {
			tc.check(t, llm.Message{Role: tc.role, Content: "hi"})
		})
	}
}

// TestConvertMessage_UnknownRole checks that unknown roles are rejected.
func TestConvertMessage_UnknownRole(t *testing.T) {
	t.Parallel()
	if _, err := convertMessage(llm.Message{Role: "tool", Content: "x"}); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestModelCapabilities(t *testing.T) {
	t.Parallel()
	if got := modelCapabilities("gpt-4").ContextWindow; got != 8_192 {
		t.Errorf("gpt-4 ContextWindow = %d, want 8192", got)
	}
	if got := modelCapabilities("llama-3.1-8b-instant").ContextWindow; got != 131_072 {
		t.Errorf("llama ContextWindow = %d, want 131072", got)
	}
	if got := modelCapabilities("unknown-model").MaxOutputTokens; got != 4_096 {
		t.Errorf("default MaxOutputTokens = %d, want 4096", got)
	}
}

func TestNew_MissingAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New("", "gpt-4o"); err == nil {
		t.Fatal("expected error for empty apiKey")
	}
}

func TestNew_MissingModel(t *testing.T) {
	t.Parallel()
	if _, err := New("sk-test", ""); err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestNew_Options(t *testing.T) {
	t.Parallel()
	p, err := New("sk-test", "gpt-4o",
		WithBaseURL("https://api.groq.com/openai/v1"),
		WithOrganization("org"),
		WithTimeout(5*time.Second),
	)
	if err != nil || p == nil {
		t.Fatalf("New: %v", err)
	}
}

// chatServer serves a fixed chat completion and records the request body.
func chatServer(t *testing.T, content, finish string) (*httptest.Server, func() map[string]any) {
	t.Helper()
	var (
		mu   sync.Mutex
		last map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		last = body
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "llama-3.1-8b-instant",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": finish,
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, func() map[string]any {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

func TestComplete_Success(t *testing.T) {
	t.Parallel()
	srv, lastBody := chatServer(t, "Thank you for letting me know.", "stop")

	p, err := New("sk-test", "llama-3.1-8b-instant", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "You are an AI calling agent.",
		Messages:     []llm.Message{{Role: "user", Content: "HR said: \"yes\""}},
		MaxTokens:    120,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Thank you for letting me know." {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Truncated() {
		t.Error("expected untruncated reply")
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("total tokens = %d, want 15", resp.Usage.TotalTokens)
	}

	body := lastBody()
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want 2 (system + user)", len(msgs))
	}
	if mt, _ := body["max_completion_tokens"].(float64); mt != 120 {
		t.Errorf("max_completion_tokens = %v, want 120", body["max_completion_tokens"])
	}
}

func TestComplete_LengthFinish_IsReported(t *testing.T) {
	t.Parallel()
	srv, _ := chatServer(t, "Thank you for", "length")
	p, _ := New("sk-test", "gpt-4o", WithBaseURL(srv.URL))

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !resp.Truncated() {
		t.Errorf("FinishReason = %q, want %q", resp.FinishReason, llm.FinishLength)
	}
}

func TestComplete_Errors_WrapErrGeneration(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream"}}`))
	}))
	t.Cleanup(srv.Close)
	p, _ := New("sk-test", "gpt-4o", WithBaseURL(srv.URL))

	_, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	if !errors.Is(err, llm.ErrGeneration) {
		t.Fatalf("err = %v, want ErrGeneration", err)
	}

	_, err = p.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, llm.ErrGeneration) {
		t.Fatalf("empty request err = %v, want ErrGeneration", err)
	}
}
