// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI, Groq,
// Anthropic, or a local Ollama instance) and exposes a uniform interface for
// producing a single reply to a prompt without coupling the caller to any
// specific SDK.
//
// Implementors must be safe for concurrent use.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrGeneration is the sentinel wrapped by every error a Provider returns.
var ErrGeneration = errors.New("llm: generation failed")

// Finish reasons reported in CompletionResponse.FinishReason.
const (
	// FinishStop means the model ended its reply naturally.
	FinishStop = "stop"

	// FinishLength means generation hit MaxTokens and the reply is cut off.
	FinishLength = "length"
)

// Message represents a single message in the prompt.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered prompt. The last message is from the "user" role
	// and drives the response.
	Messages []Message

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// leaves the provider default in place.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default. When the cap is hit the response
	// reports FinishLength; the provider never hides that.
	MaxTokens int

	// SystemPrompt is an optional high-priority instruction injected before
	// Messages. Providers without a dedicated system slot prepend it as a
	// "system"-role message.
	SystemPrompt string
}

// CompletionResponse is the full reply to a CompletionRequest.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// FinishReason tells why generation stopped; see FinishStop and
	// FinishLength. Providers pass through whatever the backend reports.
	FinishReason string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Truncated reports whether the reply was cut off by the token cap.
func (r *CompletionResponse) Truncated() bool {
	return r != nil && r.FinishReason == FinishLength
}

// ModelCapabilities describes the limits of an LLM model.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines and
// must return promptly when ctx is cancelled.
type Provider interface {
	// Complete sends req to the model and waits for the full response. It
	// performs exactly one request and never retries. Failures are returned
	// wrapped in ErrGeneration.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities returns static metadata describing the underlying model.
	Capabilities() ModelCapabilities
}

// Wrap annotates err with the provider name and ErrGeneration. A nil err stays nil.
func Wrap(provider string, err error) error {
	if err == nil || errors.Is(err, ErrGeneration) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrGeneration, provider, err)
}
