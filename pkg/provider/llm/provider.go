// Package llm defines the Provider interface for text completion backends.
//
// The translation path sends a single prompt and waits for the whole reply,
// so the interface is deliberately narrow: one blocking Complete call.
// Implementations wrap a hosted or local model API (Gemini, OpenAI, Anthropic,
// Ollama, ...) and must be safe for concurrent use.
package llm

import (
	"context"
	"errors"
	"strings"
)

// ErrRateLimited is wrapped by providers that can tell an HTTP 429 apart from
// other failures. Callers should still treat provider errors as opaque and
// use [IsRateLimited].
var ErrRateLimited = errors.New("llm: rate limited")

// Message is one turn of a conversation.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text of the message.
	Content string
}

// CompletionRequest carries everything the model needs to produce a reply.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last one is usually the user's.
	Messages []Message

	// SystemPrompt is prepended as a "system" message when non-empty.
	SystemPrompt string

	// Temperature in [0, 2]. Zero leaves the provider default.
	Temperature float64

	// MaxTokens caps the reply length. Zero leaves the provider default.
	MaxTokens int
}

// Usage holds token accounting reported by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is the reply to a [CompletionRequest].
type CompletionResponse struct {
	// Content is the full text of the reply.
	Content string

	// Usage is zero when the backend does not report it.
	Usage Usage
}

// Provider is the abstraction over any text completion backend.
type Provider interface {
	// Complete sends req and waits for the full reply. It returns promptly
	// with ctx.Err() when ctx is cancelled.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// UserPrompt is a convenience constructor for a single-message request.
func UserPrompt(text string) CompletionRequest {
	return CompletionRequest{Messages: []Message{{Role: "user", Content: text}}}
}

// IsRateLimited reports whether err signals that the backend throttled the
// request. Backends that only surface the status in the message text are
// matched on "429".
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrRateLimited) || strings.Contains(err.Error(), "429")
}
