package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/livevoice/pkg/provider/llm"
)

func TestConvertMessage(t *testing.T) {
	tests := []struct {
		role    string
		wantErr bool
	}{
		{role: "system"},
		{role: "user"},
		{role: "assistant"},
		{role: "tool", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.role, func(t *testing.T) {
			got, err := convertMessage(llm.Message{Role: tc.role, Content: "x"})
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			set := map[string]bool{
				"system":    got.OfSystem != nil,
				"user":      got.OfUser != nil,
				"assistant": got.OfAssistant != nil,
			}
			if !set[tc.role] {
				t.Errorf("variant for %q not set", tc.role)
			}
		})
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Error("expected error for empty key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
}

// chatServer answers /chat/completions with status and body, recording the
// decoded request.
func chatServer(t *testing.T, status int, body string, got *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		if got != nil {
			_ = json.Unmarshal(raw, got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestComplete(t *testing.T) {
	var req map[string]any
	srv := chatServer(t, http.StatusOK, `{
		"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
		"choices": [{"index": 0, "finish_reason": "stop",
			"message": {"role": "assistant", "content": "Bonjour"}}],
		"usage": {"prompt_tokens": 20, "completion_tokens": 2, "total_tokens": 22}
	}`, &req)

	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "translate",
		Messages:     []llm.Message{{Role: "user", Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Bonjour" {
		t.Errorf("Content = %q, want Bonjour", resp.Content)
	}
	if resp.Usage.TotalTokens != 22 {
		t.Errorf("TotalTokens = %d, want 22", resp.Usage.TotalTokens)
	}
	if req["model"] != "gpt-4o-mini" {
		t.Errorf("request model = %v", req["model"])
	}
	if msgs, _ := req["messages"].([]any); len(msgs) != 2 {
		t.Errorf("request messages = %v, want 2 entries", req["messages"])
	}
}

func TestComplete_RateLimited(t *testing.T) {
	srv := chatServer(t, http.StatusTooManyRequests,
		`{"error": {"message": "Rate limit reached", "type": "requests", "code": "rate_limit_exceeded"}}`, nil)

	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Complete(context.Background(), llm.UserPrompt("Hello"))
	if !errors.Is(err, llm.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestComplete_ServerError(t *testing.T) {
	srv := chatServer(t, http.StatusBadRequest,
		`{"error": {"message": "bad request", "type": "invalid_request_error"}}`, nil)

	p, _ := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL))
	_, err := p.Complete(context.Background(), llm.UserPrompt("Hello"))
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, llm.ErrRateLimited) {
		t.Error("400 must not be reported as rate limited")
	}
}
