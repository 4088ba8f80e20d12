// Package genai provides an llm.Provider backed by Google's Gen AI SDK,
// talking to the Gemini API directly instead of through an adapter layer.
package genai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gai "google.golang.org/genai"

	"github.com/MrWong99/livevoice/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Provider implements llm.Provider using models.generateContent.
type Provider struct {
	client *gai.Client
	model  string
}

type config struct {
	baseURL    string
	apiVersion string
	timeout    time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the Gemini API endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithAPIVersion selects the API version path segment, e.g. "v1beta".
func WithAPIVersion(v string) Option {
	return func(c *config) { c.apiVersion = v }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs a Provider for model using apiKey.
func New(ctx context.Context, apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("genai: apiKey must not be empty")
	}
	if model == "" {
		return nil, errors.New("genai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	cc := &gai.ClientConfig{
		APIKey:  apiKey,
		Backend: gai.BackendGeminiAPI,
		HTTPOptions: gai.HTTPOptions{
			BaseURL:    cfg.baseURL,
			APIVersion: cfg.apiVersion,
		},
	}
	if cfg.timeout > 0 {
		cc.HTTPClient = &http.Client{Timeout: cfg.timeout}
	}

	client, err := gai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("genai: new client: %w", err)
	}
	return &Provider{client: client, model: model}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	contents, system, err := buildContents(req)
	if err != nil {
		return nil, fmt.Errorf("genai: build contents: %w", err)
	}

	gc := &gai.GenerateContentConfig{SystemInstruction: system}
	if req.Temperature != 0 {
		t := float32(req.Temperature)
		gc.Temperature = &t
	}
	if req.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(req.MaxTokens)
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, gc)
	if err != nil {
		if isQuotaError(err) {
			return nil, fmt.Errorf("genai: generate content: %w: %w", llm.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("genai: generate content: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, errors.New("genai: empty candidates in response")
	}

	out := &llm.CompletionResponse{Content: resp.Text()}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

// buildContents maps the conversation onto Gemini roles. System messages and
// the request's SystemPrompt are merged into one system instruction.
func buildContents(req llm.CompletionRequest) ([]*gai.Content, *gai.Content, error) {
	var (
		contents []*gai.Content
		system   []*gai.Part
	)
	if req.SystemPrompt != "" {
		system = append(system, &gai.Part{Text: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, &gai.Part{Text: m.Content})
		case "user":
			contents = append(contents, &gai.Content{Role: "user", Parts: []*gai.Part{{Text: m.Content}}})
		case "assistant":
			contents = append(contents, &gai.Content{Role: "model", Parts: []*gai.Part{{Text: m.Content}}})
		default:
			return nil, nil, fmt.Errorf("genai: unknown message role %q", m.Role)
		}
	}
	if len(contents) == 0 {
		return nil, nil, errors.New("genai: no user or assistant messages")
	}

	var sys *gai.Content
	if len(system) > 0 {
		sys = &gai.Content{Parts: system}
	}
	return contents, sys, nil
}

// isQuotaError matches the SDK's API error text; the Gemini API reports
// quota exhaustion as 429 RESOURCE_EXHAUSTED.
func isQuotaError(err error) bool {
	return llm.IsRateLimited(err) || strings.Contains(err.Error(), "RESOURCE_EXHAUSTED")
}
