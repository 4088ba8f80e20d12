// Package mock provides a test double for the llm.Provider interface.
//
// Script per-call outcomes with Results (consumed in order); once exhausted,
// every call returns CompleteResponse and CompleteErr.
//
//	p := &mock.Provider{
//	    Results: []mock.Result{{Err: errors.New("429 Too Many Requests")}},
//	    CompleteResponse: &llm.CompletionResponse{Content: "Hola"},
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livevoice/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Result is one scripted outcome of Complete.
type Result struct {
	Response *llm.CompletionResponse
	Err      error
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Results are returned by successive Complete calls.
	Results []Result

	// CompleteResponse is returned once Results is exhausted. May be nil.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned once Results is exhausted.
	CompleteErr error

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall
}

// Complete records the call and returns the next scripted outcome.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	if len(p.Results) > 0 {
		r := p.Results[0]
		p.Results = p.Results[1:]
		return r.Response, r.Err
	}
	return p.CompleteResponse, p.CompleteErr
}

// Calls returns a copy of the recorded Complete calls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompleteCall, len(p.CompleteCalls))
	copy(out, p.CompleteCalls)
	return out
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
}
