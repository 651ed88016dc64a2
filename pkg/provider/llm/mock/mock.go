// Package mock provides a scripted chat provider for tests.
//
// A Provider answers from Replies in order and then falls back to
// CompleteResponse and CompleteErr:
//
//	p := &mock.Provider{Replies: []string{"first", "second"}}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/xenobot/pkg/provider/llm"
)

// CompleteCall is one recorded completion request.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider implements llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Replies are consumed one per call before CompleteResponse is used.
	Replies []string

	// CompleteResponse is returned once Replies is exhausted. Nil returns
	// (nil, CompleteErr).
	CompleteResponse *llm.CompletionResponse

	// CompleteErr is returned once Replies is exhausted.
	CompleteErr error

	calls []CompleteCall
}

var _ llm.Provider = (*Provider)(nil)

// Reply returns a Provider that always answers text.
func Reply(text string) *Provider {
	return &Provider{CompleteResponse: &llm.CompletionResponse{Content: text}}
}

func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req.Messages = slices.Clone(req.Messages)
	p.calls = append(p.calls, CompleteCall{Ctx: ctx, Req: req})

	if len(p.Replies) > 0 {
		text := p.Replies[0]
		p.Replies = p.Replies[1:]
		return &llm.CompletionResponse{Content: text}, nil
	}
	return p.CompleteResponse, p.CompleteErr
}

// Calls returns the recorded requests in order.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}

// Prompts returns, per call, the contents of the user messages sent.
func (p *Provider) Prompts() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]string, 0, len(p.calls))
	for _, c := range p.calls {
		var texts []string
		for _, m := range c.Req.Messages {
			if m.Role == llm.RoleUser {
				texts = append(texts, m.Content)
			}
		}
		out = append(out, texts)
	}
	return out
}
