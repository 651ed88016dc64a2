package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/xenobot/pkg/provider/llm"
	"github.com/MrWong99/xenobot/pkg/provider/s2s"
)

// Realtime guards session dialling. Failures after the session is open are
// the relay's concern and do not reach the breaker.
type Realtime struct {
	inner s2s.Provider
	cb    *CircuitBreaker
}

var _ s2s.Provider = (*Realtime)(nil)

// NewRealtime wraps p with cb.
func NewRealtime(p s2s.Provider, cb *CircuitBreaker) *Realtime {
	return &Realtime{inner: p, cb: cb}
}

// Connect implements [s2s.Provider].
func (r *Realtime) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	var h s2s.SessionHandle
	err := r.cb.Execute(func() error {
		var err error
		h, err = r.inner.Connect(ctx, cfg)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("resilience: realtime: %w", err)
	}
	return h, nil
}

// Chat guards chat completions.
type Chat struct {
	inner llm.Provider
	cb    *CircuitBreaker
}

var _ llm.Provider = (*Chat)(nil)

// NewChat wraps p with cb.
func NewChat(p llm.Provider, cb *CircuitBreaker) *Chat {
	return &Chat{inner: p, cb: cb}
}

// Complete implements [llm.Provider].
func (c *Chat) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var resp *llm.CompletionResponse
	err := c.cb.Execute(func() error {
		var err error
		resp, err = c.inner.Complete(ctx, req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("resilience: chat: %w", err)
	}
	return resp, nil
}
