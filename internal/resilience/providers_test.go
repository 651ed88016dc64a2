package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/xenobot/pkg/provider/llm"
	llmmock "github.com/MrWong99/xenobot/pkg/provider/llm/mock"
	"github.com/MrWong99/xenobot/pkg/provider/s2s"
	s2smock "github.com/MrWong99/xenobot/pkg/provider/s2s/mock"
)

func TestRealtime_StopsDiallingWhenOpen(t *testing.T) {
	t.Parallel()
	cb, _ := newTestBreaker(2)
	inner := &s2smock.Provider{ConnectErr: errors.New("503 service unavailable")}
	p := NewRealtime(inner, cb)
	ctx := context.Background()

	for range 2 {
		if _, err := p.Connect(ctx, s2s.SessionConfig{}); err == nil {
			t.Fatal("Connect succeeded, want error")
		}
	}
	_, err := p.Connect(ctx, s2s.SessionConfig{})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Connect = %v, want ErrCircuitOpen", err)
	}
	if n := len(inner.Calls()); n != 2 {
		t.Errorf("upstream dials = %d, want 2", n)
	}
}

func TestRealtime_PassesSessionThrough(t *testing.T) {
	t.Parallel()
	cb, _ := newTestBreaker(2)
	sess := s2smock.NewSession()
	p := NewRealtime(&s2smock.Provider{Session: sess}, cb)

	h, err := p.Connect(context.Background(), s2s.SessionConfig{Voice: "echo"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if h != sess {
		t.Error("Connect returned a different session")
	}
}

func TestChat_GuardsCompletions(t *testing.T) {
	t.Parallel()
	cb, clock := newTestBreaker(1)
	inner := &llmmock.Provider{CompleteErr: errors.New("429 rate limited")}
	p := NewChat(inner, cb)
	ctx := context.Background()
	req := llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}}

	if _, err := p.Complete(ctx, req); err == nil {
		t.Fatal("Complete succeeded, want error")
	}
	if _, err := p.Complete(ctx, req); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Complete = %v, want ErrCircuitOpen", err)
	}

	clock.Advance(time.Minute)
	inner.CompleteErr = nil
	inner.CompleteResponse = &llm.CompletionResponse{Content: "hello"}
	resp, err := p.Complete(ctx, req)
	if err != nil || resp.Content != "hello" {
		t.Errorf("Complete after cool-down = %v, %v", resp, err)
	}
}
