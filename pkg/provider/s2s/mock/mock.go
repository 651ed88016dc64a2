// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to inject service events and inspect which methods the relay
// invoked, in order.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.EmitDelta("resp_1", pcm)
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/xenobot/pkg/provider/s2s"
)

// Call names recorded in Session.Calls.
const (
	CallSendAudio       = "send_audio"
	CallCommitInput     = "commit_input"
	CallClearInput      = "clear_input"
	CallRequestResponse = "request_response"
	CallCancelResponse  = "cancel_response"
	CallClose           = "close"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a fresh NewSession.
	Session s2s.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Calls returns a copy of the recorded Connect calls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.ConnectCalls)
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle. Create it with
// NewSession; the zero value has no event channel.
type Session struct {
	mu sync.Mutex

	events chan s2s.Event
	closed bool
	err    error

	// --- Configurable errors ---

	// SendAudioErr, if non-nil, is returned by SendAudio once SendAudioOK
	// calls have succeeded.
	SendAudioErr error

	// SendAudioOK is how many SendAudio calls succeed before SendAudioErr
	// applies. Zero fails every call.
	SendAudioOK int

	// CommitErr, if non-nil, is returned by every CommitInput call.
	CommitErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// Calls records every method invocation by name, in order.
	Calls []string

	// SendAudioCalls records a copy of every chunk SendAudio accepted.
	SendAudioCalls [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns an open session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan s2s.Event, 256)}
}

func (s *Session) record(name string) {
	s.Calls = append(s.Calls, name)
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(CallSendAudio)
	if s.SendAudioErr != nil && len(s.SendAudioCalls) >= s.SendAudioOK {
		return s.SendAudioErr
	}
	s.SendAudioCalls = append(s.SendAudioCalls, slices.Clone(chunk))
	return nil
}

// CommitInput records the call and returns CommitErr.
func (s *Session) CommitInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(CallCommitInput)
	return s.CommitErr
}

// ClearInput records the call.
func (s *Session) ClearInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(CallClearInput)
	return nil
}

// RequestResponse records the call.
func (s *Session) RequestResponse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(CallRequestResponse)
	return nil
}

// CancelResponse records the call.
func (s *Session) CancelResponse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(CallCancelResponse)
	return nil
}

// Events returns the injected event stream.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// State reports open until Close or CloseRemote.
func (s *Session) State() s2s.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.StateClosed
	}
	return s2s.StateOpen
}

// Err returns the error passed to CloseRemote.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close records the call, closes the event stream once and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(CallClose)
	s.CloseCallCount++
	s.closeLocked()
	return s.CloseErr
}

func (s *Session) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// ── Test drivers ──────────────────────────────────────────────────────────────

// Emit injects ev. Events emitted after close are dropped.
func (s *Session) Emit(ev s2s.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// EmitDelta injects one audio fragment for responseID.
func (s *Session) EmitDelta(responseID string, pcm []byte) {
	s.Emit(s2s.Event{Type: s2s.EventAudioDelta, ResponseID: responseID, Audio: pcm})
}

// EmitCreated announces responseID as the next response.
func (s *Session) EmitCreated(responseID string) {
	s.Emit(s2s.Event{Type: s2s.EventResponseCreated, ResponseID: responseID})
}

// EmitRejected reports that the service refused a RequestResponse call.
func (s *Session) EmitRejected(msg string) {
	s.Emit(s2s.Event{Type: s2s.EventError, Code: "invalid_request_error", Message: msg, RequestRejected: true})
}

// EmitDone marks the end of responseID's audio.
func (s *Session) EmitDone(responseID string) {
	s.Emit(s2s.Event{Type: s2s.EventAudioDone, ResponseID: responseID})
}

// CloseRemote simulates the service ending the session with err.
func (s *Session) CloseRemote(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
	s.closeLocked()
}

// CallLog returns a copy of the ordered call names. Thread-safe.
func (s *Session) CallLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.Calls)
}

// Count returns how many times the named call was made. Thread-safe.
func (s *Session) Count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.Calls {
		if c == name {
			n++
		}
	}
	return n
}

// SentAudio returns every chunk SendAudio accepted, concatenated. Thread-safe.
func (s *Session) SentAudio() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, c := range s.SendAudioCalls {
		out = append(out, c...)
	}
	return out
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
