// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a WebSocket connection to the OpenAI Realtime endpoint and
// exchanges JSON events according to the Realtime API protocol. Audio is
// transmitted as base64-encoded PCM16 at 24 kHz mono. Outbound messages go
// through an ordered queue drained by a single writer goroutine, so callers
// never block on the network. Only audio appends are bounded.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/xenobot/pkg/provider/s2s"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview-2024-10-01"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// maxQueuedAppends bounds audio appends waiting for the writer.
	maxQueuedAppends = 256
	eventsSize       = 256

	// readLimit bounds one inbound message. Audio deltas are far smaller.
	readLimit = 16 << 20

	// createEventPrefix tags response.create events so an error the service
	// reports for one can be recognised.
	createEventPrefix = "relay_create_"
)

var (
	// ErrClosed is returned by send methods after the session has ended.
	ErrClosed = errors.New("openai: session closed")

	// ErrBackpressure is returned by SendAudio when maxQueuedAppends appends
	// are already waiting for the writer.
	ErrBackpressure = errors.New("openai: outbound queue full")
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Model returns the model sessions are opened with.
func (p *Provider) Model() string { return p.model }

// Connect dials the Realtime endpoint and sends session.update once. The
// returned session is open.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(p.model))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		outbox: newOutbox(),
		events: make(chan s2s.Event, eventsSize),
		state:  s2s.StateConnecting,
		ctx:    sessCtx,
		cancel: sessCancel,
		done:   make(chan struct{}),
	}

	update, err := json.Marshal(sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Instructions:      cfg.Instructions,
			Voice:             cfg.Voice,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
		},
	})
	if err != nil {
		sessCancel()
		conn.CloseNow()
		return nil, fmt.Errorf("openai: marshal session update: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, update); err != nil {
		sessCancel()
		conn.CloseNow()
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	sess.setState(s2s.StateOpen)
	go sess.writeLoop()
	go sess.receiveLoop()

	slog.Info("openai realtime: connected", "model", p.model, "voice", cfg.Voice)
	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Instructions      string `json:"instructions,omitempty"`
	Voice             string `json:"voice,omitempty"`
	InputAudioFormat  string `json:"input_audio_format"`
	OutputAudioFormat string `json:"output_audio_format"`

	// TurnDetection is always sent as null: commits come from the relay's
	// own silence detection, never from server-side VAD.
	TurnDetection *struct{} `json:"turn_detection"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type controlMessage struct {
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	EventID string `json:"event_id,omitempty"` // the client event that failed
}

type serverResponse struct {
	ID string `json:"id"`
}

type serverEvent struct {
	Type       string             `json:"type"`
	ResponseID string             `json:"response_id,omitempty"`
	Delta      string             `json:"delta,omitempty"`
	Response   *serverResponse    `json:"response,omitempty"`
	Error      *serverErrorDetail `json:"error,omitempty"`
}

// ── outbox ─────────────────────────────────────────────────────────────────────

type outMsg struct {
	data  []byte
	audio bool // input_audio_buffer.append
}

// outbox is the ordered queue drained by writeLoop. Control messages are
// always accepted, so a clear can follow appends queued before the limit
// was reached.
type outbox struct {
	mu      sync.Mutex
	msgs    []outMsg
	appends int
	ready   chan struct{}
}

func newOutbox() *outbox {
	return &outbox{ready: make(chan struct{}, 1)}
}

// push queues m and reports false when m is an append and the append limit
// is reached.
func (q *outbox) push(m outMsg) bool {
	q.mu.Lock()
	if m.audio && q.appends >= maxQueuedAppends {
		q.mu.Unlock()
		return false
	}
	q.msgs = append(q.msgs, m)
	if m.audio {
		q.appends++
	}
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

func (q *outbox) pop() (outMsg, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) == 0 {
		return outMsg{}, false
	}
	m := q.msgs[0]
	q.msgs[0] = outMsg{}
	q.msgs = q.msgs[1:]
	if m.audio {
		q.appends--
	}
	return m, true
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	outbox *outbox
	events chan s2s.Event

	mu     sync.Mutex
	state  s2s.State
	errVal error

	creates atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{} // closed when receiveLoop exits
}

// enqueue marshals v and queues it for the writer goroutine.
func (s *session) enqueue(v any, isAppend bool) error {
	if s.State() == s2s.StateClosed || s.ctx.Err() != nil {
		return ErrClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	if !s.outbox.push(outMsg{data: data, audio: isAppend}) {
		return ErrBackpressure
	}
	return nil
}

// writeLoop is the only writer on the connection.
func (s *session) writeLoop() {
	for {
		m, ok := s.outbox.pop()
		if !ok {
			select {
			case <-s.ctx.Done():
				return
			case <-s.outbox.ready:
			}
			continue
		}
		if err := s.conn.Write(s.ctx, websocket.MessageText, m.data); err != nil {
			if s.ctx.Err() == nil {
				s.fail(fmt.Errorf("openai: write: %w", err))
			}
			return
		}
	}
}

// receiveLoop reads events from the WebSocket and dispatches them. It owns
// the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.fail(fmt.Errorf("openai: read: %w", err))
			}
			s.setState(s2s.StateClosed)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Warn("openai realtime: malformed event", "err", err, "bytes", len(data))
			continue
		}
		if ev, ok := s.translate(&evt); ok {
			select {
			case s.events <- ev:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// translate maps a protocol event to a session event. Events the relay does
// not consume are dropped.
func (s *session) translate(evt *serverEvent) (s2s.Event, bool) {
	switch evt.Type {
	case "response.created":
		if evt.Response == nil || evt.Response.ID == "" {
			return s2s.Event{}, false
		}
		return s2s.Event{Type: s2s.EventResponseCreated, ResponseID: evt.Response.ID}, true

	case "response.audio.delta":
		if evt.Delta == "" {
			return s2s.Event{}, false
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			slog.Warn("openai realtime: undecodable audio delta", "err", err, "response_id", evt.ResponseID)
			return s2s.Event{}, false
		}
		return s2s.Event{Type: s2s.EventAudioDelta, ResponseID: evt.ResponseID, Audio: pcm}, true

	case "response.audio.done":
		return s2s.Event{Type: s2s.EventAudioDone, ResponseID: evt.ResponseID}, true

	case "error":
		ev := s2s.Event{Type: s2s.EventError, Message: "unknown error"}
		if evt.Error != nil {
			ev.Code = evt.Error.Code
			ev.RequestRejected = strings.HasPrefix(evt.Error.EventID, createEventPrefix)
			if evt.Error.Message != "" {
				ev.Message = evt.Error.Message
			}
		}
		return ev, true

	default:
		slog.Debug("openai realtime: ignoring event", "type", evt.Type)
		return s2s.Event{}, false
	}
}

// fail records a terminal transport error and shuts the session down.
func (s *session) fail(err error) {
	s.mu.Lock()
	if s.errVal == nil {
		s.errVal = err
	}
	s.state = s2s.StateClosed
	s.mu.Unlock()
	s.shutdown(websocket.StatusInternalError, "transport error")
}

func (s *session) shutdown(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close(code, reason)
	})
}

func (s *session) setState(st s2s.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != s2s.StateClosed {
		s.state = st
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio queues an input_audio_buffer.append carrying chunk.
func (s *session) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	return s.enqueue(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	}, true)
}

// CommitInput queues input_audio_buffer.commit.
func (s *session) CommitInput() error {
	return s.enqueue(controlMessage{Type: "input_audio_buffer.commit"}, false)
}

// ClearInput queues input_audio_buffer.clear.
func (s *session) ClearInput() error {
	return s.enqueue(controlMessage{Type: "input_audio_buffer.clear"}, false)
}

// RequestResponse queues response.create with an event ID, so a rejection
// is reported as RequestRejected.
func (s *session) RequestResponse() error {
	id := createEventPrefix + strconv.FormatUint(s.creates.Add(1), 10)
	return s.enqueue(controlMessage{EventID: id, Type: "response.create"}, false)
}

// CancelResponse queues response.cancel. The service answers with an error
// event when nothing is in flight; that is harmless.
func (s *session) CancelResponse() error {
	return s.enqueue(controlMessage{Type: "response.cancel"}, false)
}

// Events returns the inbound event stream.
func (s *session) Events() <-chan s2s.Event { return s.events }

// State returns the current lifecycle state.
func (s *session) State() s2s.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the first transport error that ended the session.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and waits for the receive loop to exit. Idempotent.
func (s *session) Close() error {
	s.setState(s2s.StateClosed)
	s.shutdown(websocket.StatusNormalClosure, "session closed")
	<-s.done
	return nil
}
