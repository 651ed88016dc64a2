// Package s2s defines the realtime speech-to-speech session abstraction used by
// the relay.
//
// A [Provider] opens a [SessionHandle]: one persistent streaming connection to
// a remote conversational speech service. The relay appends captured PCM to
// the server-side input buffer, commits each utterance, asks for a response and
// cancels responses on barge-in. The service streams synthesised audio back as
// an ordered [Event] stream.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
)

// State is the lifecycle state of a session.
type State int

const (
	// StateConnecting means the transport is being established.
	StateConnecting State = iota
	// StateOpen means the session accepts audio and control messages.
	StateOpen
	// StateClosed means the session ended, locally or remotely. It never reopens.
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventType classifies inbound session events.
type EventType int

const (
	// EventAudioDelta carries one fragment of response audio.
	EventAudioDelta EventType = iota
	// EventAudioDone marks the end of the current response's audio.
	EventAudioDone
	// EventError is an error reported by the service. It does not close the session.
	EventError
	// EventResponseCreated reports the ID of a new response, in the order the
	// response requests were issued. Services that do not report it leave
	// responses identified by their first audio fragment.
	EventResponseCreated
)

// String returns the protocol-neutral name of the event type.
func (e EventType) String() string {
	switch e {
	case EventAudioDelta:
		return "audio_delta"
	case EventAudioDone:
		return "audio_done"
	case EventError:
		return "error"
	case EventResponseCreated:
		return "response_created"
	default:
		return "unknown"
	}
}

// Event is one inbound session event.
type Event struct {
	Type EventType

	// ResponseID identifies the response an audio or created event belongs
	// to, when the service reports it.
	ResponseID string

	// Audio is decoded PCM16 at the session's output rate (EventAudioDelta).
	Audio []byte

	// Code and Message describe an EventError.
	Code    string
	Message string

	// RequestRejected marks an EventError caused by a RequestResponse call.
	// That request gets no EventResponseCreated.
	RequestRejected bool
}

// SessionConfig is sent once when a session opens.
type SessionConfig struct {
	// Instructions is the persona / system prompt for the session.
	Instructions string

	// Voice is the synthesised voice identity (e.g. "echo").
	Voice string
}

// SessionHandle is an open realtime session.
//
// Send methods queue their message and return without waiting for the network;
// they fail once the session is closed. SendAudio also fails while too many
// appends are queued; the other send methods are always accepted while open.
type SessionHandle interface {
	// SendAudio appends a PCM16 chunk to the server-side input buffer. It may be
	// called many times per utterance.
	SendAudio(chunk []byte) error

	// CommitInput ends the current utterance. Call exactly once per utterance,
	// after all of its SendAudio calls.
	CommitInput() error

	// ClearInput discards audio appended since the last commit. Use it when an
	// utterance is abandoned after some of its SendAudio calls succeeded.
	ClearInput() error

	// RequestResponse asks the service to synthesise a reply. Issue once right
	// after CommitInput.
	RequestResponse() error

	// CancelResponse aborts an in-flight response. Safe when none is in flight.
	CancelResponse() error

	// Events delivers inbound events in arrival order. It is closed when the
	// session ends; check Err afterwards.
	Events() <-chan Event

	// State reports the current lifecycle state.
	State() State

	// Err returns the transport error that ended the session, or nil when it
	// was closed locally or is still open.
	Err() error

	// Close ends the session. It is idempotent.
	Close() error
}

// Provider opens realtime sessions.
type Provider interface {
	// Connect dials the service and sends the session configuration. The
	// returned handle is open.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
