// Package audio defines the voice-transport abstractions and PCM helpers used
// by the relay.
//
// The two primary abstractions are:
//
//   - [Platform] joins a voice channel and returns a [Connection].
//   - [Connection] reports per-participant speech activity, each utterance
//     arriving as its own frame subscription, and accepts decoded audio for
//     playback through a single output sink.
//
// Platform adapters (e.g. audio/discord) own the channel wire protocol and the
// Opus codec; everything behind this interface is plain 16-bit PCM.
package audio

import (
	"context"
)

// EventType classifies events emitted by a [Connection].
type EventType int

const (
	// EventReady is emitted once the connection can send and receive audio.
	EventReady EventType = iota

	// EventSpeechStart is emitted when an idle participant starts speaking.
	// The event carries the utterance's frame subscription in [Event.Audio].
	EventSpeechStart

	// EventSpeechEnd is emitted after the participant has been silent for the
	// transport's silence timeout. The matching Audio channel is closed first.
	EventSpeechEnd

	// EventError reports a non-fatal transport problem.
	EventError

	// EventDisconnected is emitted once when the connection is gone. No
	// further events follow it.
	EventDisconnected
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventReady:
		return "READY"
	case EventSpeechStart:
		return "SPEECH_START"
	case EventSpeechEnd:
		return "SPEECH_END"
	case EventError:
		return "ERROR"
	case EventDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Event describes a speech or lifecycle change on a voice connection.
type Event struct {
	Type EventType

	// UserID is the platform participant ID for speech events.
	UserID string

	// Audio delivers the decoded frames of one utterance, in capture order.
	// Set only on EventSpeechStart; closed when the utterance ends. Frames
	// are dropped when the reader falls behind, so readers must drain it.
	Audio <-chan AudioFrame

	// Err is set for EventError and, when the cause is known, EventDisconnected.
	Err error
}

// Connection represents an active session on a voice channel.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// Events returns the connection's event stream. The channel is closed
	// after Disconnect or after EventDisconnected has been delivered.
	Events() <-chan Event

	// Format is the native PCM format of both the speech subscriptions and
	// the output sink.
	Format() Format

	// OutputStream returns the playback sink. Frames must be in [Connection.Format].
	// The platform never closes it; writes after Disconnect are dropped.
	OutputStream() chan<- AudioFrame

	// FlushOutput discards audio queued in the sink that has not been sent yet.
	// Frames written after it returns belong to the next playback and are kept.
	FlushOutput()

	// Disconnect leaves the channel and releases all resources. It is safe to
	// call more than once; later calls return nil.
	Disconnect() error
}

// Platform is the entry point for a voice-channel provider.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins the voice channel identified by channelID. ctx bounds the
	// join attempt only; the Connection lives until Disconnect.
	Connect(ctx context.Context, channelID string) (Connection, error)
}
