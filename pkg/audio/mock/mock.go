// Package mock provides in-memory implementations of [audio.Platform] and
// [audio.Connection] for unit tests.
//
// All mocks are safe for concurrent use. They record method calls so tests can
// assert on them, and expose helpers to script speech activity:
//
//	conn := mock.NewConnection(audio.Format{SampleRate: 48000, Channels: 1})
//	frames := conn.StartSpeech("user-1")
//	frames <- audio.AudioFrame{Data: pcm, SampleRate: 48000, Channels: 1}
//	conn.EndSpeech("user-1") // closes frames, then emits EventSpeechEnd
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/xenobot/pkg/audio"
)

// ─── Connection ───────────────────────────────────────────────────────────────

// Connection is a mock implementation of [audio.Connection].
type Connection struct {
	mu sync.Mutex

	format audio.Format
	events chan audio.Event
	output chan audio.AudioFrame
	speech map[string]chan audio.AudioFrame
	closed bool

	// DisconnectError is returned by [Connection.Disconnect].
	DisconnectError error

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int

	// CallCountFlushOutput records how many times FlushOutput was called.
	CallCountFlushOutput int
}

var _ audio.Connection = (*Connection)(nil)

// NewConnection returns a mock connection whose native format is f. The
// output sink is buffered generously so playback tests never block.
func NewConnection(f audio.Format) *Connection {
	return &Connection{
		format: f,
		events: make(chan audio.Event, 64),
		output: make(chan audio.AudioFrame, 4096),
		speech: make(map[string]chan audio.AudioFrame),
	}
}

// Events implements [audio.Connection].
func (c *Connection) Events() <-chan audio.Event { return c.events }

// Format implements [audio.Connection].
func (c *Connection) Format() audio.Format { return c.format }

// OutputStream implements [audio.Connection].
func (c *Connection) OutputStream() chan<- audio.AudioFrame { return c.output }

// Output exposes the read side of the sink to tests.
func (c *Connection) Output() <-chan audio.AudioFrame { return c.output }

// FlushOutput implements [audio.Connection]. It drops all queued sink frames.
func (c *Connection) FlushOutput() {
	c.mu.Lock()
	c.CallCountFlushOutput++
	c.mu.Unlock()
	for {
		select {
		case <-c.output:
		default:
			return
		}
	}
}

// Disconnect implements [audio.Connection]. The event channel is closed on the
// first call.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountDisconnect++
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return c.DisconnectError
}

// Disconnects returns the number of Disconnect calls.
func (c *Connection) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountDisconnect
}

// Emit delivers ev on the event channel. Events after Disconnect are dropped.
func (c *Connection) Emit(ev audio.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

// StartSpeech emits EventSpeechStart for userID and returns the write side of
// the utterance's frame channel.
func (c *Connection) StartSpeech(userID string) chan<- audio.AudioFrame {
	ch := make(chan audio.AudioFrame, 1024)
	c.mu.Lock()
	c.speech[userID] = ch
	c.mu.Unlock()
	c.Emit(audio.Event{Type: audio.EventSpeechStart, UserID: userID, Audio: ch})
	return ch
}

// EndSpeech closes the user's frame channel and emits EventSpeechEnd.
func (c *Connection) EndSpeech(userID string) {
	c.mu.Lock()
	ch, ok := c.speech[userID]
	delete(c.speech, userID)
	c.mu.Unlock()
	if ok {
		close(ch)
	}
	c.Emit(audio.Event{Type: audio.EventSpeechEnd, UserID: userID})
}

// RemoteDisconnect simulates the transport dropping: it emits
// EventDisconnected without a Disconnect call.
func (c *Connection) RemoteDisconnect(err error) {
	c.Emit(audio.Event{Type: audio.EventDisconnected, Err: err})
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of a single [Platform.Connect] invocation.
type ConnectCall struct {
	// ChannelID is the channelID argument passed to Connect.
	ChannelID string
}

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// ConnectResult is returned by Connect. When nil and NewConn is set,
	// NewConn is called instead so each Connect gets a fresh connection.
	ConnectResult audio.Connection

	// NewConn builds a connection per Connect call.
	NewConn func() audio.Connection

	// ConnectError is the error returned by Connect.
	ConnectError error

	// ConnectCalls records all Connect invocations.
	ConnectCalls []ConnectCall
}

var _ audio.Platform = (*Platform)(nil)

// Connect implements [audio.Platform].
func (p *Platform) Connect(_ context.Context, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{ChannelID: channelID})
	if p.ConnectError != nil {
		return nil, p.ConnectError
	}
	if p.ConnectResult == nil && p.NewConn != nil {
		return p.NewConn(), nil
	}
	return p.ConnectResult, nil
}
