// Package relay implements the voice relay engine: it carries participants'
// speech from a voice connection to a realtime speech session and plays the
// session's spoken responses back into the channel.
//
// All engine state is owned by a single event loop ([Engine.Run]) that
// consumes three sources: transport speech events, realtime session events,
// and converted capture audio coming back from per-utterance transcoder
// streams. Nothing in the loop waits on the network or on a converter
// process; sends are queued by the session client and writes to converters
// are queued by the transcoder.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/MrWong99/xenobot/internal/observe"
	"github.com/MrWong99/xenobot/pkg/audio"
	"github.com/MrWong99/xenobot/pkg/audio/transcode"
	"github.com/MrWong99/xenobot/pkg/provider/s2s"
)

var (
	// ErrSessionClosed is returned by Run when the realtime session ends.
	ErrSessionClosed = errors.New("relay: realtime session closed")

	// ErrDisconnected is returned by Run when the voice connection is lost.
	ErrDisconnected = errors.New("relay: voice connection lost")
)

const (
	// DefaultMinUtterance is the shortest utterance that is committed.
	DefaultMinUtterance = 100 * time.Millisecond

	// defaultChunkDuration bounds one input_audio_buffer.append payload.
	defaultChunkDuration = time.Second

	// maxAppends caps the appends per utterance; longer utterances get
	// larger chunks.
	maxAppends = 64

	captureQueueSize = 256

	// canceledMemory is how many canceled response IDs are remembered to drop
	// their late fragments.
	canceledMemory = 16
)

// ── Options ──────────────────────────────────────────────────────────────────

// Option configures an [Engine].
type Option func(*Engine)

// WithTranscoder sets the converter used for capture and playback streams.
// Default: [transcode.Linear].
func WithTranscoder(tc transcode.Transcoder) Option {
	return func(e *Engine) {
		if tc != nil {
			e.tc = tc
		}
	}
}

// WithRemoteFormat sets the realtime session's PCM format.
// Default: [audio.RealtimeFormat].
func WithRemoteFormat(f audio.Format) Option {
	return func(e *Engine) {
		if f.Valid() {
			e.remote = f
		}
	}
}

// WithMinUtterance sets the shortest utterance that is committed. Shorter
// ones are dropped silently.
func WithMinUtterance(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.minUtterance = d
		}
	}
}

// WithChunkDuration bounds how much audio a single append message carries.
func WithChunkDuration(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.chunkDuration = d
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// ── Engine ───────────────────────────────────────────────────────────────────

// response tracks the reply requested after the last commit.
type response struct {
	active      bool
	id          string
	heard       bool
	requestedAt time.Time
}

// Engine relays audio between one voice connection and one realtime session.
type Engine struct {
	conn     audio.Connection
	session  s2s.SessionHandle
	playback *Playback
	state    *State

	tc            transcode.Transcoder
	remote        audio.Format
	minUtterance  time.Duration
	chunkDuration time.Duration
	metrics       *observe.Metrics

	// Loop-owned state.
	ctx              context.Context
	captures         map[string]*capture
	nextGen          uint64
	resp             response
	canceled         []string
	dropUntilRequest bool

	// unanswered counts response requests still waiting for their created
	// event. Once the session has reported one, only the response created
	// for the newest request plays.
	unanswered  int
	createdSeen bool

	fromCapture chan captureMsg
	stop        chan struct{}
}

// New builds an engine for conn and session. The returned engine's [State]
// holds both handles plus the playback controller it creates.
func New(conn audio.Connection, session s2s.SessionHandle, opts ...Option) *Engine {
	e := &Engine{
		conn:          conn,
		session:       session,
		tc:            transcode.Linear{},
		remote:        audio.RealtimeFormat,
		minUtterance:  DefaultMinUtterance,
		chunkDuration: defaultChunkDuration,
		captures:      make(map[string]*capture),
		fromCapture:   make(chan captureMsg, captureQueueSize),
		stop:          make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	e.playback = NewPlayback(conn, e.tc, e.remote, e.metrics)
	e.state = &State{Conn: conn, Session: session, Playback: e.playback}
	return e
}

// State returns the handle set the engine runs on.
func (e *Engine) State() *State { return e.state }

// Playback returns the engine's playback controller.
func (e *Engine) Playback() *Playback { return e.playback }

// Run dispatches events until ctx is cancelled (returns nil), the realtime
// session ends ([ErrSessionClosed]) or the voice connection is lost
// ([ErrDisconnected]). Run does not tear down the [State]; the caller does.
// Run must be called at most once.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.ctx = ctx
	defer e.shutdown()

	connEvents := e.conn.Events()
	sessEvents := e.session.Events()
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-connEvents:
			if !ok {
				return ErrDisconnected
			}
			if err := e.handleConnEvent(ev); err != nil {
				return err
			}

		case ev, ok := <-sessEvents:
			if !ok {
				if err := e.session.Err(); err != nil {
					return fmt.Errorf("%w: %w", ErrSessionClosed, err)
				}
				return ErrSessionClosed
			}
			e.handleSessionEvent(ev)

		case msg := <-e.fromCapture:
			e.handleCapture(msg)
		}
	}
}

// shutdown stops every capture still in progress.
func (e *Engine) shutdown() {
	close(e.stop)
	for id, c := range e.captures {
		c.stream.Kill()
		e.metrics.ActiveSpeakers.Add(context.Background(), -1)
		delete(e.captures, id)
	}
}

// ─── Transport events ────────────────────────────────────────────────────────

func (e *Engine) handleConnEvent(ev audio.Event) error {
	switch ev.Type {
	case audio.EventReady:
		slog.Debug("relay: voice connection ready")
	case audio.EventSpeechStart:
		e.speechStart(ev)
	case audio.EventSpeechEnd:
		e.speechEnd(ev.UserID)
	case audio.EventError:
		slog.Warn("relay: voice transport error", "err", ev.Err)
	case audio.EventDisconnected:
		if ev.Err != nil {
			return fmt.Errorf("%w: %w", ErrDisconnected, ev.Err)
		}
		return ErrDisconnected
	}
	return nil
}

func (e *Engine) speechStart(ev audio.Event) {
	if c := e.captures[ev.UserID]; c.active() {
		if c.state == captureFlushing {
			// Started again before the last utterance finished converting.
			c.next, c.nextEnded = &ev, false
			slog.Info("relay: speech start held until previous utterance is flushed", "user_id", ev.UserID)
			return
		}
		slog.Debug("relay: ignoring speech start during active capture", "user_id", ev.UserID, "state", c.state)
		return
	}
	slog.Info("relay: user started speaking", "user_id", ev.UserID)

	// Barge-in happens before the new capture buffers anything.
	e.bargeIn("speech start", ev.UserID)

	stream, err := e.tc.Open(e.ctx, e.conn.Format(), e.remote)
	if err != nil {
		slog.Warn("relay: open capture stream", "err", err, "user_id", ev.UserID)
		e.metrics.RecordTranscoderError(e.ctx, observe.DirectionCapture)
		e.metrics.RecordUtterance(e.ctx, observe.UtteranceAborted)
		return
	}

	e.nextGen++
	c := &capture{
		userID:  ev.UserID,
		gen:     e.nextGen,
		state:   captureCapturing,
		stream:  stream,
		started: time.Now(),
	}
	e.captures[ev.UserID] = c
	e.metrics.ActiveSpeakers.Add(e.ctx, 1)

	if ev.Audio != nil {
		go feed(ev.Audio, stream, e.stop)
	} else {
		_ = stream.CloseInput()
	}
	go forward(c.userID, c.gen, stream, e.fromCapture, e.stop)
}

func (e *Engine) speechEnd(userID string) {
	slog.Info("relay: user stopped speaking", "user_id", userID)
	c := e.captures[userID]
	switch {
	case c == nil:
	case c.state == captureCapturing:
		c.state = captureFlushing
	case c.next != nil:
		c.nextEnded = true
	}
}

// resumeHeld opens the capture for a speech start held by c.
func (e *Engine) resumeHeld(c *capture) {
	ev, ended := *c.next, c.nextEnded
	e.speechStart(ev)
	if nc := e.captures[ev.UserID]; ended && nc != nil && nc.state == captureCapturing {
		nc.state = captureFlushing
	}
}

// ─── Capture audio ───────────────────────────────────────────────────────────

func (e *Engine) handleCapture(msg captureMsg) {
	c := e.captures[msg.userID]
	if c == nil || c.gen != msg.gen {
		return
	}
	if !msg.done {
		c.add(msg.data)
		return
	}

	delete(e.captures, msg.userID)
	e.metrics.ActiveSpeakers.Add(e.ctx, -1)
	if c.next != nil {
		defer e.resumeHeld(c)
	}

	if msg.err != nil {
		slog.Warn("relay: capture stream failed, utterance discarded", "err", msg.err, "user_id", msg.userID)
		e.metrics.RecordTranscoderError(e.ctx, observe.DirectionCapture)
		e.metrics.RecordUtterance(e.ctx, observe.UtteranceAborted)
		return
	}
	if c.size < e.remote.BytesFor(e.minUtterance) {
		slog.Debug("relay: utterance too short, discarded", "user_id", msg.userID, "duration", e.remote.Duration(c.size))
		e.metrics.RecordUtterance(e.ctx, observe.UtteranceDiscarded)
		return
	}
	e.commit(c)
}

// commit sends one utterance and requests a response to it.
func (e *Engine) commit(c *capture) {
	// Another speaker's reply is pending or playing; the new utterance wins.
	e.bargeIn("new utterance", c.userID)

	pcm := c.utterance()
	for b := range slices.Chunk(pcm, e.appendSize(len(pcm))) {
		if err := e.session.SendAudio(b); err != nil {
			slog.Warn("relay: send utterance audio", "err", err, "user_id", c.userID)
			e.abandonInput(c.userID)
			return
		}
	}
	if err := e.session.CommitInput(); err != nil {
		slog.Warn("relay: commit utterance", "err", err, "user_id", c.userID)
		e.abandonInput(c.userID)
		return
	}
	if err := e.session.RequestResponse(); err != nil {
		slog.Warn("relay: request response", "err", err, "user_id", c.userID)
		e.metrics.RecordUtterance(e.ctx, observe.UtteranceAborted)
		return
	}

	e.resp = response{active: true, requestedAt: time.Now()}
	e.dropUntilRequest = false
	e.unanswered++

	d := e.remote.Duration(len(pcm))
	e.metrics.RecordUtterance(e.ctx, observe.UtteranceCommitted)
	e.metrics.UtteranceDuration.Record(e.ctx, d.Seconds())
	slog.Debug("relay: utterance committed", "user_id", c.userID, "duration", d)
}

// appendSize is the append payload for an utterance of n bytes: the chunk
// duration, grown in whole sample frames so at most maxAppends are sent.
func (e *Engine) appendSize(n int) int {
	frame := e.remote.FrameBytes()
	size := max(e.remote.BytesFor(e.chunkDuration), frame)
	if per := (n + maxAppends - 1) / maxAppends; per > size {
		size = (per + frame - 1) / frame * frame
	}
	return size
}

// abandonInput drops the appends already queued for an utterance that could
// not be committed, so they do not leak into the next one.
func (e *Engine) abandonInput(userID string) {
	if err := e.session.ClearInput(); err != nil {
		slog.Warn("relay: clear input buffer", "err", err, "user_id", userID)
	}
	e.metrics.RecordUtterance(e.ctx, observe.UtteranceAborted)
}

// ─── Realtime events ─────────────────────────────────────────────────────────

func (e *Engine) handleSessionEvent(ev s2s.Event) {
	switch ev.Type {
	case s2s.EventResponseCreated:
		e.responseCreated(ev.ResponseID)

	case s2s.EventAudioDelta:
		e.audioDelta(ev)

	case s2s.EventAudioDone:
		if e.isCanceled(ev.ResponseID) {
			return
		}
		if e.createdSeen && ev.ResponseID != e.resp.id {
			return
		}
		e.playback.Finish()
		if e.resp.id == "" || ev.ResponseID == "" || e.resp.id == ev.ResponseID {
			e.resp = response{}
		}

	case s2s.EventError:
		slog.Warn("relay: realtime error", "code", ev.Code, "message", ev.Message)
		e.metrics.RecordProtocolError(e.ctx, ev.Code)
		if ev.RequestRejected {
			e.requestRejected()
		}
	}
}

// responseCreated pairs a created response with the oldest unanswered
// request. Responses to superseded or canceled requests never play.
func (e *Engine) responseCreated(id string) {
	e.createdSeen = true
	if e.unanswered > 0 {
		e.unanswered--
	}
	if e.unanswered > 0 || e.dropUntilRequest || !e.resp.active || e.resp.id != "" {
		e.markCanceled(id)
		return
	}
	e.resp.id = id
}

// requestRejected forgets a response request the service refused.
func (e *Engine) requestRejected() {
	if e.unanswered == 0 {
		return
	}
	e.unanswered--
	if e.unanswered == 0 && e.resp.active && e.resp.id == "" {
		e.resp = response{}
	}
}

func (e *Engine) audioDelta(ev s2s.Event) {
	if e.isCanceled(ev.ResponseID) {
		return
	}
	if e.createdSeen && ev.ResponseID != e.resp.id {
		// Not the response to the newest request.
		e.markCanceled(ev.ResponseID)
		return
	}
	if e.dropUntilRequest {
		// A response canceled before its first fragment; its ID is unknown.
		if ev.ResponseID != "" {
			e.markCanceled(ev.ResponseID)
		}
		return
	}
	if e.resp.active && !e.resp.heard {
		e.resp.heard = true
		if e.resp.id == "" {
			e.resp.id = ev.ResponseID
		}
		e.metrics.ResponseLatency.Record(e.ctx, time.Since(e.resp.requestedAt).Seconds())
	}
	if err := e.playback.Append(ev.ResponseID, ev.Audio); err != nil {
		slog.Warn("relay: playback", "err", err, "response_id", ev.ResponseID)
		e.metrics.RecordTranscoderError(e.ctx, observe.DirectionPlayback)
		if ev.ResponseID != "" {
			e.markCanceled(ev.ResponseID)
		}
	}
}

// ─── Barge-in ────────────────────────────────────────────────────────────────

// bargeIn stops playback and cancels the in-flight response. The order is
// fixed: stop pushing to the sink and kill the playback streams, then send
// a best-effort response.cancel.
func (e *Engine) bargeIn(reason, userID string) {
	current := e.playback.CurrentResponse()
	live := e.playback.Cancel()
	if live == 0 && !e.resp.active {
		return
	}

	switch {
	case e.resp.id != "":
		e.markCanceled(e.resp.id)
	case e.resp.active:
		e.dropUntilRequest = true
	}
	e.markCanceled(current)
	e.resp = response{}

	if err := e.session.CancelResponse(); err != nil {
		slog.Debug("relay: cancel response", "err", err)
	}
	e.metrics.RecordBargeIn(e.ctx)
	slog.Info("relay: barge-in", "reason", reason, "user_id", userID, "live_streams", live)
}

func (e *Engine) markCanceled(id string) {
	if id == "" || slices.Contains(e.canceled, id) {
		return
	}
	e.canceled = append(e.canceled, id)
	if len(e.canceled) > canceledMemory {
		e.canceled = slices.Delete(e.canceled, 0, len(e.canceled)-canceledMemory)
	}
}

func (e *Engine) isCanceled(id string) bool {
	return id != "" && slices.Contains(e.canceled, id)
}
