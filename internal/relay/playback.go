package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/xenobot/internal/observe"
	"github.com/MrWong99/xenobot/pkg/audio"
	"github.com/MrWong99/xenobot/pkg/audio/transcode"
)

// errPlaybackClosed is returned by Append after Close.
var errPlaybackClosed = errors.New("relay: playback closed")

// Playback owns the connection's output sink. Response audio is appended to
// the current stream, which converts it to the native format and pumps it
// into the sink.
//
// A stream is opened lazily on the first fragment of a response. Finish lets
// it drain; Cancel stops it without draining. A stream that is still draining
// when the next one opens keeps its place: the new stream's pump waits for it.
type Playback struct {
	conn    audio.Connection
	tc      transcode.Transcoder
	remote  audio.Format
	metrics *observe.Metrics

	mu       sync.Mutex
	current  *playStream
	draining []*playStream
	tail     <-chan struct{}
	closed   bool
}

type playStream struct {
	responseID string
	stream     transcode.Stream
	stop       chan struct{}
	stopOnce   sync.Once
	started    chan struct{} // closed once the pump owns the sink
	pumped     chan struct{} // closed when the pump exits
}

func (ps *playStream) halt() {
	ps.stopOnce.Do(func() { close(ps.stop) })
	ps.stream.Kill()
}

func (ps *playStream) finished() bool {
	select {
	case <-ps.pumped:
		return true
	default:
		return false
	}
}

// running reports whether the stream is the one currently feeding the sink.
func (ps *playStream) running() bool {
	if ps.finished() {
		return false
	}
	select {
	case <-ps.started:
		return true
	default:
		return false
	}
}

// NewPlayback returns a controller converting remote-format PCM into conn's
// native format.
func NewPlayback(conn audio.Connection, tc transcode.Transcoder, remote audio.Format, metrics *observe.Metrics) *Playback {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Playback{conn: conn, tc: tc, remote: remote, metrics: metrics}
}

// Append adds one response fragment. A fragment for a different response
// than the current stream's finishes that stream and starts a new one.
func (p *Playback) Append(responseID string, pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPlaybackClosed
	}
	if p.current != nil && responseID != "" && p.current.responseID != "" && p.current.responseID != responseID {
		p.finishLocked()
	}
	if p.current == nil {
		if err := p.openLocked(responseID); err != nil {
			return err
		}
	}
	if err := p.current.stream.Write(pcm); err != nil {
		ps := p.current
		p.current = nil
		ps.halt()
		return fmt.Errorf("relay: playback write: %w", err)
	}
	return nil
}

func (p *Playback) openLocked(responseID string) error {
	stream, err := p.tc.Open(context.Background(), p.remote, p.conn.Format())
	if err != nil {
		return fmt.Errorf("relay: open playback stream: %w", err)
	}
	ps := &playStream{
		responseID: responseID,
		stream:     stream,
		stop:       make(chan struct{}),
		started:    make(chan struct{}),
		pumped:     make(chan struct{}),
	}
	prev := p.tail
	p.tail = ps.pumped
	p.current = ps
	go p.pump(ps, prev)
	slog.Info("relay: assistant started speaking", "response_id", responseID)
	return nil
}

// pump forwards converted audio into the sink until the stream ends or is
// stopped. It starts only after the previous stream has been pumped.
func (p *Playback) pump(ps *playStream, prev <-chan struct{}) {
	defer close(ps.pumped)

	if prev != nil {
		select {
		case <-prev:
		case <-ps.stop:
			return
		}
	}
	close(ps.started)

	sink := p.conn.OutputStream()
	f := p.conn.Format()
	for {
		select {
		case <-ps.stop:
			return
		case b, ok := <-ps.stream.Output():
			if !ok {
				if err := ps.stream.Err(); err != nil {
					if !errors.Is(err, transcode.ErrKilled) {
						slog.Warn("relay: playback stream failed", "err", err, "response_id", ps.responseID)
						p.metrics.RecordTranscoderError(context.Background(), observe.DirectionPlayback)
					}
					return
				}
				slog.Info("relay: assistant finished speaking", "response_id", ps.responseID)
				return
			}
			select {
			case sink <- audio.AudioFrame{Data: b, SampleRate: f.SampleRate, Channels: f.Channels}:
			case <-ps.stop:
				return
			}
		}
	}
}

// Finish marks the current response complete. Its stream drains gracefully.
func (p *Playback) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finishLocked()
}

func (p *Playback) finishLocked() {
	if p.current == nil {
		return
	}
	_ = p.current.stream.CloseInput()
	p.draining = append(p.draining, p.current)
	p.current = nil
}

// Cancel stops every stream immediately: pumps stop writing to the sink,
// transcoder streams are killed, and audio already queued in the sink is
// dropped. It returns how many streams were still playing.
func (p *Playback) Cancel() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelLocked()
}

func (p *Playback) cancelLocked() int {
	all := p.draining
	if p.current != nil {
		all = append(all, p.current)
	}
	live := 0
	for _, ps := range all {
		if ps.running() {
			live++
		}
		ps.halt()
	}
	// Pumps exit promptly once stopped; waiting guarantees nothing reaches
	// the sink after the flush below.
	for _, ps := range all {
		<-ps.pumped
	}
	p.current = nil
	p.draining = nil
	p.tail = nil
	p.conn.FlushOutput()
	return live
}

// Live returns the number of streams feeding the sink: 0 or 1, since a
// stream waits for its predecessor before it starts.
func (p *Playback) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.draining[:0]
	n := 0
	for _, ps := range p.draining {
		if ps.finished() {
			continue
		}
		kept = append(kept, ps)
		if ps.running() {
			n++
		}
	}
	clear(p.draining[len(kept):])
	p.draining = kept

	if p.current != nil && p.current.running() {
		n++
	}
	return n
}

// CurrentResponse returns the response ID of the stream accepting fragments,
// or "".
func (p *Playback) CurrentResponse() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return ""
	}
	return p.current.responseID
}

// Close cancels all playback and rejects further fragments. Idempotent.
func (p *Playback) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.cancelLocked()
}
