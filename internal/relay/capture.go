package relay

import (
	"time"

	"github.com/MrWong99/xenobot/pkg/audio"
	"github.com/MrWong99/xenobot/pkg/audio/transcode"
)

// captureState is the lifecycle of one participant's utterance.
type captureState int

const (
	captureIdle captureState = iota
	captureCapturing
	captureFlushing
)

func (s captureState) String() string {
	switch s {
	case captureIdle:
		return "idle"
	case captureCapturing:
		return "capturing"
	case captureFlushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// capture buffers one participant's converted audio until the utterance ends.
// It is only touched by the engine loop.
type capture struct {
	userID  string
	gen     uint64
	state   captureState
	stream  transcode.Stream
	chunks  [][]byte
	size    int
	started time.Time

	// next is a speech start that arrived while flushing; nextEnded records
	// that its utterance has already ended.
	next      *audio.Event
	nextEnded bool
}

func (c *capture) active() bool {
	return c != nil && c.state != captureIdle
}

func (c *capture) add(b []byte) {
	c.chunks = append(c.chunks, b)
	c.size += len(b)
}

// utterance concatenates the buffered chunks.
func (c *capture) utterance() []byte {
	out := make([]byte, 0, c.size)
	for _, b := range c.chunks {
		out = append(out, b...)
	}
	return out
}

// captureMsg carries converted audio, and finally the stream outcome, from a
// capture's forwarding goroutine into the engine loop.
type captureMsg struct {
	userID string
	gen    uint64
	data   []byte
	done   bool
	err    error
}

// feed copies one utterance's frames into the capture stream and closes its
// input when the transport ends the utterance.
func feed(frames <-chan audio.AudioFrame, s transcode.Stream, stop <-chan struct{}) {
	defer func() { _ = s.CloseInput() }()
	for {
		select {
		case <-stop:
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if err := s.Write(f.Data); err != nil {
				return
			}
		}
	}
}

// forward sends the stream's output, then its outcome, to out.
func forward(userID string, gen uint64, s transcode.Stream, out chan<- captureMsg, stop <-chan struct{}) {
	send := func(m captureMsg) bool {
		select {
		case out <- m:
			return true
		case <-stop:
			return false
		}
	}
	for b := range s.Output() {
		if !send(captureMsg{userID: userID, gen: gen, data: b}) {
			s.Kill()
			return
		}
	}
	send(captureMsg{userID: userID, gen: gen, done: true, err: s.Err()})
}
