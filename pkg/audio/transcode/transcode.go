// Package transcode converts continuous PCM streams between the voice
// channel's native format and the realtime API's format.
//
// A [Transcoder] opens one [Stream] per capture utterance or playback
// response. Two implementations exist:
//
//   - [Process] pipes each stream through its own external resampler process
//     (ffmpeg by default). The process is a scoped resource: it is killed and
//     reaped on every exit path, and [Stream.Done] closes only after reaping.
//   - [Linear] resamples in-process with [audio.Resampler]; it needs no
//     external binary and is used as a fallback and in tests.
//
// Writes never block on the converter: input is queued and fed by a
// background goroutine, so the relay's event loop stays responsive.
package transcode

import (
	"context"
	"errors"

	"github.com/MrWong99/xenobot/pkg/audio"
)

var (
	// ErrKilled is reported by [Stream.Err] after [Stream.Kill].
	ErrKilled = errors.New("transcode: stream killed")

	// ErrClosed is returned by Write after CloseInput or Kill.
	ErrClosed = errors.New("transcode: stream input closed")
)

// Stream is one direction of conversion for one continuous piece of audio.
//
// Implementations are safe for concurrent use.
type Stream interface {
	// Write queues pcm for conversion. The slice is copied; Write does not
	// block on the converter. Partial sample frames are carried over to the
	// next Write.
	Write(pcm []byte) error

	// CloseInput signals end of input. Remaining audio is converted and
	// delivered, then Output is closed.
	CloseInput() error

	// Output delivers converted PCM in input order, always in whole sample
	// frames of the target format. It is closed when the stream ends.
	Output() <-chan []byte

	// Kill stops conversion immediately, discarding queued input and
	// undelivered output. It does not wait for cleanup; see Done.
	Kill()

	// Done is closed after Output is closed and all resources (including an
	// external process) have been released.
	Done() <-chan struct{}

	// Err waits for Done and reports why the stream ended: nil after a clean
	// CloseInput, [ErrKilled] after Kill, or the converter failure. Output
	// must be drained (or the stream killed) for Err to return.
	Err() error
}

// Transcoder opens conversion streams.
type Transcoder interface {
	// Open starts a stream converting from → to. Cancelling ctx kills the stream.
	Open(ctx context.Context, from, to audio.Format) (Stream, error)
}
