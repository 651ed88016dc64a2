package transcode

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/xenobot/pkg/audio"
)

// Linear is an in-process [Transcoder] backed by [audio.Resampler].
type Linear struct{}

var _ Transcoder = Linear{}

// Open implements [Transcoder].
func (Linear) Open(ctx context.Context, from, to audio.Format) (Stream, error) {
	r, err := audio.NewResampler(from, to)
	if err != nil {
		return nil, fmt.Errorf("transcode: open linear stream: %w", err)
	}
	s := &linearStream{
		r:      r,
		in:     newQueue(),
		out:    make(chan []byte, 16),
		killed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.run()
	go func() {
		select {
		case <-ctx.Done():
			s.Kill()
		case <-s.done:
		}
	}()
	return s, nil
}

type linearStream struct {
	r   *audio.Resampler
	in  *queue
	out chan []byte

	killOnce sync.Once
	killed   chan struct{}
	done     chan struct{}
	err      error
}

func (s *linearStream) run() {
	defer close(s.done)
	defer close(s.out)

	emit := func(b []byte) bool {
		if len(b) == 0 {
			return true
		}
		select {
		case s.out <- b:
			return true
		case <-s.killed:
			return false
		}
	}

	for {
		chunk, ok := s.in.pop(s.killed)
		if !ok {
			break
		}
		if !emit(s.r.Process(chunk)) {
			break
		}
	}
	select {
	case <-s.killed:
		s.err = ErrKilled
		return
	default:
	}
	if !emit(s.r.Flush()) {
		s.err = ErrKilled
	}
}

func (s *linearStream) Write(pcm []byte) error {
	if !s.in.push(pcm) {
		return ErrClosed
	}
	return nil
}

func (s *linearStream) CloseInput() error {
	s.in.close()
	return nil
}

func (s *linearStream) Output() <-chan []byte { return s.out }

func (s *linearStream) Kill() {
	s.killOnce.Do(func() {
		close(s.killed)
		s.in.close()
	})
}

func (s *linearStream) Done() <-chan struct{} { return s.done }

func (s *linearStream) Err() error {
	<-s.done
	return s.err
}
