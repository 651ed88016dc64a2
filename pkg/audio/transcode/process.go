package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/MrWong99/xenobot/pkg/audio"
)

// DefaultCommand is the resampler binary used by [Process].
const DefaultCommand = "ffmpeg"

const (
	readBufferSize = 8192
	stderrTail     = 1024
)

// ArgsFunc builds the resampler arguments for one stream. The process reads
// raw s16le PCM in from on stdin and writes s16le PCM in to on stdout.
type ArgsFunc func(from, to audio.Format) []string

// FFmpegArgs pipes raw s16le through ffmpeg's resampler.
func FFmpegArgs(from, to audio.Format) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", "s16le", "-ar", strconv.Itoa(from.SampleRate), "-ac", strconv.Itoa(from.Channels), "-i", "pipe:0",
		"-f", "s16le", "-ar", strconv.Itoa(to.SampleRate), "-ac", strconv.Itoa(to.Channels), "pipe:1",
	}
}

// Process is a [Transcoder] that runs one external resampler process per stream.
type Process struct {
	command string
	args    ArgsFunc
}

var _ Transcoder = (*Process)(nil)

// ProcessOption configures a [Process].
type ProcessOption func(*Process)

// WithCommand sets the resampler binary (a name looked up in PATH or a path).
func WithCommand(command string) ProcessOption {
	return func(p *Process) {
		if command != "" {
			p.command = command
		}
	}
}

// WithArgs overrides the argument builder.
func WithArgs(fn ArgsFunc) ProcessOption {
	return func(p *Process) {
		if fn != nil {
			p.args = fn
		}
	}
}

// NewProcess returns a process-backed transcoder running ffmpeg by default.
func NewProcess(opts ...ProcessOption) *Process {
	p := &Process{command: DefaultCommand, args: FFmpegArgs}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Command returns the configured resampler binary.
func (p *Process) Command() string { return p.command }

// Open starts a resampler process for one stream.
func (p *Process) Open(ctx context.Context, from, to audio.Format) (Stream, error) {
	if !from.Valid() || !to.Valid() {
		return nil, fmt.Errorf("transcode: unsupported conversion %s -> %s", from, to)
	}
	cmd := exec.Command(p.command, p.args(from, to)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("transcode: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("transcode: stdout pipe: %w", err)
	}
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("transcode: start %s: %w", p.command, err)
	}

	s := &processStream{
		name:       p.command,
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		frameBytes: to.FrameBytes(),
		inFrame:    from.FrameBytes(),
		in:         newQueue(),
		out:        make(chan []byte, 16),
		killed:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	go s.feed()
	go s.drain()
	go func() {
		select {
		case <-ctx.Done():
			s.Kill()
		case <-s.done:
		}
	}()
	return s, nil
}

// processStream owns one resampler process. feed writes queued input to
// stdin; drain reads stdout, then reaps the process and closes done.
type processStream struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *tailBuffer

	frameBytes int // output sample frame size
	inFrame    int // input sample frame size

	in  *queue
	out chan []byte

	mu      sync.Mutex
	pending []byte // partial input frame not yet queued
	feedErr error

	killOnce sync.Once
	killed   chan struct{}
	done     chan struct{}
	err      error
}

func (s *processStream) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := append(s.pending, pcm...)
	whole := len(buf) - len(buf)%s.inFrame
	s.pending = append([]byte(nil), buf[whole:]...)
	if whole == 0 {
		return nil
	}
	if !s.in.push(buf[:whole]) {
		return ErrClosed
	}
	return nil
}

func (s *processStream) CloseInput() error {
	s.in.close()
	return nil
}

func (s *processStream) Output() <-chan []byte { return s.out }

// Kill terminates the process. The drain goroutine reaps it.
func (s *processStream) Kill() {
	s.killOnce.Do(func() {
		close(s.killed)
		s.in.close()
		if s.cmd.Process != nil {
			if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				slog.Debug("transcode: kill resampler", "pid", s.cmd.Process.Pid, "err", err)
			}
		}
	})
}

func (s *processStream) Done() <-chan struct{} { return s.done }

func (s *processStream) Err() error {
	<-s.done
	return s.err
}

// feed copies queued input to the process until input is closed.
func (s *processStream) feed() {
	defer s.stdin.Close()
	for {
		chunk, ok := s.in.pop(s.killed)
		if !ok {
			return
		}
		if _, err := s.stdin.Write(chunk); err != nil {
			s.mu.Lock()
			s.feedErr = err
			s.mu.Unlock()
			// Stop accepting input; drain will see the process exit.
			s.in.close()
			return
		}
	}
}

// drain forwards whole output frames, then waits for the process so it never
// outlives the stream.
func (s *processStream) drain() {
	defer close(s.done)

	var (
		rem       []byte
		abandoned bool
	)
	buf := make([]byte, readBufferSize)
	for {
		n, rErr := s.stdout.Read(buf)
		if n > 0 && !abandoned {
			data := append(rem, buf[:n]...)
			whole := len(data) - len(data)%s.frameBytes
			rem = append([]byte(nil), data[whole:]...)
			if whole > 0 {
				select {
				case s.out <- data[:whole]:
				case <-s.killed:
					// Keep reading so the process is not blocked on a full pipe.
					abandoned = true
				}
			}
		}
		if rErr != nil {
			break
		}
	}
	close(s.out)

	waitErr := s.cmd.Wait()

	select {
	case <-s.killed:
		s.err = ErrKilled
		return
	default:
	}
	s.mu.Lock()
	feedErr := s.feedErr
	s.mu.Unlock()
	switch {
	case waitErr != nil:
		s.err = fmt.Errorf("transcode: %s exited: %w: %s", s.name, waitErr, s.stderr.String())
	case feedErr != nil:
		s.err = fmt.Errorf("transcode: write to %s: %w", s.name, feedErr)
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	b   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.b = append(t.b, p...)
	if over := len(t.b) - t.max; over > 0 {
		t.b = t.b[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.b)
}
