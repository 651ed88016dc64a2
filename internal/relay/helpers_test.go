package relay

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/xenobot/internal/observe"
	"github.com/MrWong99/xenobot/pkg/audio"
	audiomock "github.com/MrWong99/xenobot/pkg/audio/mock"
	"github.com/MrWong99/xenobot/pkg/audio/transcode"
	"github.com/MrWong99/xenobot/pkg/provider/s2s"
	s2smock "github.com/MrWong99/xenobot/pkg/provider/s2s/mock"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// ── Metrics ──────────────────────────────────────────────────────────────────

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// counter returns the value of an int64 sum, optionally filtered by one
// attribute. Missing metrics read as zero.
func counter(t *testing.T, reader *sdkmetric.ManualReader, name, key, value string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not an int64 sum", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				if key == "" {
					total += dp.Value
					continue
				}
				if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
					total += dp.Value
				}
			}
			return total
		}
	}
	return 0
}

// ── Waiting ──────────────────────────────────────────────────────────────────

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ── Audio ────────────────────────────────────────────────────────────────────

// tone returns d of non-silent PCM in format f.
func tone(f audio.Format, d time.Duration) []byte {
	n := f.BytesFor(d)
	pcm := make([]byte, n)
	for i := 0; i+1 < n; i += 2 {
		pcm[i] = byte(i / 2)
		pcm[i+1] = 0x10
	}
	return pcm
}

// speak streams d of audio for userID in 20 ms frames, then ends the
// utterance.
func speak(conn *audiomock.Connection, userID string, d time.Duration) {
	f := conn.Format()
	frames := conn.StartSpeech(userID)
	pcm := tone(f, d)
	step := f.BytesFor(20 * time.Millisecond)
	for off := 0; off < len(pcm); off += step {
		end := min(off+step, len(pcm))
		frames <- audio.AudioFrame{Data: pcm[off:end], SampleRate: f.SampleRate, Channels: f.Channels}
	}
	conn.EndSpeech(userID)
}

// ── Transcoder recorder ──────────────────────────────────────────────────────

// recorder wraps a transcoder and logs stream opens and kills by direction.
type recorder struct {
	inner transcode.Transcoder

	mu      sync.Mutex
	log     []string
	openErr map[string]error
	failing map[string]error
	release chan struct{} // non-nil: capture streams end only once closed
}

func newRecorder() *recorder {
	return &recorder{
		inner:   transcode.Linear{},
		openErr: make(map[string]error),
		failing: make(map[string]error),
	}
}

func direction(from audio.Format) string {
	if from == audio.RealtimeFormat {
		return "playback"
	}
	return "capture"
}

func (r *recorder) add(entry string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, entry)
}

func (r *recorder) entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.log)
}

func (r *recorder) count(entry string) int {
	n := 0
	for _, e := range r.entries() {
		if e == entry {
			n++
		}
	}
	return n
}

func (r *recorder) Open(ctx context.Context, from, to audio.Format) (transcode.Stream, error) {
	dir := direction(from)
	r.mu.Lock()
	openErr, failErr, release := r.openErr[dir], r.failing[dir], r.release
	r.mu.Unlock()

	r.add("open " + dir)
	if openErr != nil {
		return nil, openErr
	}
	if failErr != nil {
		return newFailedStream(failErr), nil
	}
	s, err := r.inner.Open(ctx, from, to)
	if err != nil {
		return nil, err
	}
	rs := &recordedStream{Stream: s, r: r, dir: dir}
	if release != nil && dir == "capture" {
		return holdStream(rs, release), nil
	}
	return rs, nil
}

// holdCapture makes capture streams slow to flush: they deliver their output
// but do not end until the returned function is called.
func (r *recorder) holdCapture() (release func()) {
	ch := make(chan struct{})
	r.mu.Lock()
	r.release = ch
	r.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

type recordedStream struct {
	transcode.Stream
	r    *recorder
	dir  string
	once sync.Once
}

func (s *recordedStream) Kill() {
	s.once.Do(func() { s.r.add("kill " + s.dir) })
	s.Stream.Kill()
}

// heldStream forwards its output but keeps it open until release is closed.
type heldStream struct {
	transcode.Stream
	out    chan []byte
	killed chan struct{}
	once   sync.Once
}

func holdStream(s transcode.Stream, release <-chan struct{}) *heldStream {
	h := &heldStream{Stream: s, out: make(chan []byte), killed: make(chan struct{})}
	go func() {
		defer close(h.out)
		for b := range s.Output() {
			select {
			case h.out <- b:
			case <-h.killed:
				return
			}
		}
		select {
		case <-release:
		case <-h.killed:
		}
	}()
	return h
}

func (h *heldStream) Output() <-chan []byte { return h.out }

func (h *heldStream) Kill() {
	h.once.Do(func() { close(h.killed) })
	h.Stream.Kill()
}

// failedStream ends immediately with err, like a resampler that crashed.
type failedStream struct {
	err  error
	out  chan []byte
	done chan struct{}
}

func newFailedStream(err error) *failedStream {
	s := &failedStream{err: err, out: make(chan []byte), done: make(chan struct{})}
	close(s.out)
	close(s.done)
	return s
}

func (s *failedStream) Write([]byte) error    { return transcode.ErrClosed }
func (s *failedStream) CloseInput() error     { return nil }
func (s *failedStream) Output() <-chan []byte { return s.out }
func (s *failedStream) Kill()                 {}
func (s *failedStream) Done() <-chan struct{} { return s.done }
func (s *failedStream) Err() error            { return s.err }

// ── Engine harness ───────────────────────────────────────────────────────────

type harness struct {
	conn   *audiomock.Connection
	sess   *s2smock.Session
	tc     *recorder
	reader *sdkmetric.ManualReader
	engine *Engine
	cancel context.CancelFunc
	result chan error
}

func startEngine(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		conn:   audiomock.NewConnection(audio.DiscordFormat),
		sess:   s2smock.NewSession(),
		tc:     newRecorder(),
		result: make(chan error, 1),
	}
	m, reader := newTestMetrics(t)
	h.reader = reader
	opts = append([]Option{WithTranscoder(h.tc), WithMetrics(m)}, opts...)
	h.engine = New(h.conn, h.sess, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.result <- h.engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.result:
		case <-time.After(3 * time.Second):
			t.Error("engine did not stop")
		}
		_ = h.engine.State().Teardown()
	})
	return h
}

// wait returns Run's result.
func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.result:
		h.result <- err // keep it for cleanup
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("engine did not return")
		return nil
	}
}

func (h *harness) utterances(t *testing.T, status string) int64 {
	t.Helper()
	return counter(t, h.reader, "xenobot.relay.utterances", "status", status)
}

// settle waits until the engine loop has processed every session event emitted
// so far, using an error event as a marker.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	before := counter(t, h.reader, "xenobot.relay.protocol.errors", "", "")
	h.sess.Emit(errorEvent("sync"))
	waitFor(t, "session events to be processed", func() bool {
		return counter(t, h.reader, "xenobot.relay.protocol.errors", "", "") > before
	})
}

var errBoom = errors.New("boom")

func describe(log []string) string { return fmt.Sprintf("%q", log) }

func errorEvent(msg string) s2s.Event {
	return s2s.Event{Type: s2s.EventError, Message: msg}
}
