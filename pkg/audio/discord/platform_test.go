package discord

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/xenobot/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// ─── test helpers ─────────────────────────────────────────────────────────────

// fakeClock is a manually advanced clock for silence detection.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// newTestConnection creates a Connection over fake OpusSend/OpusRecv channels
// without a Discord session.
func newTestConnection(t *testing.T, clock *fakeClock) *Connection {
	t.Helper()
	vc := &discordgo.VoiceConnection{
		OpusSend: make(chan []byte, 16),
		OpusRecv: make(chan *discordgo.Packet, 16),
	}
	c := &Connection{
		vc:           vc,
		guildID:      "guild-test",
		channelID:    "chan-test",
		botUserID:    "bot-user",
		silence:      DefaultSilenceTimeout,
		ssrcUser:     make(map[uint32]string),
		events:       make(chan audio.Event, eventBuffer),
		output:       make(chan audio.AudioFrame, outputBuffer),
		flush:        make(chan chan struct{}),
		sendExited:   make(chan struct{}),
		gone:         make(chan error, 1),
		done:         make(chan struct{}),
		disconnectVC: func() error { return nil },
		now:          clock.Now,
	}
	c.start()
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

// tonePacket encodes 20 ms of a 440 Hz stereo tone into an Opus packet.
func tonePacket(t *testing.T) []byte {
	t.Helper()
	enc, err := newFrameEncoder()
	if err != nil {
		t.Fatalf("newFrameEncoder: %v", err)
	}
	pcm := make([]int16, frameSamples*2)
	for i := range frameSamples {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(audio.DiscordFormat.SampleRate)))
		pcm[2*i], pcm[2*i+1] = v, v
	}
	pkt, err := enc.encode(audio.Int16sToBytes(pcm))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return pkt
}

func nextEvent(t *testing.T, c *Connection) audio.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return audio.Event{}
}

// ─── Platform tests ──────────────────────────────────────────────────────────

func TestNew_Options(t *testing.T) {
	t.Parallel()

	s := &discordgo.Session{}
	p := New(s, WithGuild("guild-123"), WithSilenceTimeout(750*time.Millisecond))
	if p.session != s {
		t.Error("session not stored correctly")
	}
	if p.guildID != "guild-123" {
		t.Errorf("guildID = %q, want %q", p.guildID, "guild-123")
	}
	if p.silence != 750*time.Millisecond {
		t.Errorf("silence = %v, want 750ms", p.silence)
	}

	if d := New(s, WithSilenceTimeout(0)).silence; d != DefaultSilenceTimeout {
		t.Errorf("zero timeout should keep default, got %v", d)
	}
}

func TestResolveGuild_FromState(t *testing.T) {
	t.Parallel()

	state := discordgo.NewState()
	if err := state.GuildAdd(&discordgo.Guild{ID: "g1"}); err != nil {
		t.Fatalf("GuildAdd: %v", err)
	}
	if err := state.ChannelAdd(&discordgo.Channel{ID: "vc1", GuildID: "g1", Type: discordgo.ChannelTypeGuildVoice}); err != nil {
		t.Fatalf("ChannelAdd: %v", err)
	}
	p := New(&discordgo.Session{State: state})

	got, err := p.resolveGuild("vc1")
	if err != nil {
		t.Fatalf("resolveGuild: %v", err)
	}
	if got != "g1" {
		t.Errorf("guild = %q, want g1", got)
	}
	if _, err := p.resolveGuild("missing"); err == nil {
		t.Error("expected error for unknown channel")
	}
}

// ─── Connection tests ─────────────────────────────────────────────────────────

func TestConnection_DisconnectIdempotent(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, &fakeClock{now: time.Unix(0, 0)})
	for i := range 3 {
		if err := c.Disconnect(); err != nil {
			t.Fatalf("Disconnect[%d]: unexpected error: %v", i, err)
		}
	}

	// The event stream drains and closes.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events not closed after Disconnect")
		}
	}
}

func TestConnection_SpeechStartAndSilenceEnd(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(100, 0)}
	c := newTestConnection(t, clock)
	c.handleSpeakingUpdate(c.vc, &discordgo.VoiceSpeakingUpdate{UserID: "user-1", SSRC: 100, Speaking: true})

	if ev := nextEvent(t, c); ev.Type != audio.EventReady {
		t.Fatalf("first event = %v, want READY", ev.Type)
	}

	pkt := tonePacket(t)
	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 100, Opus: pkt}

	start := nextEvent(t, c)
	if start.Type != audio.EventSpeechStart {
		t.Fatalf("event = %v, want SPEECH_START", start.Type)
	}
	if start.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", start.UserID)
	}

	select {
	case frame := <-start.Audio:
		if frame.Format() != audio.DiscordFormat {
			t.Errorf("frame format = %v, want %v", frame.Format(), audio.DiscordFormat)
		}
		if len(frame.Data) != frameBytes {
			t.Errorf("frame bytes = %d, want %d", len(frame.Data), frameBytes)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame on utterance channel")
	}

	// A second packet within the timeout continues the same utterance.
	clock.Advance(200 * time.Millisecond)
	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 100, Opus: pkt}
	select {
	case <-start.Audio:
	case <-time.After(2 * time.Second):
		t.Fatal("second frame not delivered")
	}

	clock.Advance(600 * time.Millisecond)
	end := nextEvent(t, c)
	if end.Type != audio.EventSpeechEnd || end.UserID != "user-1" {
		t.Fatalf("event = %v/%q, want SPEECH_END/user-1", end.Type, end.UserID)
	}
	if _, ok := <-start.Audio; ok {
		t.Error("utterance channel should be closed after speech end")
	}
}

func TestConnection_UnknownSSRCUsesSSRCAsID(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, &fakeClock{now: time.Unix(0, 0)})
	nextEvent(t, c) // ready

	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 4242, Opus: tonePacket(t)}
	ev := nextEvent(t, c)
	if ev.Type != audio.EventSpeechStart || ev.UserID != "4242" {
		t.Fatalf("event = %v/%q, want SPEECH_START/4242", ev.Type, ev.UserID)
	}
}

func TestConnection_SilenceFramesDoNotStartSpeech(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, &fakeClock{now: time.Unix(0, 0)})
	nextEvent(t, c) // ready

	for range 5 {
		c.vc.OpusRecv <- &discordgo.Packet{SSRC: 7, Opus: silenceFrame}
	}
	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected event %v", ev.Type)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestConnection_ReceiveClosedReportsDisconnect(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, &fakeClock{now: time.Unix(0, 0)})
	nextEvent(t, c) // ready

	close(c.vc.OpusRecv)
	ev := nextEvent(t, c)
	if ev.Type != audio.EventDisconnected {
		t.Fatalf("event = %v, want DISCONNECTED", ev.Type)
	}
	if _, ok := <-c.Events(); ok {
		t.Error("events should close after DISCONNECTED")
	}
}

func TestConnection_BotLeavingChannelReportsDisconnect(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, &fakeClock{now: time.Unix(0, 0)})
	nextEvent(t, c) // ready

	// Other users moving around are ignored.
	c.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{GuildID: "guild-test", UserID: "someone", ChannelID: ""}})
	// The bot itself leaving is not.
	c.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{GuildID: "guild-test", UserID: "bot-user", ChannelID: ""}})

	ev := nextEvent(t, c)
	if ev.Type != audio.EventDisconnected {
		t.Fatalf("event = %v, want DISCONNECTED", ev.Type)
	}
	if ev.Err != errLeftChannel {
		t.Errorf("Err = %v, want errLeftChannel", ev.Err)
	}
}

func TestConnection_SendEncodesFrames(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, &fakeClock{now: time.Unix(0, 0)})

	// One native frame and one 24 kHz mono frame that converts to one more.
	c.OutputStream() <- audio.AudioFrame{Data: make([]byte, 3840), SampleRate: 48000, Channels: 2}
	c.OutputStream() <- audio.AudioFrame{Data: make([]byte, 960), SampleRate: 24000, Channels: 1}

	for i := range 2 {
		select {
		case pkt := <-c.vc.OpusSend:
			if len(pkt) == 0 {
				t.Errorf("packet %d is empty", i)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("packet %d not sent", i)
		}
	}
}

func TestConnection_PartialFrameFlushedAfterIdle(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, &fakeClock{now: time.Unix(0, 0)})
	c.OutputStream() <- audio.AudioFrame{Data: make([]byte, 1000), SampleRate: 48000, Channels: 2}

	select {
	case <-c.vc.OpusSend:
	case <-time.After(2 * time.Second):
		t.Fatal("padded partial frame not sent after idle")
	}
}

func TestConnection_FlushOutputDropsPending(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, &fakeClock{now: time.Unix(0, 0)})
	c.OutputStream() <- audio.AudioFrame{Data: make([]byte, 1000), SampleRate: 48000, Channels: 2}
	time.Sleep(20 * time.Millisecond) // let the send loop buffer it
	c.FlushOutput()

	select {
	case <-c.vc.OpusSend:
		t.Fatal("flushed audio was sent")
	case <-time.After(3 * outputIdle):
	}
}

func TestConnection_FrameAfterFlushIsKept(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, &fakeClock{now: time.Unix(0, 0)})
	c.OutputStream() <- audio.AudioFrame{Data: make([]byte, 1000), SampleRate: 48000, Channels: 2}
	c.FlushOutput()

	// The next response starts right after the flush returns.
	c.OutputStream() <- audio.AudioFrame{Data: make([]byte, 3840), SampleRate: 48000, Channels: 2}
	select {
	case pkt := <-c.vc.OpusSend:
		if len(pkt) == 0 {
			t.Error("empty packet")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame written after the flush was dropped")
	}
	select {
	case <-c.vc.OpusSend:
		t.Error("flushed audio was sent")
	case <-time.After(3 * outputIdle):
	}
}

func TestConnection_FlushAfterDisconnectReturns(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, &fakeClock{now: time.Unix(0, 0)})
	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	done := make(chan struct{})
	go func() {
		c.FlushOutput()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("FlushOutput blocked after Disconnect")
	}
}
