package discord

import (
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/xenobot/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Connection = (*Connection)(nil)

const (
	eventBuffer     = 64
	utteranceBuffer = 256 // ~5 s of 20 ms frames
	outputBuffer    = 64

	// outputIdle is how long the send loop waits for more audio before it
	// pads the last partial frame and clears the speaking flag.
	outputIdle = 100 * time.Millisecond

	// flushWait bounds how long FlushOutput waits for the send loop, which
	// may be blocked handing a packet to discordgo.
	flushWait = 250 * time.Millisecond
)

// errLeftChannel is reported with EventDisconnected when the bot's own voice
// state leaves the channel (kicked, moved, or channel deleted).
var errLeftChannel = errors.New("discord: bot left the voice channel")

// speaker is the receive-side state of one SSRC that is currently talking.
type speaker struct {
	userID string
	frames chan audio.AudioFrame
	start  time.Time
	last   time.Time
}

// Connection wraps a discordgo.VoiceConnection and adapts it to the
// [audio.Connection] interface.
//
// Incoming Opus packets are decoded per SSRC. The first packet from an idle
// SSRC starts an utterance (EventSpeechStart with a fresh frame channel); once
// no packet has arrived for the silence timeout the channel is closed and
// EventSpeechEnd follows. Outgoing PCM is encoded into 20 ms Opus frames.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc        *discordgo.VoiceConnection
	session   *discordgo.Session
	guildID   string
	channelID string
	botUserID string
	silence   time.Duration

	mu       sync.Mutex
	ssrcUser map[uint32]string // filled from voice speaking updates

	events chan audio.Event
	output chan audio.AudioFrame
	flush  chan chan struct{} // each request is closed once the sink is empty

	sendExited chan struct{}

	gone     chan error // bot's voice state left the channel
	goneOnce sync.Once

	done      chan struct{}
	closeOnce sync.Once

	removeHandler func() // removes the VoiceStateUpdate handler

	// disconnectVC is called during Disconnect to tear down the voice connection.
	// Defaults to vc.Disconnect; overridden in tests.
	disconnectVC func() error

	// now is the clock used for silence detection; overridden in tests.
	now func() time.Time
}

// newConnection initialises a Connection for an already-joined voice channel
// and starts its receive and send loops.
func newConnection(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID, channelID string, silence time.Duration) *Connection {
	c := &Connection{
		vc:           vc,
		session:      session,
		guildID:      guildID,
		channelID:    channelID,
		silence:      silence,
		ssrcUser:     make(map[uint32]string),
		events:       make(chan audio.Event, eventBuffer),
		output:       make(chan audio.AudioFrame, outputBuffer),
		flush:        make(chan chan struct{}),
		sendExited:   make(chan struct{}),
		gone:         make(chan error, 1),
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
		now:          time.Now,
	}
	if session != nil && session.State != nil && session.State.User != nil {
		c.botUserID = session.State.User.ID
	}
	c.start()
	return c
}

// start registers the Discord handlers and launches the receive and send loops.
func (c *Connection) start() {
	if c.session != nil {
		c.removeHandler = c.session.AddHandler(c.handleVoiceStateUpdate)
	}
	c.vc.AddHandler(c.handleSpeakingUpdate)

	go c.recvLoop()
	go c.sendLoop()
}

// Events implements [audio.Connection].
func (c *Connection) Events() <-chan audio.Event {
	return c.events
}

// Format implements [audio.Connection]. Discord voice is 48 kHz stereo.
func (c *Connection) Format() audio.Format {
	return audio.DiscordFormat
}

// OutputStream returns the write-only playback sink. Frames written here are
// encoded to Opus and sent to the channel.
func (c *Connection) OutputStream() chan<- audio.AudioFrame {
	return c.output
}

// FlushOutput drops queued playback audio. It returns once the send loop has
// emptied the sink, so frames written afterwards are kept. The wait is
// bounded by flushWait.
func (c *Connection) FlushOutput() {
	ack := make(chan struct{})
	timeout := time.NewTimer(flushWait)
	defer timeout.Stop()

	select {
	case c.flush <- ack:
	case <-c.sendExited:
		return
	case <-timeout.C:
		slog.Warn("discord: output flush timed out")
		return
	}
	select {
	case <-ack:
	case <-c.sendExited:
	}
}

// Disconnect leaves the voice channel and stops the background loops. It is
// safe to call more than once; subsequent calls return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		if c.removeHandler != nil {
			c.removeHandler()
		}
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}
	})
	return err
}

// emit delivers ev unless the connection is shutting down. Only recvLoop calls it.
func (c *Connection) emit(ev audio.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// recvLoop decodes incoming Opus packets, tracks who is speaking and owns the
// event channel: it is the only sender and closes it on exit.
func (c *Connection) recvLoop() {
	decs := make(decoders)
	speakers := make(map[uint32]*speaker)

	defer func() {
		for ssrc, sp := range speakers {
			close(sp.frames)
			delete(speakers, ssrc)
		}
		close(c.events)
	}()

	if !c.emit(audio.Event{Type: audio.EventReady}) {
		return
	}

	tick := max(c.silence/5, frameDuration)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case err := <-c.gone:
			c.emit(audio.Event{Type: audio.EventDisconnected, Err: err})
			return

		case <-ticker.C:
			now := c.now()
			for ssrc, sp := range speakers {
				if now.Sub(sp.last) < c.silence {
					continue
				}
				close(sp.frames)
				delete(speakers, ssrc)
				slog.Debug("discord: speech ended", "user_id", sp.userID, "duration", sp.last.Sub(sp.start))
				if !c.emit(audio.Event{Type: audio.EventSpeechEnd, UserID: sp.userID}) {
					return
				}
			}

		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				c.emit(audio.Event{Type: audio.EventDisconnected, Err: errors.New("discord: voice receive channel closed")})
				return
			}
			if pkt == nil {
				continue
			}

			sp, active := speakers[pkt.SSRC]
			if !active && isSilence(pkt.Opus) {
				// Trailing silence frames do not start an utterance.
				continue
			}

			pcm, err := decs.decode(pkt.SSRC, pkt.Opus)
			if err != nil {
				slog.Warn("discord: opus decode error", "ssrc", pkt.SSRC, "err", err)
				continue
			}

			now := c.now()
			if !active {
				sp = &speaker{
					userID: c.userForSSRC(pkt.SSRC),
					frames: make(chan audio.AudioFrame, utteranceBuffer),
					start:  now,
				}
				speakers[pkt.SSRC] = sp
				if !c.emit(audio.Event{Type: audio.EventSpeechStart, UserID: sp.userID, Audio: sp.frames}) {
					return
				}
			}
			sp.last = now

			frame := audio.AudioFrame{
				Data:       pcm,
				SampleRate: audio.DiscordFormat.SampleRate,
				Channels:   audio.DiscordFormat.Channels,
				Timestamp:  now.Sub(sp.start),
			}
			select {
			case sp.frames <- frame:
			default:
				// Reader fell behind; drop rather than stall the receive path.
			}
		}
	}
}

// sendLoop encodes sink frames into 20 ms Opus packets. Frames in a foreign
// format are converted first. After a short idle period the remainder is
// zero-padded and sent, and the speaking flag is cleared.
func (c *Connection) sendLoop() {
	defer close(c.sendExited)

	enc, err := newFrameEncoder()
	if err != nil {
		slog.Error("discord: failed to create opus encoder", "err", err)
		return
	}

	var (
		buf      []byte
		speaking bool
		warned   bool
	)
	idle := time.NewTimer(outputIdle)
	idle.Stop()
	defer idle.Stop()

	send := func(pcm []byte) bool {
		opus, eErr := enc.encode(pcm)
		if eErr != nil {
			slog.Warn("discord: opus encode error", "err", eErr)
			return true
		}
		select {
		case c.vc.OpusSend <- opus:
			return true
		case <-c.done:
			return false
		}
	}

	for {
		select {
		case <-c.done:
			if speaking {
				c.setSpeaking(false)
			}
			return

		case ack := <-c.flush:
			for drained := false; !drained; {
				select {
				case <-c.output:
				default:
					drained = true
				}
			}
			buf = nil
			if speaking {
				c.setSpeaking(false)
				speaking = false
			}
			close(ack)

		case <-idle.C:
			if len(buf) > 0 {
				padded := make([]byte, frameBytes)
				copy(padded, buf)
				buf = nil
				if !send(padded) {
					return
				}
			}
			if speaking {
				c.setSpeaking(false)
				speaking = false
			}

		case frame := <-c.output:
			data := frame.Data
			if frame.Format() != audio.DiscordFormat {
				if !warned {
					slog.Warn("discord: converting foreign output format", "from", frame.Format().String())
					warned = true
				}
				if data, err = audio.Convert(data, frame.Format(), audio.DiscordFormat); err != nil {
					slog.Warn("discord: dropping output frame", "err", err)
					continue
				}
			}
			if !speaking {
				c.setSpeaking(true)
				speaking = true
			}

			buf = append(buf, data...)
			for len(buf) >= frameBytes {
				pcm := buf[:frameBytes]
				buf = buf[frameBytes:]
				if !send(pcm) {
					return
				}
			}
			idle.Reset(outputIdle)
		}
	}
}

// handleSpeakingUpdate learns the SSRC → user mapping.
func (c *Connection) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.UserID == "" {
		return
	}
	c.mu.Lock()
	c.ssrcUser[uint32(vs.SSRC)] = vs.UserID
	c.mu.Unlock()
}

// handleVoiceStateUpdate watches the bot's own voice state and reports the
// connection as gone when it leaves the channel.
func (c *Connection) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.GuildID != c.guildID || c.botUserID == "" || vsu.UserID != c.botUserID {
		return
	}
	if vsu.ChannelID == c.channelID {
		return
	}
	c.goneOnce.Do(func() { c.gone <- errLeftChannel })
}

// userForSSRC returns the user speaking on ssrc, or the SSRC itself when
// no speaking update has identified it yet.
func (c *Connection) userForSSRC(ssrc uint32) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.ssrcUser[ssrc]; ok {
		return id
	}
	return strconv.FormatUint(uint64(ssrc), 10)
}

// setSpeaking sends a speaking notification to Discord, logging any errors.
func (c *Connection) setSpeaking(b bool) {
	if err := c.vc.Speaking(b); err != nil {
		slog.Warn("discord: speaking notification error", "speaking", b, "err", err)
	}
}
