package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/xenobot/internal/observe"
	"github.com/MrWong99/xenobot/internal/relay"
	"github.com/MrWong99/xenobot/pkg/audio"
	"github.com/MrWong99/xenobot/pkg/audio/transcode"
	"github.com/MrWong99/xenobot/pkg/provider/s2s"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrAlreadyConnected is returned by Connect while a session is live.
	ErrAlreadyConnected = errors.New("app: a voice session is already active")

	// ErrNotConnected is returned by Disconnect when no session is live.
	ErrNotConnected = errors.New("app: no active voice session")
)

// knowledgeCutoff is appended to every realtime persona.
const knowledgeCutoff = "You don't know anything after October 2023."

// SessionInstructions renders the realtime persona: the configured
// instructions followed by today's date and the model's knowledge cutoff.
func SessionInstructions(persona string, now time.Time) string {
	return fmt.Sprintf("%s\nToday's date is %s. %s", persona, now.Format("Mon Jan 2 2006"), knowledgeCutoff)
}

// SessionInfo holds metadata about the active voice session.
type SessionInfo struct {
	// GuildID is the guild the voice channel belongs to.
	GuildID string

	// ChannelID is the voice channel the bot joined.
	ChannelID string

	// StartedBy is the Discord user ID that ran /connect.
	StartedBy string

	// StartedAt is when the session was connected.
	StartedAt time.Time
}

// liveSession is one connected relay and the goroutine running it.
type liveSession struct {
	info   SessionInfo
	engine *relay.Engine
	cancel context.CancelFunc
	done   chan struct{}
}

// SessionManager owns the single voice relay session: it joins the channel,
// opens the realtime session, runs the engine, and tears everything down on
// Disconnect or when the engine stops on its own.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	// mu serialises Connect and Disconnect and guards current.
	mu      sync.Mutex
	current *liveSession

	settings     sync.RWMutex
	instructions string
	voiceMode    bool

	platform     audio.Platform
	provider     s2s.Provider
	transcoder   transcode.Transcoder
	voice        string
	minUtterance time.Duration
	timeout      time.Duration
	metrics      *observe.Metrics
	now          func() time.Time
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Platform audio.Platform
	Provider s2s.Provider

	// Transcoder converts between the voice and realtime formats. Nil selects
	// [transcode.Linear].
	Transcoder transcode.Transcoder

	// Instructions is the initial persona.
	Instructions string

	// Voice is the realtime voice identity.
	Voice string

	// VoiceMode is the initial state of the voice experiment toggle.
	VoiceMode bool

	// MinUtterance is passed to the relay engine. Zero keeps its default.
	MinUtterance time.Duration

	// ConnectTimeout bounds joining and dialling. Zero means no extra bound.
	ConnectTimeout time.Duration

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now defaults to [time.Now]. Used to date the persona.
	Now func() time.Time
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		instructions: cfg.Instructions,
		voiceMode:    cfg.VoiceMode,
		platform:     cfg.Platform,
		provider:     cfg.Provider,
		transcoder:   cfg.Transcoder,
		voice:        cfg.Voice,
		minUtterance: cfg.MinUtterance,
		timeout:      cfg.ConnectTimeout,
		metrics:      cfg.Metrics,
		now:          cfg.Now,
	}
	if sm.transcoder == nil {
		sm.transcoder = transcode.Linear{}
	}
	if sm.metrics == nil {
		sm.metrics = observe.DefaultMetrics()
	}
	if sm.now == nil {
		sm.now = time.Now
	}
	return sm
}

// ── Settings ─────────────────────────────────────────────────────────────────

// SetInstructions replaces the persona. It applies to the next realtime
// session; a live session keeps the persona it was opened with.
func (sm *SessionManager) SetInstructions(s string) {
	sm.settings.Lock()
	defer sm.settings.Unlock()
	sm.instructions = s
	slog.Info("app: instructions updated", "length", len(s))
}

// Instructions returns the current persona without the date line.
func (sm *SessionManager) Instructions() string {
	sm.settings.RLock()
	defer sm.settings.RUnlock()
	return sm.instructions
}

// SetVoiceMode toggles the voice experiment. Disabling it does not end a
// live session.
func (sm *SessionManager) SetVoiceMode(enabled bool) {
	sm.settings.Lock()
	defer sm.settings.Unlock()
	sm.voiceMode = enabled
	slog.Info("app: voice mode updated", "enabled", enabled)
}

// VoiceMode reports whether /connect is allowed.
func (sm *SessionManager) VoiceMode() bool {
	sm.settings.RLock()
	defer sm.settings.RUnlock()
	return sm.voiceMode
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

// Connect joins channelID, opens a realtime session with the current persona
// and starts relaying. It fails with [ErrAlreadyConnected] while a session
// is live. On any failure nothing stays connected.
func (sm *SessionManager) Connect(ctx context.Context, guildID, channelID, userID string) (err error) {
	ctx, span := observe.StartSpan(ctx, "app.connect", trace.WithAttributes(
		observe.AttrGuildID.String(guildID),
		observe.AttrChannelID.String(channelID),
		observe.AttrUserID.String(userID),
	))
	defer func() { observe.EndSpan(span, err) }()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.current != nil {
		return ErrAlreadyConnected
	}
	if sm.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sm.timeout)
		defer cancel()
	}

	conn, err := sm.platform.Connect(ctx, channelID)
	if err != nil {
		return fmt.Errorf("app: join voice channel: %w", err)
	}

	session, err := sm.provider.Connect(ctx, s2s.SessionConfig{
		Instructions: SessionInstructions(sm.Instructions(), sm.now()),
		Voice:        sm.voice,
	})
	if err != nil {
		if derr := conn.Disconnect(); derr != nil {
			slog.Warn("app: voice disconnect after failed realtime connect", "err", derr)
		}
		sm.metrics.RecordProviderRequest(ctx, "realtime", "connect", "error")
		return fmt.Errorf("app: connect realtime session: %w", err)
	}
	sm.metrics.RecordProviderRequest(ctx, "realtime", "connect", "ok")

	opts := []relay.Option{
		relay.WithTranscoder(sm.transcoder),
		relay.WithMetrics(sm.metrics),
	}
	if sm.minUtterance > 0 {
		opts = append(opts, relay.WithMinUtterance(sm.minUtterance))
	}
	engine := relay.New(conn, session, opts...)

	runCtx, cancel := context.WithCancel(context.Background())
	live := &liveSession{
		info: SessionInfo{
			GuildID:   guildID,
			ChannelID: channelID,
			StartedBy: userID,
			StartedAt: sm.now(),
		},
		engine: engine,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	sm.current = live
	sm.metrics.ActiveSessions.Add(ctx, 1)
	go sm.run(runCtx, live)

	slog.Info("app: realtime connected",
		"guild_id", guildID,
		"channel_id", channelID,
		"user_id", userID,
	)
	return nil
}

// run drives the engine. When the engine stops by itself the session is
// released here; after Disconnect, Disconnect releases it.
func (sm *SessionManager) run(ctx context.Context, live *liveSession) {
	defer close(live.done)

	err := live.engine.Run(ctx)
	switch {
	case err == nil:
	case errors.Is(err, relay.ErrSessionClosed):
		slog.Warn("app: realtime disconnected", "err", err, "channel_id", live.info.ChannelID)
	default:
		slog.Warn("app: relay stopped", "err", err, "channel_id", live.info.ChannelID)
	}

	sm.mu.Lock()
	owned := sm.current == live
	if owned {
		sm.current = nil
	}
	sm.mu.Unlock()

	if owned {
		live.cancel()
		sm.release(live)
	}
}

// Disconnect stops relaying and releases the voice channel and realtime
// session. It returns [ErrNotConnected] when nothing is live.
func (sm *SessionManager) Disconnect(ctx context.Context) (err error) {
	_, span := observe.StartSpan(ctx, "app.disconnect")
	defer func() { observe.EndSpan(span, err) }()

	sm.mu.Lock()
	live := sm.current
	sm.current = nil
	sm.mu.Unlock()

	if live == nil {
		return ErrNotConnected
	}

	live.cancel()
	select {
	case <-live.done:
	case <-ctx.Done():
		// Release anyway; Teardown is safe while the engine unwinds.
		slog.Warn("app: relay did not stop in time", "err", ctx.Err())
	}
	return sm.release(live)
}

func (sm *SessionManager) release(live *liveSession) error {
	err := live.engine.State().Teardown()
	sm.metrics.ActiveSessions.Add(context.Background(), -1)
	if err != nil {
		slog.Warn("app: teardown", "err", err, "channel_id", live.info.ChannelID)
		return err
	}
	slog.Info("app: voice session ended",
		"channel_id", live.info.ChannelID,
		"duration", sm.now().Sub(live.info.StartedAt).Truncate(time.Second),
	)
	return nil
}

// Shutdown disconnects the live session, if any.
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	if err := sm.Disconnect(ctx); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// IsActive reports whether a session is currently live.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current != nil
}

// Info returns metadata about the live session, or the zero value.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.current == nil {
		return SessionInfo{}
	}
	return sm.current.info
}
