// Package discord provides an [audio.Platform] backed by Discord voice
// channels via the bwmarrin/discordgo library. It bridges Discord's Opus voice
// transport with the relay's PCM [audio.AudioFrame] pipeline and turns packet
// arrival into per-participant speech start/end events.
package discord

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/xenobot/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Platform = (*Platform)(nil)

// DefaultSilenceTimeout ends an utterance after this much silence.
const DefaultSilenceTimeout = 500 * time.Millisecond

// Platform implements [audio.Platform] using a discordgo voice connection.
// It requires an active *discordgo.Session (owned by the bot layer).
//
// Platform is safe for concurrent use.
type Platform struct {
	session *discordgo.Session
	guildID string
	silence time.Duration
}

// Option configures a [Platform].
type Option func(*Platform)

// WithGuild pins the platform to one guild. Without it the guild is resolved
// from the channel in the session state cache.
func WithGuild(guildID string) Option {
	return func(p *Platform) { p.guildID = guildID }
}

// WithSilenceTimeout sets how long a participant must be silent before the
// utterance ends. Non-positive values keep the default.
func WithSilenceTimeout(d time.Duration) Option {
	return func(p *Platform) {
		if d > 0 {
			p.silence = d
		}
	}
}

// New creates a Discord Platform for the given session.
func New(session *discordgo.Session, opts ...Option) *Platform {
	p := &Platform{
		session: session,
		silence: DefaultSilenceTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect joins the voice channel identified by channelID. ctx only bounds
// the join; the Connection lives until [Connection.Disconnect].
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	guildID, err := p.resolveGuild(channelID)
	if err != nil {
		return nil, err
	}

	// mute=false (we send audio), deaf=false (we receive audio).
	vc, err := p.session.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	return newConnection(vc, p.session, guildID, channelID, p.silence), nil
}

func (p *Platform) resolveGuild(channelID string) (string, error) {
	if p.guildID != "" {
		return p.guildID, nil
	}
	if p.session == nil || p.session.State == nil {
		return "", fmt.Errorf("discord: resolve guild for channel %q: no session state", channelID)
	}
	ch, err := p.session.State.Channel(channelID)
	if err != nil {
		return "", fmt.Errorf("discord: resolve guild for channel %q: %w", channelID, err)
	}
	if ch.GuildID == "" {
		return "", fmt.Errorf("discord: channel %q is not a guild channel", channelID)
	}
	return ch.GuildID, nil
}
